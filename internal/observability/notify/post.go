package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPostTimeout = 5 * time.Second
	defaultPostBackoff = 200 * time.Millisecond
	maxErrorBody       = 4 << 10
)

// Poster sends JSON documents to an alerting endpoint. Network errors, 429 and
// 5xx responses are retried up to Retries times with a linear backoff; any
// other non-2xx status fails immediately.
type Poster struct {
	// Name prefixes error messages, e.g. "slack".
	Name    string
	Client  *http.Client
	Retries int
	Backoff time.Duration
}

// NewPoster fills defaults for a sink's HTTP settings.
func NewPoster(name string, client *http.Client, timeout time.Duration, retries int) Poster {
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return Poster{Name: name, Client: client, Retries: max(retries, 0), Backoff: defaultPostBackoff}
}

// PostJSON encodes v and posts it to url.
func (p Poster) PostJSON(ctx context.Context, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", p.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*p.Backoff); err != nil {
				return err
			}
		}
		retry, err := p.post(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func (p Poster) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create %s request: %w", p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%s request: %w", p.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	msg, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("%s %s: %s", p.Name, resp.Status, strings.TrimSpace(string(msg)))
	if readErr != nil {
		statusErr = errors.Join(statusErr, fmt.Errorf("read %s error body: %w", p.Name, readErr))
	}
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, statusErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Or returns value, or fallback when value is blank.
func Or(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
