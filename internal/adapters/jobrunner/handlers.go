package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/safefetch"
)

// Fetcher performs an outbound request. *safefetch.Client implements it.
type Fetcher interface {
	Do(ctx context.Context, req safefetch.Request) (*safefetch.Response, error)
}

const fetchStep = "fetch"

type fetchPayload struct {
	URL     string       `json:"url"`
	Options fetchOptions `json:"options"`
}

type fetchOptions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// FetchHandler returns the handler for model.JobTypeFetch. It fetches payload.url
// through the SSRF-safe client and records the response shape as a metric event.
// Blocked targets fail the job permanently; 429, 5xx and timeouts are retried.
func FetchHandler(client Fetcher) Handler {
	return func(ctx context.Context, job *model.Job, emit Emitter) error {
		var p fetchPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return domainjob.Permanent(fmt.Errorf("decode fetch payload: %w", err))
		}
		p.URL = strings.TrimSpace(p.URL)
		if p.URL == "" {
			return domainjob.Permanent(errors.New("fetch payload has no url"))
		}

		if err := emit.Emit(ctx, model.ProgressStepStarted, fetchStep, map[string]any{"url": p.URL}); err != nil {
			return err
		}

		header := http.Header{}
		for k, v := range p.Options.Headers {
			header.Set(k, v)
		}
		var body []byte
		if p.Options.Body != "" {
			body = []byte(p.Options.Body)
		}

		resp, err := client.Do(ctx, safefetch.Request{
			Method: strings.ToUpper(p.Options.Method),
			URL:    p.URL,
			Header: header,
			Body:   body,
		})
		if err != nil {
			return err
		}

		if err := emit.Emit(ctx, model.ProgressMetric, "fetch response", map[string]any{
			"status_code":  resp.StatusCode,
			"bytes":        len(resp.Body),
			"truncated":    resp.Truncated,
			"redirects":    resp.Redirects,
			"duration_ms":  resp.Duration.Milliseconds(),
			"content_type": resp.Header.Get("Content-Type"),
		}); err != nil {
			return err
		}
		if err := resp.Err(); err != nil {
			return err
		}

		return emit.Emit(ctx, model.ProgressStepDone, fetchStep, map[string]any{"final_url": resp.FinalURL})
	}
}
