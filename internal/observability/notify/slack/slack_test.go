package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/target/mmk-jobqueue/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:         "123",
		JobType:       "fetch",
		TenantID:      "tenant-a",
		CorrelationID: "corr-9",
		Attempt:       3,
		MaxAttempts:   3,
		Error:         "connection refused",
		ErrorClass:    "transient",
	})

	if msg.Username != "bot" {
		t.Fatalf("expected username to be preserved, got %q", msg.Username)
	}
	if msg.Channel != "#alerts" {
		t.Fatalf("expected channel to be set, got %q", msg.Channel)
	}

	text := msg.Text
	if !containsAll(
		text,
		[]string{"Job failure alert", "`123`", "fetch", "tenant-a", "corr-9", "3/3", "connection refused", "transient"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageEscapesUserText(t *testing.T) {
	client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID: "j1",
		Error: "bad <script> & more",
	})

	if !strings.Contains(msg.Text, "bad &lt;script&gt; &amp; more") {
		t.Fatalf("expected escaped error, got: %s", msg.Text)
	}
	if msg.Username != "jobqueue" || msg.Channel != "" {
		t.Fatalf("unexpected defaults %+v", msg)
	}
}

func TestFormatJobValue(t *testing.T) {
	tcs := []struct {
		name   string
		jobID  string
		prefix string
		want   string
	}{
		{
			name:   "linked",
			jobID:  "job-1",
			prefix: "https://queue.example/api/v1/jobs",
			want:   "<https://queue.example/api/v1/jobs/job-1|job-1>",
		},
		{
			name:   "invalid prefix falls back to code span",
			jobID:  "job-2",
			prefix: "not a url",
			want:   "`job-2`",
		},
		{
			name:  "no prefix",
			jobID: "job-3",
			want:  "`job-3`",
		},
		{
			name:   "empty id",
			prefix: "https://queue.example/api/v1/jobs",
			want:   "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:   "https://hooks.slack.com/services/test",
				JobURLPrefix: tc.prefix,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := client.formatJobValue(tc.jobID); got != tc.want {
				t.Fatalf("formatJobValue(%q) = %q, want %q", tc.jobID, got, tc.want)
			}
		})
	}
}

func TestSendJobFailureRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if calls.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "j1"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFormatMessageSortsMetadata(t *testing.T) {
	client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:      "j1",
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Metadata:   map[string]string{"zone": "b", "region": "us"},
	})

	region := strings.Index(msg.Text, "region: us")
	zone := strings.Index(msg.Text, "zone: b")
	if region < 0 || zone < 0 || region > zone {
		t.Fatalf("metadata not sorted: %s", msg.Text)
	}
	if !strings.HasSuffix(msg.Text, "• Timestamp: 2026-01-02T03:04:05Z") {
		t.Fatalf("timestamp line missing: %s", msg.Text)
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
