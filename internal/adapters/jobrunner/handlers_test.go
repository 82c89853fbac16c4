package jobrunner

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/safefetch"
)

type stubFetcher struct {
	resp *safefetch.Response
	err  error
	got  safefetch.Request
}

func (f *stubFetcher) Do(_ context.Context, req safefetch.Request) (*safefetch.Response, error) {
	f.got = req
	return f.resp, f.err
}

type recordedEvent struct {
	eventType model.ProgressEventType
	message   string
	data      any
}

type recordingEmitter struct {
	events []recordedEvent
}

func (e *recordingEmitter) Emit(_ context.Context, t model.ProgressEventType, msg string, data any) error {
	e.events = append(e.events, recordedEvent{eventType: t, message: msg, data: data})
	return nil
}

func (e *recordingEmitter) Progress(context.Context, int, string) error { return nil }

func (e *recordingEmitter) Canceled(context.Context) (bool, error) { return false, nil }

func (e *recordingEmitter) History(context.Context) ([]model.ProgressEvent, error) { return nil, nil }

func (e *recordingEmitter) types() []model.ProgressEventType {
	out := make([]model.ProgressEventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.eventType)
	}
	return out
}

func fetchJob(payload string) *model.Job {
	return &model.Job{ID: "job-1", Type: model.JobTypeFetch, Payload: []byte(payload)}
}

func TestFetchHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches and records the response", func(t *testing.T) {
		fetcher := &stubFetcher{resp: &safefetch.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/html"}},
			Body:       []byte("<html></html>"),
			FinalURL:   "https://example.com/final",
			Redirects:  1,
			Duration:   25 * time.Millisecond,
		}}
		emit := &recordingEmitter{}
		payload := `{"url":"https://example.com/","options":{"method":"post","headers":{"X-Trace":"abc"},"body":"q=1"}}`

		err := FetchHandler(fetcher)(ctx, fetchJob(payload), emit)
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, fetcher.got.Method)
		assert.Equal(t, "https://example.com/", fetcher.got.URL)
		assert.Equal(t, "abc", fetcher.got.Header.Get("X-Trace"))
		assert.Equal(t, []byte("q=1"), fetcher.got.Body)

		assert.Equal(t, []model.ProgressEventType{
			model.ProgressStepStarted,
			model.ProgressMetric,
			model.ProgressStepDone,
		}, emit.types())
		metric, ok := emit.events[1].data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, metric["status_code"])
		assert.Equal(t, 13, metric["bytes"])
	})

	t.Run("server errors are transient", func(t *testing.T) {
		fetcher := &stubFetcher{resp: &safefetch.Response{StatusCode: http.StatusBadGateway, FinalURL: "https://example.com/"}}
		emit := &recordingEmitter{}

		err := FetchHandler(fetcher)(ctx, fetchJob(`{"url":"https://example.com/"}`), emit)
		require.Error(t, err)
		assert.True(t, domainjob.IsTransient(err))
		assert.Equal(t, []model.ProgressEventType{model.ProgressStepStarted, model.ProgressMetric}, emit.types())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		fetcher := &stubFetcher{resp: &safefetch.Response{StatusCode: http.StatusNotFound}}
		err := FetchHandler(fetcher)(ctx, fetchJob(`{"url":"https://example.com/"}`), &recordingEmitter{})
		assert.True(t, domainjob.IsPermanent(err))
	})

	t.Run("blocked targets are permanent", func(t *testing.T) {
		blocked := domainjob.Permanent(&safefetch.BlockedError{URL: "http://127.0.0.1/", Reason: safefetch.ReasonAddress})
		fetcher := &stubFetcher{err: blocked}
		err := FetchHandler(fetcher)(ctx, fetchJob(`{"url":"http://127.0.0.1/"}`), &recordingEmitter{})
		assert.True(t, domainjob.IsPermanent(err))
		assert.True(t, safefetch.IsBlocked(err))
	})

	t.Run("bad payloads are permanent", func(t *testing.T) {
		for _, payload := range []string{`not json`, `{}`, `{"url":"   "}`} {
			err := FetchHandler(&stubFetcher{})(ctx, fetchJob(payload), &recordingEmitter{})
			assert.True(t, domainjob.IsPermanent(err), payload)
		}
	})

	t.Run("transport errors pass through", func(t *testing.T) {
		fetcher := &stubFetcher{err: domainjob.Transient(errors.New("timeout"))}
		err := FetchHandler(fetcher)(ctx, fetchJob(`{"url":"https://example.com/"}`), &recordingEmitter{})
		assert.True(t, domainjob.IsTransient(err))
	})
}
