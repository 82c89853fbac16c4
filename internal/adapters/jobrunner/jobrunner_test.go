package jobrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-jobqueue/internal/data"
	domainjob "github.com/target/mmk-jobqueue/internal/domain/job"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/observability/statsd"
)

const testJobType model.JobType = "test"

type transition struct {
	kind  string
	ref   model.LeaseRef
	cause error
}

// fakeQueue is an in-memory JobQueue. Claim hands out pending jobs in order.
type fakeQueue struct {
	mu              sync.Mutex
	pending         []*model.Job
	claimErr        error
	claims          int
	lost            bool
	cancelRequested bool
	heartbeats      int
	transitions     []transition
	notify          chan struct{}
}

func newFakeQueue(jobs ...*model.Job) *fakeQueue {
	return &fakeQueue{pending: jobs, notify: make(chan struct{}, 1)}
}

func (q *fakeQueue) Claim(_ context.Context, workerID string, _ []model.JobType, _ time.Duration) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.claims++
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	if len(q.pending) == 0 {
		return nil, model.ErrNoJobsAvailable
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Status = model.JobStatusRunning
	job.Attempt++
	job.LockedBy = &workerID
	return job, nil
}

func (q *fakeQueue) LeaseFor(request time.Duration) domainjob.LeaseDecision {
	return domainjob.LeaseDecision{Lease: request, Requested: request}
}

func (q *fakeQueue) Heartbeat(context.Context, model.LeaseRef, time.Duration) (model.LeaseState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return model.LeaseState{Held: !q.lost, CancelRequested: q.cancelRequested}, nil
}

func (q *fakeQueue) record(kind string, ref model.LeaseRef, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transitions = append(q.transitions, transition{kind: kind, ref: ref, cause: cause})
}

func (q *fakeQueue) Complete(_ context.Context, ref model.LeaseRef) (*model.Job, error) {
	q.record("complete", ref, nil)
	return &model.Job{ID: ref.JobID, Status: model.JobStatusDone}, nil
}

func (q *fakeQueue) Retry(_ context.Context, ref model.LeaseRef, cause error) (*model.Job, error) {
	q.record("retry", ref, cause)
	return &model.Job{ID: ref.JobID, Status: model.JobStatusQueued}, nil
}

func (q *fakeQueue) Fail(_ context.Context, ref model.LeaseRef, cause error) (*model.Job, error) {
	q.record("fail", ref, cause)
	return &model.Job{ID: ref.JobID, Status: model.JobStatusFailed}, nil
}

func (q *fakeQueue) MarkCanceled(_ context.Context, ref model.LeaseRef) (*model.Job, error) {
	q.record("canceled", ref, nil)
	return &model.Job{ID: ref.JobID, Status: model.JobStatusCanceled}, nil
}

func (q *fakeQueue) Release(_ context.Context, ref model.LeaseRef) (bool, error) {
	q.record("release", ref, nil)
	return true, nil
}

func (q *fakeQueue) CancelRequested(context.Context, string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelRequested, nil
}

func (q *fakeQueue) Subscribe() (func(), <-chan struct{}) {
	return func() {}, q.notify
}

func (q *fakeQueue) Transitions() []transition {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]transition(nil), q.transitions...)
}

func (q *fakeQueue) Claims() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claims
}

type fakeProgress struct {
	mu        sync.Mutex
	events    []model.NewProgressEvent
	workers   []string
	appendErr error
}

func (p *fakeProgress) Append(_ context.Context, workerID string, ev model.NewProgressEvent) (*model.ProgressEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.appendErr != nil {
		return nil, p.appendErr
	}
	p.events = append(p.events, ev)
	p.workers = append(p.workers, workerID)
	return &model.ProgressEvent{ID: int64(len(p.events)), JobID: ev.JobID, EventType: ev.EventType}, nil
}

func (p *fakeProgress) List(_ context.Context, jobID, _ string, opts model.ProgressListOptions) (*model.ProgressPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page := &model.ProgressPage{NextAfter: opts.After}
	for i, ev := range p.events {
		id := int64(i + 1)
		if ev.JobID != jobID || id <= opts.After {
			continue
		}
		if len(page.Events) == 2 {
			page.HasMore = true
			break
		}
		page.Events = append(page.Events, model.ProgressEvent{ID: id, JobID: ev.JobID, EventType: ev.EventType, Message: ev.Message})
		page.NextAfter = id
	}
	return page, nil
}

func (p *fakeProgress) Events() []model.NewProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.NewProgressEvent(nil), p.events...)
}

func newTestJob(id string) *model.Job {
	return &model.Job{
		ID:            id,
		TenantID:      "tenant-a",
		CorrelationID: "corr-" + id,
		Type:          testJobType,
		Status:        model.JobStatusQueued,
		MaxAttempts:   3,
		Payload:       []byte(`{}`),
	}
}

func newTestRunner(t *testing.T, q *fakeQueue, p *fakeProgress, h Handler, mutate func(*RunnerOptions)) *Runner {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(testJobType, h))
	opts := RunnerOptions{
		Jobs:          q,
		Progress:      p,
		Registry:      reg,
		Concurrency:   1,
		Lease:         3 * time.Second, // heartbeats every second
		PollInterval:  10 * time.Millisecond,
		ShutdownGrace: time.Second,
		WorkerID:      "w",
	}
	if mutate != nil {
		mutate(&opts)
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

// startRunner runs r until the returned stop function is called.
func startRunner(t *testing.T, r *Runner) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
		}
	}
}

func waitForTransitions(t *testing.T, q *fakeQueue, n int) []transition {
	t.Helper()
	require.Eventually(t, func() bool { return len(q.Transitions()) >= n }, 5*time.Second, 5*time.Millisecond)
	return q.Transitions()
}

func TestNewRunner(t *testing.T) {
	noop := func(context.Context, *model.Job, Emitter) error { return nil }
	reg := NewRegistry()
	require.NoError(t, reg.Register(testJobType, noop))
	q := newFakeQueue()
	p := &fakeProgress{}

	tests := []struct {
		name string
		opts RunnerOptions
	}{
		{"missing queue", RunnerOptions{Progress: p, Registry: reg}},
		{"missing progress", RunnerOptions{Jobs: q, Registry: reg}},
		{"missing registry", RunnerOptions{Jobs: q, Progress: p}},
		{"empty registry", RunnerOptions{Jobs: q, Progress: p, Registry: NewRegistry()}},
		{"type without handler", RunnerOptions{Jobs: q, Progress: p, Registry: reg, Types: []model.JobType{"other"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.opts)
			require.Error(t, err)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		r, err := NewRunner(RunnerOptions{Jobs: q, Progress: p, Registry: reg, Lease: 30 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, 1, r.workers)
		assert.Equal(t, []model.JobType{testJobType}, r.types)
		assert.Equal(t, 10*time.Second, r.heartbeat)
		assert.NotEmpty(t, r.workerPrefix)
	})
}

func TestRunner_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		handler    Handler
		want       string
		transition string
	}{
		{
			name:       "success completes",
			handler:    func(context.Context, *model.Job, Emitter) error { return nil },
			want:       "complete",
			transition: "done",
		},
		{
			name: "permanent error fails",
			handler: func(context.Context, *model.Job, Emitter) error {
				return domainjob.Permanent(errors.New("bad payload"))
			},
			want:       "fail",
			transition: "failed",
		},
		{
			name: "unclassified error retries",
			handler: func(context.Context, *model.Job, Emitter) error {
				return errors.New("connection reset")
			},
			want:       "retry",
			transition: "retried",
		},
		{
			name: "deadline retries",
			handler: func(context.Context, *model.Job, Emitter) error {
				return context.DeadlineExceeded
			},
			want:       "retry",
			transition: "retried",
		},
		{
			name: "panic fails",
			handler: func(context.Context, *model.Job, Emitter) error {
				panic("boom")
			},
			want:       "fail",
			transition: "failed",
		},
		{
			name: "cooperative cancel",
			handler: func(context.Context, *model.Job, Emitter) error {
				return domainjob.ErrCanceled
			},
			want:       "canceled",
			transition: "canceled",
		},
		{
			name: "infrastructure error releases",
			handler: func(context.Context, *model.Job, Emitter) error {
				return domainjob.Infrastructure(errors.New("store unreachable"))
			},
			want:       "release",
			transition: "released",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newFakeQueue(newTestJob("job-1"))
			p := &fakeProgress{}
			rec := &statsd.Recorder{}
			r := newTestRunner(t, q, p, tt.handler, func(o *RunnerOptions) { o.Metrics = rec })

			stop := startRunner(t, r)
			got := waitForTransitions(t, q, 1)
			stop()

			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].kind)
			assert.Equal(t, model.LeaseRef{JobID: "job-1", WorkerID: "w-1"}, got[0].ref)

			// Status and error events are written by the store with the transition.
			assert.Empty(t, p.Events())
			assert.EqualValues(t, 1, rec.Counts("job.transition", map[string]string{"transition": "claimed"}))
			assert.EqualValues(t, 1, rec.Counts("job.transition", map[string]string{"transition": tt.transition}))
		})
	}
}

func TestRunner_OnlyHandlerEventsAreAppended(t *testing.T) {
	q := newFakeQueue(newTestJob("job-1"))
	p := &fakeProgress{}
	r := newTestRunner(t, q, p, func(ctx context.Context, _ *model.Job, emit Emitter) error {
		return emit.Emit(ctx, model.ProgressStepStarted, "step one", map[string]any{"n": 1})
	}, nil)

	stop := startRunner(t, r)
	waitForTransitions(t, q, 1)
	stop()

	events := p.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.ProgressStepStarted, events[0].EventType)
	assert.Equal(t, "corr-job-1", events[0].CorrelationID)
	assert.Equal(t, "w-1", p.workers[0])
}

func TestRunner_LeaseLostCancelsHandler(t *testing.T) {
	q := newFakeQueue(newTestJob("job-1"))
	q.lost = true
	rec := &statsd.Recorder{}
	interrupted := make(chan error, 1)
	r := newTestRunner(t, q, &fakeProgress{}, func(ctx context.Context, _ *model.Job, _ Emitter) error {
		<-ctx.Done()
		interrupted <- context.Cause(ctx)
		return ctx.Err()
	}, func(o *RunnerOptions) { o.Metrics = rec })

	stop := startRunner(t, r)
	defer stop()

	select {
	case cause := <-interrupted:
		require.ErrorIs(t, cause, errLeaseLost)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not interrupted")
	}
	require.Eventually(t, func() bool {
		return rec.Counts("job.transition", map[string]string{"transition": "lease_lost"}) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, q.Transitions())
}

func TestRunner_HeartbeatObservesCancel(t *testing.T) {
	q := newFakeQueue(newTestJob("job-1"))
	q.cancelRequested = true
	r := newTestRunner(t, q, &fakeProgress{}, func(ctx context.Context, _ *model.Job, _ Emitter) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	stop := startRunner(t, r)
	got := waitForTransitions(t, q, 1)
	stop()
	assert.Equal(t, "canceled", got[0].kind)
}

func TestRunner_EmitterCanceled(t *testing.T) {
	q := newFakeQueue(newTestJob("job-1"))
	q.cancelRequested = true
	r := newTestRunner(t, q, &fakeProgress{}, func(ctx context.Context, _ *model.Job, emit Emitter) error {
		canceled, err := emit.Canceled(ctx)
		if err != nil {
			return err
		}
		if canceled {
			return domainjob.ErrCanceled
		}
		return nil
	}, nil)

	stop := startRunner(t, r)
	got := waitForTransitions(t, q, 1)
	stop()
	assert.Equal(t, "canceled", got[0].kind)
}

func TestRunner_Shutdown(t *testing.T) {
	t.Run("releases jobs that outlive the grace period", func(t *testing.T) {
		q := newFakeQueue(newTestJob("job-1"))
		started := make(chan struct{})
		r := newTestRunner(t, q, &fakeProgress{}, func(ctx context.Context, _ *model.Job, _ Emitter) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}, func(o *RunnerOptions) { o.ShutdownGrace = 20 * time.Millisecond })

		stop := startRunner(t, r)
		<-started
		stop()

		got := q.Transitions()
		require.Len(t, got, 1)
		assert.Equal(t, "release", got[0].kind)
	})

	t.Run("lets jobs finish within the grace period", func(t *testing.T) {
		q := newFakeQueue(newTestJob("job-1"))
		started := make(chan struct{})
		r := newTestRunner(t, q, &fakeProgress{}, func(ctx context.Context, _ *model.Job, _ Emitter) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return ctx.Err()
		}, func(o *RunnerOptions) { o.ShutdownGrace = 2 * time.Second })

		stop := startRunner(t, r)
		<-started
		stop()

		got := q.Transitions()
		require.Len(t, got, 1)
		assert.Equal(t, "complete", got[0].kind)
	})
}

func TestRunner_ProcessesBacklogAcrossWorkers(t *testing.T) {
	q := newFakeQueue(newTestJob("a"), newTestJob("b"), newTestJob("c"), newTestJob("d"))
	r := newTestRunner(t, q, &fakeProgress{}, func(context.Context, *model.Job, Emitter) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}, func(o *RunnerOptions) { o.Concurrency = 3 })

	stop := startRunner(t, r)
	got := waitForTransitions(t, q, 4)
	stop()

	seen := map[string]bool{}
	for _, tr := range got {
		assert.Equal(t, "complete", tr.kind)
		seen[tr.ref.JobID] = true
	}
	assert.Len(t, seen, 4)
}

func TestRunner_ClaimFailuresPause(t *testing.T) {
	q := newFakeQueue()
	q.claimErr = errors.New("connection refused")
	r := newTestRunner(t, q, &fakeProgress{}, func(context.Context, *model.Job, Emitter) error { return nil }, nil)

	stop := startRunner(t, r)
	time.Sleep(200 * time.Millisecond)
	stop()

	// The first failure pauses for a full second.
	assert.Equal(t, 1, q.Claims())
}

// countingSweeper stands in for the exhausted lease sweep.
type countingSweeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSweeper) FailExhaustedLeases(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 1, s.err
}

func (s *countingSweeper) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRunner_SweepsExhaustedLeases(t *testing.T) {
	noop := func(context.Context, *model.Job, Emitter) error { return nil }

	t.Run("sweeps at start and on every interval", func(t *testing.T) {
		sweeper := &countingSweeper{}
		r := newTestRunner(t, newFakeQueue(), &fakeProgress{}, noop, func(o *RunnerOptions) {
			o.LeaseSweeper = sweeper
			o.SweepInterval = 10 * time.Millisecond
		})
		stop := startRunner(t, r)
		require.Eventually(t, func() bool { return sweeper.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
		stop()
	})

	t.Run("sweep errors do not stop the runner", func(t *testing.T) {
		sweeper := &countingSweeper{err: errors.New("db down")}
		q := newFakeQueue(newTestJob("job-1"))
		r := newTestRunner(t, q, &fakeProgress{}, noop, func(o *RunnerOptions) {
			o.LeaseSweeper = sweeper
			o.SweepInterval = 10 * time.Millisecond
		})
		stop := startRunner(t, r)
		transitions := waitForTransitions(t, q, 1)
		require.Eventually(t, func() bool { return sweeper.Calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
		stop()
		assert.Equal(t, "complete", transitions[0].kind)
	})

	t.Run("interval defaults to the lease", func(t *testing.T) {
		r := newTestRunner(t, newFakeQueue(), &fakeProgress{}, noop, func(o *RunnerOptions) {
			o.LeaseSweeper = &countingSweeper{}
		})
		assert.Equal(t, 3*time.Second, r.sweepInterval)
	})
}

func TestRunner_LostLeaseDuringEmit(t *testing.T) {
	q := newFakeQueue(newTestJob("job-1"))
	p := &fakeProgress{appendErr: data.ErrLeaseLost}
	rec := &statsd.Recorder{}
	r := newTestRunner(t, q, p, func(ctx context.Context, _ *model.Job, emit Emitter) error {
		return emit.Emit(ctx, model.ProgressStepStarted, "step", nil)
	}, func(o *RunnerOptions) { o.Metrics = rec })

	stop := startRunner(t, r)
	require.Eventually(t, func() bool {
		return rec.Counts("job.transition", map[string]string{"transition": "lease_lost"}) == 1
	}, 2*time.Second, 5*time.Millisecond)
	stop()
	assert.Empty(t, q.Transitions())
}

func TestEmitter(t *testing.T) {
	ctx := context.Background()
	job := newTestJob("job-1")
	p := &fakeProgress{}
	e := newEmitter(job, "w-1", p, newFakeQueue())

	require.NoError(t, e.Emit(ctx, model.ProgressStepStarted, "one", nil))
	require.NoError(t, e.Progress(ctx, 150, "two"))
	require.NoError(t, e.Emit(ctx, model.ProgressStepDone, "three", nil))

	events := p.Events()
	require.Len(t, events, 3)
	require.NotNil(t, events[1].ProgressPct)
	assert.Equal(t, 100, *events[1].ProgressPct)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "three", history[2].Message)
}
