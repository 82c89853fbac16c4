package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/target/mmk-jobqueue/internal/data/pgxutil"
	"github.com/target/mmk-jobqueue/internal/domain/model"
	"github.com/target/mmk-jobqueue/internal/redact"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
	maxEventMessageLen   = 2048
)

// ProgressEventRepo persists the append-only job timeline.
type ProgressEventRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewProgressEventRepo creates a ProgressEventRepo.
func NewProgressEventRepo(db *sql.DB, logger *slog.Logger) *ProgressEventRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressEventRepo{DB: db, logger: logger.With("component", "progress_event_repo")}
}

// created_at is the database clock; a caller supplied time may move it back but
// never more than MaxEventSkew ahead of the database clock.
const eventCreatedAtExpr = `CASE WHEN $7::timestamptz IS NULL THEN clock_timestamp()
  ELSE LEAST($7::timestamptz, clock_timestamp() + $8::float8 * interval '1 second') END`

// Append writes an event for a job leased by workerID. The insert only happens
// while the job is running under that worker's lease; otherwise ErrLeaseLost.
func (r *ProgressEventRepo) Append(
	ctx context.Context,
	workerID string,
	ev model.NewProgressEvent,
) (*model.ProgressEvent, error) {
	if workerID == "" {
		return nil, ErrWorkerIDRequired
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(ev.JobID); err != nil {
		return nil, ErrLeaseLost
	}

	row, err := newEventRow(ev)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO job_progress_events (job_id, correlation_id, event_type, message, data, progress_pct, created_at)
		SELECT j.id, j.correlation_id, $3, $4, $5::jsonb, $6, ` + eventCreatedAtExpr + `
		FROM jobs j
		WHERE j.id = $1 AND j.status = 'running' AND j.locked_by = $2
		RETURNING id, correlation_id, created_at`

	out := row.event()
	err = r.DB.QueryRowContext(ctx, query,
		ev.JobID, workerID, row.eventType, row.message, row.data, row.progressPct,
		row.occurredAt, model.MaxEventSkew.Seconds(),
	).Scan(&out.ID, &out.CorrelationID, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("append progress event: %w", err)
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

// List returns events of a job with id greater than opts.After, oldest first.
// Feeding NextAfter back as After resumes the listing without gaps or repeats.
func (r *ProgressEventRepo) List(
	ctx context.Context,
	jobID string,
	opts model.ProgressListOptions,
) (*model.ProgressPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	limit = min(limit, maxEventPageSize)
	after := max(opts.After, 0)

	page := &model.ProgressPage{Events: []model.ProgressEvent{}, NextAfter: after}
	if _, err := uuid.Parse(jobID); err != nil {
		return page, nil
	}

	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, job_id, correlation_id, event_type, message, data, progress_pct, created_at
			FROM job_progress_events
			WHERE job_id = $1 AND id > $2
			ORDER BY id ASC
			LIMIT $3
		`, jobID, after, limit+1)
		if err != nil {
			return err
		}
		events, err := pgx.CollectRows(rows, scanProgressEvent)
		if err != nil {
			return err
		}
		if len(events) > limit {
			page.HasMore = true
			events = events[:limit]
		}
		page.Events = events
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list progress events: %w", err)
	}
	if n := len(page.Events); n > 0 {
		page.NextAfter = page.Events[n-1].ID
	}
	return page, nil
}

func scanProgressEvent(row pgx.CollectableRow) (model.ProgressEvent, error) {
	var (
		ev   model.ProgressEvent
		data []byte
		pct  *int16
	)
	if err := row.Scan(
		&ev.ID, &ev.JobID, &ev.CorrelationID, &ev.EventType, &ev.Message, &data, &pct, &ev.CreatedAt,
	); err != nil {
		return ev, err
	}
	if len(data) > 0 {
		ev.Data = append(json.RawMessage(nil), data...)
	}
	if pct != nil {
		p := int(*pct)
		ev.ProgressPct = &p
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

// eventRow is a redacted, encoded event ready for insertion.
type eventRow struct {
	jobID         string
	correlationID string
	eventType     model.ProgressEventType
	message       string
	data          []byte
	progressPct   *int
	occurredAt    *time.Time
}

func newEventRow(ev model.NewProgressEvent) (*eventRow, error) {
	data, err := encodeEventData(ev.Data)
	if err != nil {
		return nil, err
	}
	return &eventRow{
		jobID:         ev.JobID,
		correlationID: ev.CorrelationID,
		eventType:     ev.EventType,
		message:       truncate(redact.String(ev.Message), maxEventMessageLen),
		data:          data,
		progressPct:   ev.ProgressPct,
		occurredAt:    ev.OccurredAt,
	}, nil
}

func (e *eventRow) event() *model.ProgressEvent {
	out := &model.ProgressEvent{
		JobID:         e.jobID,
		CorrelationID: e.correlationID,
		EventType:     e.eventType,
		Message:       e.message,
		ProgressPct:   e.progressPct,
	}
	if len(e.data) > 0 {
		out.Data = append(json.RawMessage(nil), e.data...)
	}
	return out
}

// encodeEventData redacts and encodes structured event data. Raw JSON goes
// through redact.JSON; any other value through redact.Value.
func encodeEventData(v any) ([]byte, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return redact.JSON(d), nil
	case []byte:
		return redact.JSON(d), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode event data: %w", err)
	}
	out, err := json.Marshal(redact.Value(generic))
	if err != nil {
		return nil, fmt.Errorf("encode redacted event data: %w", err)
	}
	return out, nil
}

// appendEventTx inserts an event inside a job transition. The caller already
// holds the job row lock, so no lease guard is needed here.
func appendEventTx(ctx context.Context, tx pgx.Tx, ev model.NewProgressEvent) error {
	row, err := newEventRow(ev)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO job_progress_events (job_id, correlation_id, event_type, message, data, progress_pct, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, `+eventCreatedAtExpr+`)`,
		row.jobID, row.correlationID, row.eventType, row.message, row.data, row.progressPct,
		row.occurredAt, model.MaxEventSkew.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", ev.EventType, err)
	}
	return nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
