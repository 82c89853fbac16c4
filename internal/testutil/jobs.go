package testutil

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// TestTime returns a fixed time for testing.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

// JobStateInfo is one row of the jobs table as dumped by LogJobStates.
type JobStateInfo struct {
	ID          string
	TenantID    string
	Type        string
	Status      string
	Attempt     int
	MaxAttempts int
	LockedBy    sql.NullString
	LockedUntil sql.NullTime
	LastError   sql.NullString
}

// InspectJobStates returns every job, oldest first.
func InspectJobStates(t TestingTB, db *sql.DB) []JobStateInfo {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT id, tenant_id, type, status, attempt, max_attempts, locked_by, locked_until, last_error
		FROM jobs
		ORDER BY queued_at ASC, id ASC`)
	if err != nil {
		t.Fatalf("Failed to query job states: %v", err)
	}
	defer closeAndLog(t, "job state rows", rows)

	var jobs []JobStateInfo
	for rows.Next() {
		var j JobStateInfo
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Type, &j.Status, &j.Attempt, &j.MaxAttempts,
			&j.LockedBy, &j.LockedUntil, &j.LastError); err != nil {
			t.Fatalf("Failed to scan job state: %v", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Error iterating over rows: %v", err)
	}
	return jobs
}

// LogJobStates logs the jobs table, for use right before a failing assertion.
func LogJobStates(t TestingTB, db *sql.DB, message string) {
	t.Helper()

	t.Logf("=== %s ===", message)
	for _, j := range InspectJobStates(t, db) {
		t.Logf("job %s tenant=%s type=%s status=%s attempt=%d/%d locked_by=%s locked_until=%v last_error=%q",
			j.ID, j.TenantID, j.Type, j.Status, j.Attempt, j.MaxAttempts,
			j.LockedBy.String, j.LockedUntil.Time, j.LastError.String)
	}
	t.Logf("=== end %s ===", message)
}

// RunConcurrently starts every fn at once and returns their errors in order.
func RunConcurrently(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

// StringPtr returns a pointer to the given string value.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool { return &b }

// IntPtr returns a pointer to the given int value.
func IntPtr(i int) *int { return &i }
