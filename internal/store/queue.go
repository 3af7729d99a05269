package store

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/latticerun/core/internal/apierr"
)

// Queue entry statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Trace record statuses.
const (
	TraceStart  = "start"
	TraceStream = "stream"
	TraceEnd    = "end"
	TraceFailed = "failed"
)

// Entry is a single pending/in-flight/completed invocation of a Task.
type Entry struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	TaskName     string `json:"task_name"`
	FunctionName string `json:"function_name"`
	Params       string `json:"params"` // opaque JSON
	Status       string `json:"status"`
	Retries      int    `json:"retries"`
	MaxRetries   int    `json:"max_retries"`
	RetryDelay   int    `json:"retry_delay"` // milliseconds
	AvailableAt  string `json:"available_at"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// Trace is one append-only event in a Queue Entry's lifecycle.
type Trace struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	TaskID  string `json:"task_id"`
	QueueID string `json:"queue_id"`
	Status  string `json:"status"`
	Data    string `json:"data"`
}

// Enqueue resolves the named Task, snapshots its retry policy, and inserts
// a new queue row with status "queued". Returns NotFoundError if the task
// does not exist.
func (s *Store) Enqueue(ctx context.Context, taskID, params string) (string, error) {
	task, fn, err := s.GetTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}

	queueID := uuid.NewString()
	now := nowRFC3339()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.queue.ExecContext(ctx, `
			INSERT INTO queue (id, task_id, task_name, function_name, params, status, retries, max_retries, retry_delay, available_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			queueID, task.ID, task.Name, fn.Name, params, StatusQueued, task.RetryCount, task.RetryDelay, now, now, now)
		if err != nil {
			return &apierr.StoreError{Op: "enqueue", Cause: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return queueID, nil
}

// ListQueued returns every Entry currently eligible for pickup: status
// "queued" and available_at has elapsed (the retry-delay gate).
func (s *Store) ListQueued(ctx context.Context) ([]Entry, error) {
	now := nowRFC3339()
	rows, err := s.queue.QueryContext(ctx, `
		SELECT id, task_id, task_name, function_name, params, status, retries, max_retries, retry_delay, available_at, created_at, updated_at
		FROM queue WHERE status = ? AND available_at <= ?`, StatusQueued, now)
	if err != nil {
		return nil, &apierr.StoreError{Op: "list_queued", Cause: err}
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntry returns a single Queue Entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	row := s.queue.QueryRowContext(ctx, `
		SELECT id, task_id, task_name, function_name, params, status, retries, max_retries, retry_delay, available_at, created_at, updated_at
		FROM queue WHERE id = ?`, id)
	return scanEntry(row)
}

// SetStatus transitions a Queue Entry. Idempotent: setting the same
// status twice is a no-op write.
func (s *Store) SetStatus(ctx context.Context, queueID, status string) error {
	now := nowRFC3339()
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.queue.ExecContext(ctx, `
			UPDATE queue SET status = ?, updated_at = ? WHERE id = ?`, status, now, queueID)
		if err != nil {
			return &apierr.StoreError{Op: "set_status", Cause: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &apierr.NotFoundError{Kind: "queue_entry", ID: queueID}
		}
		return nil
	})
}

// AvailableRetries computes max_retries - retries for a Queue Entry.
func (s *Store) AvailableRetries(ctx context.Context, queueID string) (int, error) {
	e, err := s.GetEntry(ctx, queueID)
	if err != nil {
		return 0, err
	}
	return e.MaxRetries - e.Retries, nil
}

// DecrementRetryBudget increments the attempts-consumed counter by one and
// sets the next eligible pickup time to now + retry_delay, enforcing the
// retry-delay gate via ListQueued's available_at filter.
func (s *Store) DecrementRetryBudget(ctx context.Context, queueID string) error {
	e, err := s.GetEntry(ctx, queueID)
	if err != nil {
		return err
	}
	if e.Retries+1 > e.MaxRetries {
		return &apierr.ValidationError{Field: "retries", Message: "retry budget already exhausted"}
	}
	availableAt := time.Now().UTC().Add(retryJitter(queueID, e.Retries+1, time.Duration(e.RetryDelay)*time.Millisecond)).Format(time.RFC3339Nano)
	now := nowRFC3339()
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.queue.ExecContext(ctx, `
			UPDATE queue SET retries = retries + 1, available_at = ?, updated_at = ?
			WHERE id = ? AND retries < max_retries`, availableAt, now, queueID)
		if err != nil {
			return &apierr.StoreError{Op: "decrement_retry_budget", Cause: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &apierr.ValidationError{Field: "retries", Message: "retry budget already exhausted"}
		}
		return nil
	})
}

// EmitTrace appends a trace row for a queue entry. task_id and queue_id
// are recorded distinctly (the queue entry's own id, not its task id).
func (s *Store) EmitTrace(ctx context.Context, taskID, queueID, status, data string) error {
	ts := nowRFC3339()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.queue.ExecContext(ctx, `
			INSERT INTO trace (ts, task_id, queue_id, status, data) VALUES (?, ?, ?, ?, ?)`,
			ts, taskID, queueID, status, data)
		if err != nil {
			return &apierr.StoreError{Op: "emit_trace", Cause: err}
		}
		return nil
	})
}

// TailTraces returns every trace for queueID with id > sinceID, ordered
// ascending by ts (ties broken by id).
func (s *Store) TailTraces(ctx context.Context, queueID string, sinceID int64) ([]Trace, error) {
	rows, err := s.queue.QueryContext(ctx, `
		SELECT id, ts, task_id, queue_id, status, data
		FROM trace WHERE queue_id = ? AND id > ?
		ORDER BY ts ASC, id ASC`, queueID, sinceID)
	if err != nil {
		return nil, &apierr.StoreError{Op: "tail_traces", Cause: err}
	}
	defer rows.Close()

	var out []Trace
	for rows.Next() {
		var t Trace
		var data sql.NullString
		if err := rows.Scan(&t.ID, &t.TS, &t.TaskID, &t.QueueID, &t.Status, &data); err != nil {
			return nil, &apierr.StoreError{Op: "scan_trace", Cause: err}
		}
		t.Data = data.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecoverRunningEntries transitions every entry stuck in "running" back to
// "queued" at startup, consuming one retry attempt each. Recommended by
// the design notes to bound crash-induced orphans: a process that died
// mid-execution leaves no other signal behind.
func (s *Store) RecoverRunningEntries(ctx context.Context) (int64, error) {
	rows, err := s.queue.QueryContext(ctx, `SELECT id FROM queue WHERE status = ?`, StatusRunning)
	if err != nil {
		return 0, &apierr.StoreError{Op: "recover_running_entries", Cause: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &apierr.StoreError{Op: "recover_running_entries", Cause: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &apierr.StoreError{Op: "recover_running_entries", Cause: err}
	}

	var recovered int64
	for _, id := range ids {
		available, err := s.AvailableRetries(ctx, id)
		if err != nil {
			return recovered, err
		}
		if available > 0 {
			if err := s.DecrementRetryBudget(ctx, id); err != nil {
				return recovered, err
			}
			if err := s.SetStatus(ctx, id, StatusQueued); err != nil {
				return recovered, err
			}
		} else {
			if err := s.SetStatus(ctx, id, StatusFailed); err != nil {
				return recovered, err
			}
			if err := s.EmitTrace(ctx, "", id, TraceFailed, `{"error":"orphaned by process restart"}`); err != nil {
				return recovered, err
			}
		}
		recovered++
	}
	return recovered, nil
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TaskID, &e.TaskName, &e.FunctionName, &e.Params, &e.Status,
		&e.Retries, &e.MaxRetries, &e.RetryDelay, &e.AvailableAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, &apierr.NotFoundError{Kind: "queue_entry", ID: ""}
	}
	if err != nil {
		return Entry{}, &apierr.StoreError{Op: "scan_entry", Cause: err}
	}
	return e, nil
}

// retryJitter derives a deterministic jitter (0..delay/4) from the queue id
// and attempt number, so repeated retries of the same entry spread out
// without depending on a process-wide random source.
func retryJitter(queueID string, attempt int, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(queueID + ":" + strconv.Itoa(attempt)))
	jitterMax := delay / 4
	if jitterMax <= 0 {
		return delay
	}
	jitter := time.Duration(h.Sum64() % uint64(jitterMax))
	return delay + jitter
}
