package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	harrierotel "github.com/harrier-ai/harrier/internal/otel"
)

var tracer = harrierotel.Tracer("github.com/harrier-ai/harrier/internal/queue")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    priority INTEGER NOT NULL,
    priority_name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    claimed_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    result TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tasks_dequeue ON tasks(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(status, completed_at);
`

const taskColumns = `id, content, priority_name, status, claimed_by, created_at, started_at, completed_at, result, error, metadata`

// Store persists tasks in SQLite with WAL journaling.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the task database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating task schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Submit persists a new pending task and returns it.
func (s *Store) Submit(ctx context.Context, content string, priority Priority, metadata map[string]string) (*Task, error) {
	ctx, span := tracer.Start(ctx, "queue.submit",
		trace.WithAttributes(attribute.String("task.priority", string(priority))))
	defer span.End()

	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	task := &Task{
		ID:        "task_" + uuid.New().String()[:12],
		Content:   content,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	metaJSON, _ := json.Marshal(task.Metadata)
	if task.Metadata == nil {
		metaJSON = []byte("{}")
	}

	err := s.execWithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, content, priority, priority_name, status, created_at, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.Content, priority.Rank(), string(priority), string(StatusPending),
			task.CreatedAt, string(metaJSON))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	return task, nil
}

// Get returns a task snapshot by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// Claim attempts the atomic pending → in_progress transition for a specific
// task. Exactly one of any set of racing claimants wins: the conditional
// UPDATE succeeds only while status is exactly 'pending'. A lost race
// returns false with no side effects.
func (s *Store) Claim(ctx context.Context, id, workerID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "queue.claim",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_by = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusInProgress), workerID, time.Now().UTC(), id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	rows, _ := res.RowsAffected()
	won := rows == 1
	span.SetAttributes(attribute.Bool("task.claimed", won))
	return won, nil
}

// ClaimNext claims the next eligible task: highest priority first, FIFO
// within a band, id as the final tiebreak so the order is total and stable.
// A lost race against another worker simply moves to the next candidate.
// Returns (nil, nil) when the queue has no pending work.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	ctx, span := tracer.Start(ctx, "queue.claim_next")
	defer span.End()

	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE status = ?
			 ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`,
			string(StatusPending)).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("selecting next task: %w", err)
		}

		won, err := s.Claim(ctx, id, workerID)
		if err != nil {
			return nil, err
		}
		if !won {
			// Expected under concurrent workers, not an error.
			continue
		}
		return s.Get(ctx, id)
	}
	return nil, nil
}

// Complete transitions in_progress → completed and records the result.
// The conditional update keeps terminal states immutable.
func (s *Store) Complete(ctx context.Context, id, result string) error {
	return s.finish(ctx, id, StatusCompleted, result, "")
}

// Fail transitions in_progress → failed, preserving the error verbatim for
// inspection.
func (s *Store) Fail(ctx context.Context, id, taskErr string) error {
	return s.finish(ctx, id, StatusFailed, "", taskErr)
}

func (s *Store) finish(ctx context.Context, id string, status Status, result, taskErr string) error {
	ctx, span := tracer.Start(ctx, "queue.finish",
		trace.WithAttributes(
			attribute.String("task.id", id),
			attribute.String("task.status", string(status)),
		))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = ?
		 WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC(), result, taskErr, id, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task %s is not in_progress: %w", id, ErrTaskNotFound)
	}
	return nil
}

// Cancel transitions pending → cancelled. An already-claimed or terminal
// task is not cancellable; running work is bounded by the executor's own
// timeout instead.
func (s *Store) Cancel(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "queue.cancel",
		trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(StatusCancelled), time.Now().UTC(), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("cancelling task: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("task %s: %w", id, ErrNotCancellable)
	}
	return nil
}

// SweepTerminal deletes terminal tasks older than retentionDays. This is the
// only path that ever deletes a task.
func (s *Store) SweepTerminal(ctx context.Context, retentionDays int) (int64, error) {
	ctx, span := tracer.Start(ctx, "queue.sweep_terminal",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE completed_at < ?
		 AND status IN (?, ?, ?)`,
		cutoff, string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("sweeping terminal tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("tasks.swept", n))
	return n, nil
}

// CountByStatus returns task counts keyed by status, for the stats surface.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			continue
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// execWithRetry retries fn on SQLite busy/locked with quadratic backoff.
func (s *Store) execWithRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
			if backoff > 250*time.Millisecond {
				backoff = 250 * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var priorityName, status, metaJSON string
	var startedAt, completedAt interface{}
	err := row.Scan(&t.ID, &t.Content, &priorityName, &status, &t.ClaimedBy,
		&t.CreatedAt, &startedAt, &completedAt, &t.Result, &t.Error, &metaJSON)
	if err != nil {
		return nil, err
	}
	t.Priority = Priority(priorityName)
	t.Status = Status(status)
	if ts, ok := scanTime(startedAt); ok {
		t.StartedAt = &ts
	}
	if ts, ok := scanTime(completedAt); ok {
		t.CompletedAt = &ts
	}
	_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	return &t, nil
}

// scanTime scans a column that may be time.Time or string (SQLite returns
// datetime as string depending on driver parameters).
func scanTime(v interface{}) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		return parseSQLiteTime(string(val))
	case string:
		return parseSQLiteTime(val)
	}
	return time.Time{}, false
}

func parseSQLiteTime(s string) (time.Time, bool) {
	parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
