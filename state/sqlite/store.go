// Package sqlite persists task and checkpoint records in a local SQLite
// database. A single write connection plus WAL keeps locked transactions
// cheap; transient lock contention is retried by the store itself.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowforgeHQ/stepflow-go/state"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
	lockRetries        = 3
	lockRetryDelay     = 50 * time.Millisecond
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, task state.TaskRecord) error {
	if task.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt == nil {
		task.CreatedAt = &now
	}
	if task.UpdatedAt == nil {
		task.UpdatedAt = &now
	}
	if task.State == "" {
		task.State = state.TaskPending
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	metaRaw, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal task metadata: %w", err)
	}

	const q = `
INSERT INTO tasks (
  task_id, plan_id, input, state, result, error, failed_step_id, metadata, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  plan_id=excluded.plan_id,
  input=excluded.input,
  state=excluded.state,
  result=excluded.result,
  error=excluded.error,
  failed_step_id=excluded.failed_step_id,
  metadata=excluded.metadata,
  updated_at=excluded.updated_at;
`
	_, err = s.db.ExecContext(ctx, q,
		task.TaskID,
		task.PlanID,
		task.Input,
		string(task.State),
		task.Result,
		task.Error,
		task.FailedStepID,
		string(metaRaw),
		task.CreatedAt.UTC().Format(time.RFC3339Nano),
		task.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) LoadTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return state.TaskRecord{}, fmt.Errorf("task_id is required")
	}
	const q = `
SELECT task_id, plan_id, input, state, result, error, failed_step_id, metadata, created_at, updated_at
FROM tasks
WHERE task_id = ?;
`
	return s.scanTask(s.db.QueryRowContext(ctx, q, taskID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTask(row rowScanner) (state.TaskRecord, error) {
	var (
		task       state.TaskRecord
		stateRaw   string
		metaRaw    string
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(
		&task.TaskID,
		&task.PlanID,
		&task.Input,
		&stateRaw,
		&task.Result,
		&task.Error,
		&task.FailedStepID,
		&metaRaw,
		&createdRaw,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.TaskRecord{}, state.ErrNotFound
		}
		return state.TaskRecord{}, fmt.Errorf("failed to load task: %w", err)
	}
	task.State = state.TaskState(stateRaw)
	if strings.TrimSpace(metaRaw) == "" {
		task.Metadata = map[string]any{}
	} else if err := json.Unmarshal([]byte(metaRaw), &task.Metadata); err != nil {
		return state.TaskRecord{}, fmt.Errorf("%w: task metadata: %v", state.ErrCorrupt, err)
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return state.TaskRecord{}, fmt.Errorf("%w: task created_at: %v", state.ErrCorrupt, err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return state.TaskRecord{}, fmt.Errorf("%w: task updated_at: %v", state.ErrCorrupt, err)
	}
	task.CreatedAt = &created
	task.UpdatedAt = &updated
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, query state.ListTasksQuery) ([]state.TaskRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	sqlText := `
SELECT task_id, plan_id, input, state, result, error, failed_step_id, metadata, created_at, updated_at
FROM tasks
`
	var args []any
	if query.State != "" {
		sqlText += " WHERE state = ?"
		args = append(args, string(query.State))
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]state.TaskRecord, 0, limit)
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// ExecuteStep runs fn inside an immediate transaction so the task row is
// exclusively locked for the duration. Any error from fn rolls everything
// back; transient lock contention with another writer is retried here
// rather than surfaced to the caller.
func (s *Store) ExecuteStep(ctx context.Context, taskID string, fn state.StepFunc) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if fn == nil {
		return fmt.Errorf("step function is required")
	}

	var lastErr error
	for attempt := 0; attempt <= lockRetries; attempt++ {
		lastErr = s.executeStepOnce(ctx, taskID, fn)
		if lastErr == nil || !isLockContention(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay * time.Duration(attempt+1)):
		}
	}
	return lastErr
}

func (s *Store) executeStepOnce(ctx context.Context, taskID string, fn state.StepFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// BEGIN IMMEDIATE is not expressible through database/sql options, so
	// take the write lock explicitly with a no-op write before reading.
	if _, err := tx.ExecContext(ctx, "UPDATE tasks SET task_id = task_id WHERE task_id = ?;", taskID); err != nil {
		return fmt.Errorf("failed to lock task row: %w", err)
	}

	const q = `
SELECT task_id, plan_id, input, state, result, error, failed_step_id, metadata, created_at, updated_at
FROM tasks
WHERE task_id = ?;
`
	task, err := s.scanTask(tx.QueryRowContext(ctx, q, taskID))
	if err != nil {
		return err
	}

	if err := fn(&task); err != nil {
		return err
	}

	now := time.Now().UTC()
	task.UpdatedAt = &now
	metaRaw, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal task metadata: %w", err)
	}
	const update = `
UPDATE tasks
SET plan_id = ?, input = ?, state = ?, result = ?, error = ?, failed_step_id = ?, metadata = ?, updated_at = ?
WHERE task_id = ?;
`
	if _, err := tx.ExecContext(ctx, update,
		task.PlanID,
		task.Input,
		string(task.State),
		task.Result,
		task.Error,
		task.FailedStepID,
		string(metaRaw),
		now.Format(time.RFC3339Nano),
		taskID,
	); err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task update: %w", err)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.Snapshot == nil {
		checkpoint.Snapshot = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}
	snapshotRaw, err := json.Marshal(checkpoint.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint snapshot: %w", err)
	}

	const q = `
INSERT INTO checkpoints (task_id, seq, step_id, snapshot, created_at)
VALUES (?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(ctx, q,
		checkpoint.TaskID,
		checkpoint.Seq,
		checkpoint.StepID,
		string(snapshotRaw),
		checkpoint.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, taskID string) (state.CheckpointRecord, error) {
	if taskID == "" {
		return state.CheckpointRecord{}, fmt.Errorf("task_id is required")
	}
	const q = `
SELECT task_id, seq, step_id, snapshot, created_at
FROM checkpoints
WHERE task_id = ?
ORDER BY seq DESC
LIMIT 1;
`
	records, err := s.scanCheckpoints(ctx, q, taskID)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if len(records) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	return records[0], nil
}

func (s *Store) ListCheckpoints(ctx context.Context, taskID string, limit int) ([]state.CheckpointRecord, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	const q = `
SELECT task_id, seq, step_id, snapshot, created_at
FROM checkpoints
WHERE task_id = ?
ORDER BY seq DESC
LIMIT ?;
`
	return s.scanCheckpoints(ctx, q, taskID, limit)
}

func (s *Store) PruneCheckpoints(ctx context.Context, taskID string, keep int) (int, error) {
	if taskID == "" {
		return 0, fmt.Errorf("task_id is required")
	}
	if keep < 0 {
		keep = 0
	}
	const q = `
DELETE FROM checkpoints
WHERE task_id = ?
  AND seq NOT IN (
    SELECT seq FROM checkpoints WHERE task_id = ? ORDER BY seq DESC LIMIT ?
  );
`
	res, err := s.db.ExecContext(ctx, q, taskID, taskID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) scanCheckpoints(ctx context.Context, query string, args ...any) ([]state.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []state.CheckpointRecord
	for rows.Next() {
		var (
			record       state.CheckpointRecord
			snapshotRaw  string
			createdAtRaw string
		)
		if err := rows.Scan(
			&record.TaskID,
			&record.Seq,
			&record.StepID,
			&snapshotRaw,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		record.CreatedAt, err = parseRequiredTime(createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: checkpoint created_at: %v", state.ErrCorrupt, err)
		}
		if err := json.Unmarshal([]byte(snapshotRaw), &record.Snapshot); err != nil {
			return nil, fmt.Errorf("%w: checkpoint snapshot: %v", state.ErrCorrupt, err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "database is locked") || strings.Contains(text, "busy")
}
