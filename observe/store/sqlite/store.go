// Package sqlite persists engine events so a task's execution trace can be
// inspected after the fact.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flowforgeHQ/stepflow-go/observe"
	eventstore "github.com/flowforgeHQ/stepflow-go/observe/store"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 200

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite event path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveEvent(ctx context.Context, event observe.Event) error {
	if s == nil || s.db == nil {
		return nil
	}
	event.Normalize()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	attrs, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode event attributes: %w", err)
	}
	const q = `
INSERT INTO task_events (
  event_id, task_id, plan_id, step_id, kind, status, name, tool_name,
  attempt, message, error, duration_ms, attributes, timestamp
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		event.ID,
		event.TaskID,
		event.PlanID,
		event.StepID,
		string(event.Kind),
		string(event.Status),
		event.Name,
		event.ToolName,
		event.Attempt,
		event.Message,
		event.Error,
		event.DurationMs,
		string(attrs),
		event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *Store) ListEventsByTask(ctx context.Context, taskID string, query eventstore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("taskID is required")
	}
	return s.list(ctx, "task_id = ?", taskID, query)
}

func (s *Store) ListEventsByPlan(ctx context.Context, planID string, query eventstore.ListQuery) ([]observe.Event, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("planID is required")
	}
	return s.list(ctx, "plan_id = ?", planID, query)
}

func (s *Store) list(ctx context.Context, predicate string, value string, query eventstore.ListQuery) ([]observe.Event, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	q := fmt.Sprintf(`
SELECT event_id, task_id, plan_id, step_id, kind, status, name, tool_name,
       attempt, message, error, duration_ms, attributes, timestamp
FROM task_events
WHERE %s
ORDER BY timestamp ASC
LIMIT ? OFFSET ?;
`, predicate)

	rows, err := s.db.QueryContext(ctx, q, value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]observe.Event, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (observe.Event, error) {
	var (
		e      observe.Event
		kind   string
		status string
		attrs  string
		tsRaw  string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.TaskID,
		&e.PlanID,
		&e.StepID,
		&kind,
		&status,
		&e.Name,
		&e.ToolName,
		&e.Attempt,
		&e.Message,
		&e.Error,
		&e.DurationMs,
		&attrs,
		&tsRaw,
	); err != nil {
		return observe.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	e.Kind = observe.Kind(kind)
	e.Status = observe.Status(status)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err == nil {
			e.Timestamp = ts
		}
	}
	if attrs != "" {
		_ = json.Unmarshal([]byte(attrs), &e.Attributes)
	}
	e.Normalize()
	return e, nil
}

func (s *Store) AggregateMetrics(ctx context.Context, query eventstore.MetricsQuery) (eventstore.MetricsSummary, error) {
	if s == nil || s.db == nil {
		return eventstore.MetricsSummary{}, nil
	}
	args := []any{}
	where := ""
	if query.Since != nil {
		where = " AND timestamp >= ?"
		args = append(args, query.Since.UTC().Format(time.RFC3339Nano))
	}

	counter := func(kind observe.Kind, status observe.Status) (int64, error) {
		q := "SELECT COUNT(*) FROM task_events WHERE kind = ? AND status = ?" + where
		qArgs := append([]any{string(kind), string(status)}, args...)
		var n int64
		if err := s.db.QueryRowContext(ctx, q, qArgs...).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	metrics := eventstore.MetricsSummary{}
	var err error
	if metrics.TasksStarted, err = counter(observe.KindTask, observe.StatusStarted); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics tasks started: %w", err)
	}
	if metrics.TasksCompleted, err = counter(observe.KindTask, observe.StatusCompleted); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics tasks completed: %w", err)
	}
	if metrics.TasksFailed, err = counter(observe.KindTask, observe.StatusFailed); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics tasks failed: %w", err)
	}
	if metrics.StepsCompleted, err = counter(observe.KindStep, observe.StatusCompleted); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics steps completed: %w", err)
	}
	if metrics.StepsFailed, err = counter(observe.KindStep, observe.StatusFailed); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics steps failed: %w", err)
	}
	if metrics.StepRetries, err = counter(observe.KindStep, observe.StatusRetrying); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics step retries: %w", err)
	}
	if metrics.CheckpointsSaved, err = counter(observe.KindCheckpoint, observe.StatusCompleted); err != nil {
		return eventstore.MetricsSummary{}, fmt.Errorf("metrics checkpoints saved: %w", err)
	}
	return metrics, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ eventstore.Store = (*Store)(nil)
