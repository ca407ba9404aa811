package store

import (
	"context"
	"time"

	"github.com/flowforgeHQ/stepflow-go/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type MetricsQuery struct {
	Since *time.Time
}

type MetricsSummary struct {
	TasksStarted     int64 `json:"tasksStarted"`
	TasksCompleted   int64 `json:"tasksCompleted"`
	TasksFailed      int64 `json:"tasksFailed"`
	StepsCompleted   int64 `json:"stepsCompleted"`
	StepsFailed      int64 `json:"stepsFailed"`
	StepRetries      int64 `json:"stepRetries"`
	CheckpointsSaved int64 `json:"checkpointsSaved"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByTask(ctx context.Context, taskID string, query ListQuery) ([]observe.Event, error)
	ListEventsByPlan(ctx context.Context, planID string, query ListQuery) ([]observe.Event, error)
	AggregateMetrics(ctx context.Context, query MetricsQuery) (MetricsSummary, error)
	Close() error
}
