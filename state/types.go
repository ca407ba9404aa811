package state

import (
	"fmt"
	"strings"
	"time"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskRecord is the persisted unit of work.
type TaskRecord struct {
	TaskID       string         `json:"taskId"`
	PlanID       string         `json:"planId,omitempty"`
	Input        string         `json:"input"`
	State        TaskState      `json:"state"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	FailedStepID string         `json:"failedStepId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time     `json:"updatedAt,omitempty"`
}

// CheckpointRecord is an immutable snapshot of a task's progress. Records
// are append-only; (TaskID, Seq) is unique and a duplicate save surfaces as
// ErrConflict. Only the most recent valid checkpoint is used for resume.
type CheckpointRecord struct {
	TaskID    string         `json:"taskId"`
	Seq       int            `json:"seq"`
	StepID    string         `json:"stepId,omitempty"`
	Snapshot  map[string]any `json:"snapshot,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Strategy controls when the executor persists a checkpoint.
type Strategy string

const (
	// StrategyEveryStep saves after each tool invocation. Highest
	// durability, highest write volume.
	StrategyEveryStep Strategy = "every_step"
	// StrategyEveryIteration saves once per resolver pass.
	StrategyEveryIteration Strategy = "every_iteration"
	// StrategyOnStateChange saves only when the task state transitions.
	StrategyOnStateChange Strategy = "on_state_change"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyEveryStep:
		return StrategyEveryStep, nil
	case StrategyEveryIteration, "":
		return StrategyEveryIteration, nil
	case StrategyOnStateChange:
		return StrategyOnStateChange, nil
	default:
		return "", fmt.Errorf("unknown checkpoint strategy %q", raw)
	}
}
