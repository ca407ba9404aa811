package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ResumePoint is what ValidateAndResume hands back: the task record and,
// when one exists and is still valid, the checkpoint to restart from. A nil
// Checkpoint means the task restarts from the beginning.
type ResumePoint struct {
	Task       TaskRecord
	Checkpoint *CheckpointRecord
	// NoOp is set when the task already completed; re-execution is treated
	// as a no-op success carrying the stored result.
	NoOp bool
}

// ValidateAndResume checks whether a task can be resumed and from where.
// Completed tasks resolve as no-op successes honoring idempotency; a
// checkpoint older than maxAge is rejected rather than replayed.
func ValidateAndResume(ctx context.Context, store Store, taskID string, maxAge time.Duration) (ResumePoint, error) {
	if store == nil {
		return ResumePoint{}, fmt.Errorf("store is required")
	}
	task, err := store.LoadTask(ctx, taskID)
	if err != nil {
		return ResumePoint{}, err
	}

	if task.State == TaskCompleted {
		return ResumePoint{Task: task, NoOp: true}, nil
	}
	switch task.State {
	case TaskPending, TaskRunning, TaskFailed:
	default:
		return ResumePoint{}, fmt.Errorf("%w: task %q is in state %q", ErrNotResumable, taskID, task.State)
	}

	checkpoint, err := store.LoadLatestCheckpoint(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResumePoint{Task: task}, nil
		}
		return ResumePoint{}, err
	}
	if maxAge > 0 && time.Since(checkpoint.CreatedAt) > maxAge {
		return ResumePoint{}, fmt.Errorf("%w: checkpoint for task %q is %s old (max %s)",
			ErrCheckpointExpired, taskID, time.Since(checkpoint.CreatedAt).Round(time.Second), maxAge)
	}
	return ResumePoint{Task: task, Checkpoint: &checkpoint}, nil
}
