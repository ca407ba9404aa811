// Package state defines durable, transactional storage for task records and
// checkpoints. Task records are owned exclusively by the store: the executor
// never mutates its in-memory copy directly, every change goes through
// SaveTask or the locked ExecuteStep transaction.
package state

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
	// ErrCorrupt marks deserialization or integrity failures. Corruption is
	// surfaced immediately, never silently swallowed or retried.
	ErrCorrupt = errors.New("state: corrupt record")
	// ErrNotResumable marks a task whose state does not admit resumption.
	ErrNotResumable = errors.New("state: task is not resumable")
	// ErrCheckpointExpired marks a checkpoint older than the configured
	// maximum age.
	ErrCheckpointExpired = errors.New("state: checkpoint expired")
)

type ListTasksQuery struct {
	State  TaskState
	Limit  int
	Offset int
}

// StepFunc runs against the locked task snapshot inside ExecuteStep.
// Returning an error rolls the transaction back; the stored record is left
// exactly as before.
type StepFunc func(task *TaskRecord) error

type Store interface {
	SaveTask(ctx context.Context, task TaskRecord) error
	LoadTask(ctx context.Context, taskID string) (TaskRecord, error)
	ListTasks(ctx context.Context, query ListTasksQuery) ([]TaskRecord, error)

	// ExecuteStep acquires an exclusive lock on the task record, runs fn
	// against the locked snapshot, and commits the mutated record
	// atomically. No partial update is ever observable.
	ExecuteStep(ctx context.Context, taskID string, fn StepFunc) error

	SaveCheckpoint(ctx context.Context, checkpoint CheckpointRecord) error
	LoadLatestCheckpoint(ctx context.Context, taskID string) (CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, taskID string, limit int) ([]CheckpointRecord, error)
	// PruneCheckpoints retains only the keep most recent checkpoints for a
	// task and deletes the rest, returning how many were removed.
	PruneCheckpoints(ctx context.Context, taskID string, keep int) (int, error)

	Close() error
}
