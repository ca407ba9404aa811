package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flowforgeHQ/stepflow-go/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func saveTask(t *testing.T, store *Store, taskID string, taskState state.TaskState) {
	t.Helper()
	now := time.Now().UTC()
	err := store.SaveTask(context.Background(), state.TaskRecord{
		TaskID:    taskID,
		PlanID:    "plan-" + taskID,
		Input:     "do the thing",
		State:     taskState,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: &now,
		UpdatedAt: &now,
	})
	if err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}
}

func TestSaveAndLoadTask(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)

	task, err := store.LoadTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if task.TaskID != "task-1" || task.State != state.TaskRunning {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Metadata["source"] != "test" {
		t.Fatalf("metadata not round-tripped: %+v", task.Metadata)
	}
}

func TestLoadTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadTask(context.Background(), "ghost")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTaskUpserts(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)
	saveTask(t, store, "task-1", state.TaskCompleted)

	task, err := store.LoadTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if task.State != state.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.State)
	}
}

func TestListTasksFiltersByState(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)
	saveTask(t, store, "task-2", state.TaskCompleted)
	saveTask(t, store, "task-3", state.TaskCompleted)

	tasks, err := store.ListTasks(context.Background(), state.ListTasksQuery{State: state.TaskCompleted})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 completed tasks, got %d", len(tasks))
	}
}

func TestExecuteStepCommitsAtomically(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)

	err := store.ExecuteStep(context.Background(), "task-1", func(task *state.TaskRecord) error {
		task.State = state.TaskCompleted
		task.Result = "done"
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteStep failed: %v", err)
	}

	task, err := store.LoadTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if task.State != state.TaskCompleted || task.Result != "done" {
		t.Fatalf("mutation not committed: %+v", task)
	}
}

func TestExecuteStepRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)

	stepErr := fmt.Errorf("step blew up")
	err := store.ExecuteStep(context.Background(), "task-1", func(task *state.TaskRecord) error {
		task.State = state.TaskCompleted
		return stepErr
	})
	if !errors.Is(err, stepErr) {
		t.Fatalf("expected step error, got %v", err)
	}

	task, err := store.LoadTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	if task.State != state.TaskRunning {
		t.Fatalf("rollback failed, task is %s", task.State)
	}
}

func TestExecuteStepUnknownTask(t *testing.T) {
	store := newTestStore(t)
	err := store.ExecuteStep(context.Background(), "ghost", func(*state.TaskRecord) error { return nil })
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteStepSerializesWriters(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.ExecuteStep(context.Background(), "task-1", func(task *state.TaskRecord) error {
				n := 0
				if raw, ok := task.Metadata["counter"]; ok {
					if f, ok := raw.(float64); ok {
						n = int(f)
					}
				}
				task.Metadata["counter"] = n + 1
				return nil
			})
		}()
	}
	wg.Wait()

	task, err := store.LoadTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("LoadTask failed: %v", err)
	}
	counter, _ := task.Metadata["counter"].(float64)
	if counter == 0 {
		t.Fatal("no increments were committed")
	}
	if int(counter) > writers {
		t.Fatalf("counter overshot: %v", counter)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	store := newTestStore(t)
	saveTask(t, store, "task-1", state.TaskRunning)

	for seq := 1; seq <= 7; seq++ {
		err := store.SaveCheckpoint(context.Background(), state.CheckpointRecord{
			TaskID:    "task-1",
			Seq:       seq,
			StepID:    fmt.Sprintf("step-%d", seq),
			Snapshot:  map[string]any{"seq": seq},
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("SaveCheckpoint %d failed: %v", seq, err)
		}
	}

	// duplicate sequence is a conflict, records are immutable
	err := store.SaveCheckpoint(context.Background(), state.CheckpointRecord{
		TaskID: "task-1", Seq: 3, CreatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, state.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	latest, err := store.LoadLatestCheckpoint(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if latest.Seq != 7 || latest.StepID != "step-7" {
		t.Fatalf("unexpected latest checkpoint: %+v", latest)
	}

	removed, err := store.PruneCheckpoints(context.Background(), "task-1", 5)
	if err != nil {
		t.Fatalf("PruneCheckpoints failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}

	remaining, err := store.ListCheckpoints(context.Background(), "task-1", 10)
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(remaining) != 5 {
		t.Fatalf("expected 5 checkpoints after prune, got %d", len(remaining))
	}
	for _, cp := range remaining {
		if cp.Seq < 3 {
			t.Fatalf("old checkpoint %d survived the prune", cp.Seq)
		}
	}
}

func TestLoadLatestCheckpointNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadLatestCheckpoint(context.Background(), "ghost")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
