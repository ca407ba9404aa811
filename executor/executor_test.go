package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowforgeHQ/stepflow-go/catalog"
	"github.com/flowforgeHQ/stepflow-go/plan"
	"github.com/flowforgeHQ/stepflow-go/policy"
	"github.com/flowforgeHQ/stepflow-go/protocol"
	"github.com/flowforgeHQ/stepflow-go/retry"
	"github.com/flowforgeHQ/stepflow-go/state"
	"github.com/flowforgeHQ/stepflow-go/tools"
	"github.com/flowforgeHQ/stepflow-go/types"
)

type memStore struct {
	mu          sync.Mutex
	tasks       map[string]state.TaskRecord
	checkpoints map[string][]state.CheckpointRecord
}

func newMemStore() *memStore {
	return &memStore{
		tasks:       map[string]state.TaskRecord{},
		checkpoints: map[string][]state.CheckpointRecord{},
	}
}

func (m *memStore) SaveTask(_ context.Context, task state.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.TaskID] = task
	return nil
}

func (m *memStore) LoadTask(_ context.Context, taskID string) (state.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return state.TaskRecord{}, state.ErrNotFound
	}
	return task, nil
}

func (m *memStore) ListTasks(_ context.Context, query state.ListTasksQuery) ([]state.TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []state.TaskRecord{}
	for _, task := range m.tasks {
		if query.State != "" && task.State != query.State {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (m *memStore) ExecuteStep(_ context.Context, taskID string, fn state.StepFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return state.ErrNotFound
	}
	if err := fn(&task); err != nil {
		return err
	}
	m.tasks[taskID] = task
	return nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, checkpoint state.CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.checkpoints[checkpoint.TaskID] {
		if existing.Seq == checkpoint.Seq {
			return state.ErrConflict
		}
	}
	m.checkpoints[checkpoint.TaskID] = append(m.checkpoints[checkpoint.TaskID], checkpoint)
	return nil
}

func (m *memStore) LoadLatestCheckpoint(_ context.Context, taskID string) (state.CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.checkpoints[taskID]
	if len(items) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	latest := items[0]
	for _, item := range items[1:] {
		if item.Seq > latest.Seq {
			latest = item
		}
	}
	return latest, nil
}

func (m *memStore) ListCheckpoints(_ context.Context, taskID string, limit int) ([]state.CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]state.CheckpointRecord(nil), m.checkpoints[taskID]...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) PruneCheckpoints(_ context.Context, taskID string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.checkpoints[taskID]
	if keep <= 0 || len(items) <= keep {
		return 0, nil
	}
	removed := len(items) - keep
	m.checkpoints[taskID] = items[removed:]
	return removed, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) checkpointCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints[taskID])
}

var _ state.Store = (*memStore)(nil)

// recorder tracks tool invocations across concurrently running steps.
type recorder struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}}
}

func (r *recorder) record(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
	r.calls[name]++
	return r.calls[name]
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recorder) position(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return -1
}

func okTool(name string, rec *recorder) tools.Tool {
	return tools.NewFuncTool(types.ToolDefinition{
		Name: name, Version: "1.0", RiskLevel: types.RiskSafe,
		Description: "test tool " + name,
	}, func(_ context.Context, _ json.RawMessage) (string, error) {
		rec.record(name)
		return "out-" + name, nil
	})
}

// flakyTool fails its first failures calls, then succeeds.
func flakyTool(name string, failures int, rec *recorder) tools.Tool {
	return tools.NewFuncTool(types.ToolDefinition{
		Name: name, Version: "1.0", RiskLevel: types.RiskSafe,
		Description: "flaky test tool " + name,
	}, func(_ context.Context, _ json.RawMessage) (string, error) {
		call := rec.record(name)
		if call <= failures {
			return "", fmt.Errorf("transient failure %d", call)
		}
		return "out-" + name, nil
	})
}

func slowTool(name string, delay time.Duration, rec *recorder) tools.Tool {
	return tools.NewFuncTool(types.ToolDefinition{
		Name: name, Version: "1.0", RiskLevel: types.RiskSafe,
		Description: "slow test tool " + name,
	}, func(ctx context.Context, _ json.RawMessage) (string, error) {
		rec.record(name)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
			return "out-" + name, nil
		}
	})
}

func newTestExecutor(t *testing.T, ts []tools.Tool, opts ...Option) (*Executor, *catalog.Catalog) {
	t.Helper()
	cat := catalog.New()
	for _, tool := range ts {
		cat.MustRegister(tool.Definition())
	}
	inv, err := protocol.NewInvoker(cat, protocol.NewLocalTransport(protocol.NewRegistry(ts...)))
	if err != nil {
		t.Fatalf("NewInvoker failed: %v", err)
	}
	base := []Option{WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})}
	exec, err := New(cat, inv, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return exec, cat
}

func compiled(t *testing.T, p *plan.Plan) *plan.Plan {
	t.Helper()
	if err := p.Compile(); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return p
}

func TestRunDiamondExactlyOnceInDependencyOrder(t *testing.T) {
	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{
		okTool("fetch", rec), okTool("left", rec), okTool("right", rec), okTool("merge", rec),
	}, WithStore(newMemStore()))

	p := compiled(t, plan.New("diamond").
		AddStep(plan.Step{ID: "a", Tool: "fetch"}).
		AddStep(plan.Step{ID: "b", Tool: "left", DependsOn: []string{"a"}}).
		AddStep(plan.Step{ID: "c", Tool: "right", DependsOn: []string{"a"}}).
		AddStep(plan.Step{ID: "d", Tool: "merge", DependsOn: []string{"b", "c"}}))

	outcome, err := exec.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outcome.State != string(state.TaskCompleted) {
		t.Fatalf("expected completed, got %s", outcome.State)
	}

	for _, name := range []string{"fetch", "left", "right", "merge"} {
		if rec.count(name) != 1 {
			t.Fatalf("tool %s invoked %d times, expected once", name, rec.count(name))
		}
	}
	if rec.position("fetch") != 0 {
		t.Fatal("root step must run first")
	}
	if rec.position("merge") != 3 {
		t.Fatal("join step must run last")
	}
	if len(outcome.StepResults) != 4 || outcome.StepResults["d"] != "out-merge" {
		t.Fatalf("unexpected step results: %v", outcome.StepResults)
	}
	if outcome.Result != "out-merge" {
		t.Fatalf("task result should come from the final step, got %q", outcome.Result)
	}
}

func TestRunRetriesWithBackoffUntilSuccess(t *testing.T) {
	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{flakyTool("flaky", 2, rec)})

	p := compiled(t, plan.New("retry").AddStep(plan.Step{ID: "a", Tool: "flaky"}))

	outcome, err := exec.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rec.count("flaky") != 3 {
		t.Fatalf("expected 3 attempts, got %d", rec.count("flaky"))
	}
	step, _ := p.Step("a")
	if step.Attempts != 3 {
		t.Fatalf("expected attempts=3 on the step, got %d", step.Attempts)
	}

	retries := 0
	for _, event := range outcome.Events {
		if event.Type == types.EventRetryAttempted {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("expected 2 retry events, got %d", retries)
	}
}

func TestRunFailsAfterExhaustingRetries(t *testing.T) {
	rec := newRecorder()
	store := newMemStore()
	exec, _ := newTestExecutor(t, []tools.Tool{flakyTool("doomed", 99, rec)}, WithStore(store))

	p := compiled(t, plan.New("doomed").AddStep(plan.Step{ID: "a", Tool: "doomed"}))

	outcome, err := exec.Run(context.Background(), p)
	if err == nil {
		t.Fatal("expected run failure")
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.StepID != "a" || stepErr.Attempts != 3 {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count("doomed") != 3 {
		t.Fatalf("expected exactly max attempts, got %d", rec.count("doomed"))
	}
	if outcome.State != string(state.TaskFailed) || outcome.FailedStepID != "a" || outcome.Error == "" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	record, loadErr := store.LoadTask(context.Background(), outcome.TaskID)
	if loadErr != nil {
		t.Fatalf("task record missing: %v", loadErr)
	}
	if record.State != state.TaskFailed || record.FailedStepID != "a" || record.Error == "" {
		t.Fatalf("failure not persisted: %+v", record)
	}
}

func TestRunFailFastStopsDownstreamWork(t *testing.T) {
	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{
		flakyTool("bad", 99, rec), okTool("good", rec), okTool("later", rec),
	})

	p := compiled(t, plan.New("failfast").
		AddStep(plan.Step{ID: "a", Tool: "bad"}).
		AddStep(plan.Step{ID: "b", Tool: "good"}).
		AddStep(plan.Step{ID: "c", Tool: "later", DependsOn: []string{"b"}}))

	if _, err := exec.Run(context.Background(), p); err == nil {
		t.Fatal("expected run failure")
	}
	if rec.count("later") != 0 {
		t.Fatal("fail-fast must not start the next pass")
	}
}

func TestRunContinueOnFailureFinishesIndependentBranches(t *testing.T) {
	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{
		flakyTool("bad", 99, rec), okTool("good", rec), okTool("later", rec),
	}, WithContinueOnFailure(true))

	p := compiled(t, plan.New("continue").
		AddStep(plan.Step{ID: "a", Tool: "bad"}).
		AddStep(plan.Step{ID: "b", Tool: "good"}).
		AddStep(plan.Step{ID: "c", Tool: "later", DependsOn: []string{"b"}}))

	outcome, err := exec.Run(context.Background(), p)
	if err == nil {
		t.Fatal("task with a failed step must still fail")
	}
	if rec.count("later") != 1 {
		t.Fatal("independent branch must finish before the task fails")
	}
	if outcome.FailedStepID != "a" {
		t.Fatalf("expected failed step a, got %q", outcome.FailedStepID)
	}
	if outcome.StepResults["c"] != "out-later" {
		t.Fatalf("independent branch result missing: %v", outcome.StepResults)
	}
}

func TestRunVersionMismatchFailsWithoutInvocation(t *testing.T) {
	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{okTool("echo", rec)})

	p := compiled(t, plan.New("mismatch").
		AddStep(plan.Step{ID: "a", Tool: "echo", Version: "9.9"}))

	_, err := exec.Run(context.Background(), p)
	if !errors.Is(err, protocol.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if rec.count("echo") != 0 {
		t.Fatal("mismatched version must not reach the tool")
	}
	step, _ := p.Step("a")
	if step.Attempts != 1 {
		t.Fatalf("contract violations must not be retried, attempts=%d", step.Attempts)
	}
}

func TestRunValidatorRejectsBeforeAnythingExecutes(t *testing.T) {
	rec := newRecorder()
	dangerous := tools.NewFuncTool(types.ToolDefinition{
		Name: "wipe", Version: "1.0", RiskLevel: types.RiskDangerous,
		Description: "destructive test tool",
	}, func(_ context.Context, _ json.RawMessage) (string, error) {
		rec.record("wipe")
		return "", nil
	})
	store := newMemStore()
	exec, _ := newTestExecutor(t, []tools.Tool{dangerous},
		WithStore(store),
		WithValidator(policy.NewValidator([]string{"wipe"})))

	p := compiled(t, plan.New("danger").AddStep(plan.Step{ID: "a", Tool: "wipe"}))

	_, err := exec.Run(context.Background(), p)
	if !errors.Is(err, policy.ErrRiskPolicyViolation) {
		t.Fatalf("expected ErrRiskPolicyViolation, got %v", err)
	}
	if rec.count("wipe") != 0 {
		t.Fatal("rejected pipeline must not execute")
	}
	if tasks, _ := store.ListTasks(context.Background(), state.ListTasksQuery{}); len(tasks) != 0 {
		t.Fatal("rejected pipeline must not persist a task")
	}
}

func TestRunCheckpointsEveryStepAndRotates(t *testing.T) {
	rec := newRecorder()
	store := newMemStore()
	exec, _ := newTestExecutor(t, []tools.Tool{okTool("work", rec)},
		WithStore(store),
		WithCheckpointStrategy(state.StrategyEveryStep),
		WithCheckpointRetention(2))

	p := compiled(t, plan.New("chain").
		AddStep(plan.Step{ID: "s1", Tool: "work"}).
		AddStep(plan.Step{ID: "s2", Tool: "work", DependsOn: []string{"s1"}}).
		AddStep(plan.Step{ID: "s3", Tool: "work", DependsOn: []string{"s2"}}).
		AddStep(plan.Step{ID: "s4", Tool: "work", DependsOn: []string{"s3"}}))

	outcome, err := exec.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := store.checkpointCount(outcome.TaskID); got != 2 {
		t.Fatalf("expected retention to keep 2 checkpoints, got %d", got)
	}
	latest, err := store.LoadLatestCheckpoint(context.Background(), outcome.TaskID)
	if err != nil {
		t.Fatalf("LoadLatestCheckpoint failed: %v", err)
	}
	if latest.Seq != 4 || latest.StepID != "s4" {
		t.Fatalf("unexpected latest checkpoint: %+v", latest)
	}
}

func TestResumeSkipsCompletedStepsAndRerunsFailed(t *testing.T) {
	rec := newRecorder()
	store := newMemStore()
	// fails once, succeeds from the second call on
	ts := []tools.Tool{okTool("first", rec), flakyTool("middle", 1, rec), okTool("last", rec)}
	exec, _ := newTestExecutor(t, ts,
		WithStore(store),
		WithRetryPolicy(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}))

	p := compiled(t, plan.New("resume").
		AddStep(plan.Step{ID: "a", Tool: "first"}).
		AddStep(plan.Step{ID: "b", Tool: "middle", DependsOn: []string{"a"}}).
		AddStep(plan.Step{ID: "c", Tool: "last", DependsOn: []string{"b"}}))

	outcome, err := exec.Run(context.Background(), p)
	if err == nil {
		t.Fatal("first run should fail on the middle step")
	}
	if rec.count("first") != 1 || rec.count("middle") != 1 || rec.count("last") != 0 {
		t.Fatalf("unexpected first-run counts: first=%d middle=%d last=%d",
			rec.count("first"), rec.count("middle"), rec.count("last"))
	}

	resumed, err := exec.Resume(context.Background(), outcome.TaskID, p)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.State != string(state.TaskCompleted) {
		t.Fatalf("expected completed after resume, got %s", resumed.State)
	}
	// completed work is never repeated, only the failed step and its
	// dependents run again
	if rec.count("first") != 1 {
		t.Fatalf("completed step re-invoked, count=%d", rec.count("first"))
	}
	if rec.count("middle") != 2 || rec.count("last") != 1 {
		t.Fatalf("unexpected resume counts: middle=%d last=%d", rec.count("middle"), rec.count("last"))
	}
	if resumed.StepResults["a"] != "out-first" {
		t.Fatalf("stored result for completed step missing: %v", resumed.StepResults)
	}
}

func TestResumeCompletedTaskIsNoOp(t *testing.T) {
	rec := newRecorder()
	store := newMemStore()
	exec, _ := newTestExecutor(t, []tools.Tool{okTool("work", rec)}, WithStore(store))

	p := compiled(t, plan.New("noop").AddStep(plan.Step{ID: "a", Tool: "work"}))
	outcome, err := exec.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	resumed, err := exec.Resume(context.Background(), outcome.TaskID, p)
	if err != nil {
		t.Fatalf("resume of completed task must succeed: %v", err)
	}
	if resumed.State != string(state.TaskCompleted) || resumed.Result != outcome.Result {
		t.Fatalf("unexpected no-op outcome: %+v", resumed)
	}
	if rec.count("work") != 1 {
		t.Fatalf("completed task must not re-execute, count=%d", rec.count("work"))
	}
}

func TestResumeRejectsExpiredCheckpoint(t *testing.T) {
	store := newMemStore()
	_ = store.SaveTask(context.Background(), state.TaskRecord{TaskID: "stale", State: state.TaskFailed})
	_ = store.SaveCheckpoint(context.Background(), state.CheckpointRecord{
		TaskID: "stale", Seq: 1, CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	})

	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{okTool("work", rec)},
		WithStore(store), WithCheckpointMaxAge(time.Hour))

	p := compiled(t, plan.New("stale").AddStep(plan.Step{ID: "a", Tool: "work"}))
	_, err := exec.Resume(context.Background(), "stale", p)
	if !errors.Is(err, state.ErrCheckpointExpired) {
		t.Fatalf("expected ErrCheckpointExpired, got %v", err)
	}
}

func TestRunTaskTimeout(t *testing.T) {
	rec := newRecorder()
	exec, _ := newTestExecutor(t, []tools.Tool{slowTool("slow", time.Second, rec)},
		WithTaskTimeout(30*time.Millisecond),
		WithRetryPolicy(retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}))

	p := compiled(t, plan.New("timeout").AddStep(plan.Step{ID: "a", Tool: "slow"}))

	start := time.Now()
	outcome, err := exec.Run(context.Background(), p)
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("deadline was not enforced")
	}
	if outcome.State != string(state.TaskFailed) {
		t.Fatalf("expected failed, got %s", outcome.State)
	}
}
