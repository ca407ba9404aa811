// Package executor drives a compiled plan to completion: it repeatedly asks
// the plan for its ready set, dispatches every ready step concurrently,
// retries failures with exponential backoff, and checkpoints progress so a
// killed task can resume without repeating finished work.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforgeHQ/stepflow-go/catalog"
	"github.com/flowforgeHQ/stepflow-go/observe"
	"github.com/flowforgeHQ/stepflow-go/plan"
	"github.com/flowforgeHQ/stepflow-go/policy"
	"github.com/flowforgeHQ/stepflow-go/protocol"
	"github.com/flowforgeHQ/stepflow-go/retry"
	"github.com/flowforgeHQ/stepflow-go/state"
	"github.com/flowforgeHQ/stepflow-go/types"
)

type Executor struct {
	catalog   *catalog.Catalog
	invoker   *protocol.Invoker
	store     state.Store
	validator *policy.Validator
	observer  observe.Sink

	retryPolicy       retry.Policy
	stepTimeout       time.Duration
	taskTimeout       time.Duration
	strategy          state.Strategy
	checkpointKeep    int
	checkpointMaxAge  time.Duration
	continueOnFailure bool
}

type Option func(*Executor)

func WithStore(store state.Store) Option {
	return func(e *Executor) { e.store = store }
}

func WithValidator(validator *policy.Validator) Option {
	return func(e *Executor) { e.validator = validator }
}

func WithObserver(observer observe.Sink) Option {
	return func(e *Executor) { e.observer = observer }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Executor) { e.retryPolicy = retry.Normalize(p) }
}

// WithStepTimeout bounds each step attempt. Zero disables the per-step
// deadline; the invoker's own call timeout still applies.
func WithStepTimeout(timeout time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = timeout }
}

// WithTaskTimeout bounds the whole task across all steps and retries.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(e *Executor) { e.taskTimeout = timeout }
}

func WithCheckpointStrategy(strategy state.Strategy) Option {
	return func(e *Executor) {
		if strategy != "" {
			e.strategy = strategy
		}
	}
}

// WithCheckpointRetention keeps only the given number of most recent
// checkpoints per task, pruning older ones after each save.
func WithCheckpointRetention(keep int) Option {
	return func(e *Executor) {
		if keep > 0 {
			e.checkpointKeep = keep
		}
	}
}

// WithCheckpointMaxAge rejects resume from checkpoints older than maxAge.
func WithCheckpointMaxAge(maxAge time.Duration) Option {
	return func(e *Executor) {
		if maxAge > 0 {
			e.checkpointMaxAge = maxAge
		}
	}
}

// WithContinueOnFailure keeps independent branches running after a step
// exhausts its retries. Dependents of the failed step stay blocked; the
// task still finishes as failed. The default is fail fast.
func WithContinueOnFailure(continueOnFailure bool) Option {
	return func(e *Executor) { e.continueOnFailure = continueOnFailure }
}

func New(cat *catalog.Catalog, invoker *protocol.Invoker, opts ...Option) (*Executor, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	e := &Executor{
		catalog:          cat,
		invoker:          invoker,
		retryPolicy:      retry.DefaultPolicy(),
		strategy:         state.StrategyEveryIteration,
		checkpointKeep:   5,
		checkpointMaxAge: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run executes a plan from the beginning under a fresh task id.
func (e *Executor) Run(ctx context.Context, p *plan.Plan) (types.TaskOutcome, error) {
	if e == nil {
		return types.TaskOutcome{}, fmt.Errorf("executor is not initialized")
	}
	if p == nil {
		return types.TaskOutcome{}, fmt.Errorf("plan is required")
	}
	if !p.Compiled() {
		if err := p.Compile(); err != nil {
			return types.TaskOutcome{}, err
		}
	}
	return e.execute(ctx, uuid.NewString(), p, 1)
}

// Resume re-executes an interrupted task. Already-completed steps keep
// their stored results and are never re-dispatched; failed steps are
// deliberately re-armed for another round of attempts.
func (e *Executor) Resume(ctx context.Context, taskID string, p *plan.Plan) (types.TaskOutcome, error) {
	if e == nil {
		return types.TaskOutcome{}, fmt.Errorf("executor is not initialized")
	}
	if taskID == "" {
		return types.TaskOutcome{}, fmt.Errorf("taskID is required")
	}
	if p == nil {
		return types.TaskOutcome{}, fmt.Errorf("plan is required")
	}
	if e.store == nil {
		return types.TaskOutcome{}, fmt.Errorf("state store is required for resume")
	}
	if !p.Compiled() {
		if err := p.Compile(); err != nil {
			return types.TaskOutcome{}, err
		}
	}

	point, err := state.ValidateAndResume(ctx, e.store, taskID, e.checkpointMaxAge)
	if err != nil {
		return types.TaskOutcome{}, err
	}
	if point.NoOp {
		return types.TaskOutcome{
			TaskID:      point.Task.TaskID,
			PlanID:      point.Task.PlanID,
			State:       string(state.TaskCompleted),
			Result:      point.Task.Result,
			StartedAt:   point.Task.CreatedAt,
			CompletedAt: point.Task.UpdatedAt,
		}, nil
	}

	startSeq := 1
	if point.Checkpoint != nil {
		if err := p.ApplySnapshot(point.Checkpoint.Snapshot); err != nil {
			return types.TaskOutcome{}, fmt.Errorf("%w: %v", state.ErrCorrupt, err)
		}
		startSeq = point.Checkpoint.Seq + 1
	}
	for _, step := range p.Steps() {
		if step.Status == plan.StatusFailed {
			if err := p.Retry(step.ID); err != nil {
				return types.TaskOutcome{}, err
			}
		}
	}
	return e.execute(ctx, taskID, p, startSeq)
}

type stepResult struct {
	result string
	err    error
}

// eventLog collects task events. Steps in one ready set emit concurrently,
// so appends are locked.
type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) append(event types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.Event(nil), l.events...)
}

func (e *Executor) execute(ctx context.Context, taskID string, p *plan.Plan, seq int) (types.TaskOutcome, error) {
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Now().Add(e.taskTimeout))
		defer cancel()
	}

	if e.validator != nil {
		if err := e.validator.Validate(e.pipelineFor(p)); err != nil {
			return types.TaskOutcome{}, err
		}
	}

	startedAt := time.Now().UTC()
	log := &eventLog{}
	outcome := types.TaskOutcome{
		TaskID:      taskID,
		PlanID:      p.ID(),
		StepResults: map[string]string{},
		StartedAt:   &startedAt,
	}
	for _, step := range p.Steps() {
		if step.Status == plan.StatusCompleted {
			outcome.StepResults[step.ID] = step.Result
		}
	}

	if err := e.persistTask(ctx, taskID, p, state.TaskRunning, "", "", ""); err != nil {
		return types.TaskOutcome{}, err
	}
	e.emit(ctx, log, types.Event{
		Type: types.EventTaskStarted, TaskID: taskID, PlanID: p.ID(),
		Message: "task started: " + p.Goal(),
	})
	if e.strategy == state.StrategyOnStateChange {
		seq = e.checkpoint(ctx, log, taskID, p, seq, "")
	}

	for !p.Completed() {
		if err := ctx.Err(); err != nil {
			return e.finishFailed(ctx, outcome, log, taskID, p, "", fmt.Errorf("task canceled: %w", err))
		}

		ready, err := p.ReadySteps()
		if err != nil {
			return e.finishFailed(ctx, outcome, log, taskID, p, "", err)
		}
		if len(ready) == 0 {
			if failed := failedSteps(p); len(failed) > 0 {
				return e.finishFailed(ctx, outcome, log, taskID, p, failed[0],
					fmt.Errorf("%d step(s) failed, dependents blocked", len(failed)))
			}
			return e.finishFailed(ctx, outcome, log, taskID, p, "", &DeadlockError{Pending: pendingSteps(p)})
		}

		results := make([]stepResult, len(ready))
		var wg sync.WaitGroup
		for i, step := range ready {
			if err := p.MarkRunning(step.ID); err != nil {
				return e.finishFailed(ctx, outcome, log, taskID, p, step.ID, err)
			}
			wg.Add(1)
			go func(i int, step *plan.Step) {
				defer wg.Done()
				result, err := e.runStep(ctx, log, taskID, p.ID(), step)
				results[i] = stepResult{result: result, err: err}
			}(i, step)
		}
		wg.Wait()

		var firstFailure *StepError
		for i, step := range ready {
			res := results[i]
			if res.err == nil {
				if err := p.MarkCompleted(step.ID, res.result); err != nil {
					return e.finishFailed(ctx, outcome, log, taskID, p, step.ID, err)
				}
				outcome.StepResults[step.ID] = res.result
				outcome.StepTrace = append(outcome.StepTrace, step.ID)
				if e.strategy == state.StrategyEveryStep {
					seq = e.checkpoint(ctx, log, taskID, p, seq, step.ID)
				}
				continue
			}
			if err := p.MarkFailed(step.ID); err != nil {
				return e.finishFailed(ctx, outcome, log, taskID, p, step.ID, err)
			}
			if firstFailure == nil {
				firstFailure = &StepError{
					StepID:   step.ID,
					Tool:     step.Tool,
					Attempts: step.Attempts,
					Err:      res.err,
				}
			}
		}

		if e.strategy == state.StrategyEveryIteration {
			seq = e.checkpoint(ctx, log, taskID, p, seq, "")
		}
		if firstFailure != nil && !e.continueOnFailure {
			return e.finishFailed(ctx, outcome, log, taskID, p, firstFailure.StepID, firstFailure)
		}
	}

	completedAt := time.Now().UTC()
	outcome.CompletedAt = &completedAt
	outcome.State = string(state.TaskCompleted)
	outcome.Result = lastResult(p, outcome.StepTrace)
	if e.strategy == state.StrategyOnStateChange {
		e.checkpoint(ctx, log, taskID, p, seq, "")
	}
	if err := e.persistTask(ctx, taskID, p, state.TaskCompleted, outcome.Result, "", ""); err != nil {
		return types.TaskOutcome{}, err
	}
	e.emit(ctx, log, types.Event{
		Type: types.EventTaskCompleted, TaskID: taskID, PlanID: p.ID(),
		Message: "task completed",
	})
	outcome.Events = log.all()
	return outcome, nil
}

// runStep drives one step through its retry budget. The wait happens only
// between attempts; after the final failure the error returns immediately.
func (e *Executor) runStep(ctx context.Context, log *eventLog, taskID, planID string, step *plan.Step) (string, error) {
	e.emit(ctx, log, types.Event{
		Type: types.EventStepStarted, TaskID: taskID, PlanID: planID,
		StepID: step.ID, ToolName: step.Tool,
	})

	var lastErr error
	for attempt := 1; attempt <= e.retryPolicy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		step.Attempts++
		result, err := e.invokeStep(ctx, step)
		if err == nil {
			e.emit(ctx, log, types.Event{
				Type: types.EventStepCompleted, TaskID: taskID, PlanID: planID,
				StepID: step.ID, ToolName: step.Tool, Attempt: attempt,
			})
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt < e.retryPolicy.MaxAttempts {
			e.emit(ctx, log, types.Event{
				Type: types.EventRetryAttempted, TaskID: taskID, PlanID: planID,
				StepID: step.ID, ToolName: step.Tool, Attempt: attempt,
				Error: err.Error(),
			})
			if waitErr := e.retryPolicy.Wait(ctx, attempt); waitErr != nil {
				break
			}
		}
	}

	e.emit(ctx, log, types.Event{
		Type: types.EventStepFailed, TaskID: taskID, PlanID: planID,
		StepID: step.ID, ToolName: step.Tool, Attempt: step.Attempts,
		Error: lastErr.Error(),
	})
	return "", lastErr
}

func (e *Executor) invokeStep(ctx context.Context, step *plan.Step) (string, error) {
	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	return e.invoker.Invoke(stepCtx, step.Tool, step.Version, step.Arguments)
}

// retryable separates transient failures from contract violations. A
// version mismatch or risk policy rejection will fail identically on every
// attempt, so retrying it only burns the budget.
func retryable(err error) bool {
	if errors.Is(err, protocol.ErrVersionMismatch) {
		return false
	}
	if errors.Is(err, policy.ErrRiskPolicyViolation) {
		return false
	}
	if errors.Is(err, catalog.ErrUnknownTool) {
		return false
	}
	return true
}

func (e *Executor) finishFailed(ctx context.Context, outcome types.TaskOutcome, log *eventLog, taskID string, p *plan.Plan, failedStepID string, cause error) (types.TaskOutcome, error) {
	completedAt := time.Now().UTC()
	outcome.CompletedAt = &completedAt
	outcome.State = string(state.TaskFailed)
	outcome.Error = cause.Error()
	outcome.FailedStepID = failedStepID
	_ = e.persistTask(ctx, taskID, p, state.TaskFailed, "", cause.Error(), failedStepID)
	e.emit(ctx, log, types.Event{
		Type: types.EventTaskFailed, TaskID: taskID, PlanID: p.ID(),
		StepID: failedStepID, Error: cause.Error(),
	})
	outcome.Events = log.all()
	return outcome, cause
}

// persistTask creates or updates the durable task record. Updates run
// through the store's locked read-modify-write so concurrent writers never
// interleave partial state.
func (e *Executor) persistTask(ctx context.Context, taskID string, p *plan.Plan, taskState state.TaskState, result, errText, failedStepID string) error {
	if e.store == nil {
		return nil
	}
	err := e.store.ExecuteStep(ctx, taskID, func(task *state.TaskRecord) error {
		task.PlanID = p.ID()
		task.State = taskState
		task.Result = result
		task.Error = errText
		task.FailedStepID = failedStepID
		return nil
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("failed to persist task %q: %w", taskID, err)
	}
	now := time.Now().UTC()
	record := state.TaskRecord{
		TaskID:       taskID,
		PlanID:       p.ID(),
		Input:        p.Goal(),
		State:        taskState,
		Result:       result,
		Error:        errText,
		FailedStepID: failedStepID,
		CreatedAt:    &now,
		UpdatedAt:    &now,
	}
	if err := e.store.SaveTask(ctx, record); err != nil {
		return fmt.Errorf("failed to persist task %q: %w", taskID, err)
	}
	return nil
}

// checkpoint snapshots plan progress under the next sequence number and
// prunes old records down to the retention limit. A sequence conflict means
// another writer already saved this point; that is not a failure.
func (e *Executor) checkpoint(ctx context.Context, log *eventLog, taskID string, p *plan.Plan, seq int, stepID string) int {
	if e.store == nil {
		return seq
	}
	snapshot, err := p.Snapshot()
	if err != nil {
		return seq
	}
	err = e.store.SaveCheckpoint(ctx, state.CheckpointRecord{
		TaskID:    taskID,
		Seq:       seq,
		StepID:    stepID,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, state.ErrConflict) {
		return seq
	}
	if err == nil {
		e.emit(ctx, log, types.Event{
			Type: types.EventCheckpointSaved, TaskID: taskID, PlanID: p.ID(),
			StepID: stepID, Message: fmt.Sprintf("checkpoint %d saved", seq),
		})
		if e.checkpointKeep > 0 {
			_, _ = e.store.PruneCheckpoints(ctx, taskID, e.checkpointKeep)
		}
	}
	return seq + 1
}

// pipelineFor projects the plan's tool calls into a pipeline, in
// declaration order, with risk levels taken from the catalog rather than
// the plan. The pipeline risk is the highest entry risk.
func (e *Executor) pipelineFor(p *plan.Plan) types.Pipeline {
	pipeline := types.Pipeline{RiskLevel: types.RiskSafe}
	for _, step := range p.Steps() {
		entry := types.PipelineEntry{
			Tool:      step.Tool,
			Version:   step.Version,
			Arguments: step.Arguments,
		}
		if def, ok, err := e.catalog.Resolve(step.Tool, step.Version); err == nil && ok {
			entry.RiskLevel = def.RiskLevel
		}
		if riskRank(entry.RiskLevel) > riskRank(pipeline.RiskLevel) {
			pipeline.RiskLevel = entry.RiskLevel
		}
		pipeline.Entries = append(pipeline.Entries, entry)
	}
	return pipeline
}

func riskRank(r types.RiskLevel) int {
	switch r {
	case types.RiskDangerous:
		return 2
	case types.RiskModerate:
		return 1
	}
	return 0
}

func (e *Executor) emit(ctx context.Context, log *eventLog, event types.Event) {
	event.Timestamp = time.Now().UTC()
	if log != nil {
		log.append(event)
	}
	if e.observer != nil {
		_ = e.observer.Emit(ctx, observe.FromRuntimeEvent(event))
	}
}

func failedSteps(p *plan.Plan) []string {
	var out []string
	for _, step := range p.Steps() {
		if step.Status == plan.StatusFailed {
			out = append(out, step.ID)
		}
	}
	return out
}

func pendingSteps(p *plan.Plan) []string {
	var out []string
	for _, step := range p.Steps() {
		if step.Status == plan.StatusPending {
			out = append(out, step.ID)
		}
	}
	return out
}

// lastResult picks the task-level result: the output of the last step to
// finish, falling back to the last declared step's stored result.
func lastResult(p *plan.Plan, trace []string) string {
	if len(trace) > 0 {
		if step, ok := p.Step(trace[len(trace)-1]); ok {
			return step.Result
		}
	}
	steps := p.Steps()
	if len(steps) > 0 {
		return steps[len(steps)-1].Result
	}
	return ""
}
