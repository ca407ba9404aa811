// Package plan holds the step graph a task executes: a set of steps with
// declared dependencies, validated to be acyclic before anything runs.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step is a single unit of work. Status moves pending -> running ->
// {completed, failed}; a failed step returns to pending only through an
// explicit Retry, never silently.
type Step struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
	Tool        string          `json:"tool"`
	Version     string          `json:"version,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Status      Status          `json:"status"`
	Result      string          `json:"result,omitempty"`
	Attempts    int             `json:"attempts"`
}

// Plan is the dependency graph of steps derived from a goal. After Compile
// succeeds the structure is frozen: steps are never added or removed, only
// their status advances.
type Plan struct {
	id       string
	goal     string
	steps    []*Step
	index    map[string]*Step
	buildErr error
	compiled bool
}

func New(goal string) *Plan {
	return &Plan{
		id:    uuid.NewString(),
		goal:  goal,
		index: map[string]*Step{},
	}
}

func (p *Plan) ID() string {
	if p == nil {
		return ""
	}
	return p.id
}

func (p *Plan) Goal() string {
	if p == nil {
		return ""
	}
	return p.goal
}

// SetID overrides the generated plan id. Used when restoring a persisted plan.
func (p *Plan) SetID(id string) *Plan {
	if p == nil || id == "" {
		return p
	}
	p.id = id
	return p
}

// AddStep appends a step in declaration order. Build errors are deferred
// until Compile, matching the builder pattern used elsewhere in this module.
func (p *Plan) AddStep(step Step) *Plan {
	if p == nil {
		return p
	}
	if p.buildErr != nil {
		return p
	}
	if p.compiled {
		p.buildErr = fmt.Errorf("plan %q is compiled and cannot be modified", p.id)
		return p
	}
	if step.ID == "" {
		p.buildErr = fmt.Errorf("step id is required")
		return p
	}
	if _, exists := p.index[step.ID]; exists {
		p.buildErr = fmt.Errorf("step %q already exists", step.ID)
		return p
	}
	if step.Status == "" {
		step.Status = StatusPending
	}
	s := step
	p.steps = append(p.steps, &s)
	p.index[s.ID] = &s
	return p
}

// Compile validates the whole plan atomically: every dependency must name a
// step in this plan and the dependency relation must be acyclic. A plan that
// fails Compile never dispatches a single step.
func (p *Plan) Compile() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if p.buildErr != nil {
		return p.buildErr
	}
	if len(p.steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	for _, step := range p.steps {
		for _, dep := range step.DependsOn {
			if _, ok := p.index[dep]; !ok {
				return &DependencyError{StepID: step.ID, Missing: dep}
			}
		}
	}

	if path := p.findCycle(); len(path) > 0 {
		return &CycleError{Path: path}
	}

	p.compiled = true
	return nil
}

// findCycle runs a depth-first traversal coloring steps white/gray/black.
// Reaching a gray step means the dependency chain loops back on itself.
func (p *Plan) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.steps))
	var stack []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range p.index[id].DependsOn {
			switch color[dep] {
			case gray:
				stack = append(stack, dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return false
	}

	for _, step := range p.steps {
		if color[step.ID] == white {
			stack = stack[:0]
			if visit(step.ID) {
				return append([]string(nil), stack...)
			}
		}
	}
	return nil
}

func (p *Plan) Compiled() bool {
	return p != nil && p.compiled
}

// Steps returns the steps in declaration order. Callers must not mutate
// structure; status updates go through the Mark helpers.
func (p *Plan) Steps() []*Step {
	if p == nil {
		return nil
	}
	return p.steps
}

func (p *Plan) Step(id string) (*Step, bool) {
	if p == nil {
		return nil, false
	}
	s, ok := p.index[id]
	return s, ok
}

// Completed reports whether every step reached completed.
func (p *Plan) Completed() bool {
	if p == nil {
		return false
	}
	for _, step := range p.steps {
		if step.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkRunning advances a pending step to running.
func (p *Plan) MarkRunning(id string) error {
	return p.transition(id, StatusPending, StatusRunning)
}

// MarkCompleted records the result and advances a running step to completed.
func (p *Plan) MarkCompleted(id, result string) error {
	step, ok := p.Step(id)
	if !ok {
		return fmt.Errorf("step %q does not exist", id)
	}
	if err := p.transition(id, StatusRunning, StatusCompleted); err != nil {
		return err
	}
	step.Result = result
	return nil
}

// MarkFailed advances a running step to failed.
func (p *Plan) MarkFailed(id string) error {
	return p.transition(id, StatusRunning, StatusFailed)
}

// Retry is the only path from failed back to pending. It exists so a resume
// can deliberately re-arm a failed step; nothing resets status implicitly.
func (p *Plan) Retry(id string) error {
	return p.transition(id, StatusFailed, StatusPending)
}

func (p *Plan) transition(id string, from, to Status) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	step, ok := p.index[id]
	if !ok {
		return fmt.Errorf("step %q does not exist", id)
	}
	if step.Status != from {
		return fmt.Errorf("step %q is %s, cannot move to %s", id, step.Status, to)
	}
	step.Status = to
	return nil
}
