// Package decompose turns a high-level goal into a compiled plan by asking
// a pluggable oracle for a step breakdown and validating the proposal
// before anything executes. The oracle is untrusted: malformed proposals
// surface as DecompositionError, never as a partially built plan.
package decompose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flowforgeHQ/stepflow-go/plan"
)

var ErrDecomposition = errors.New("decompose: invalid proposal")

// DecompositionError reports why an oracle proposal was rejected.
type DecompositionError struct {
	Goal   string
	Reason string
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decompose: goal %q rejected: %s", e.Goal, e.Reason)
}

func (e *DecompositionError) Unwrap() error { return ErrDecomposition }

// ProposedStep is one entry in an oracle's breakdown of a goal.
type ProposedStep struct {
	ID          string          `json:"id"`
	Description string          `json:"description,omitempty"`
	DependsOn   []string        `json:"dependsOn,omitempty"`
	Tool        string          `json:"tool"`
	Version     string          `json:"version,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// Oracle proposes a step breakdown for a goal. Implementations range from
// static lookup tables to remote planners.
type Oracle interface {
	Propose(ctx context.Context, goal string) ([]ProposedStep, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, goal string) ([]ProposedStep, error)

func (f OracleFunc) Propose(ctx context.Context, goal string) ([]ProposedStep, error) {
	return f(ctx, goal)
}

type Decomposer struct {
	oracle Oracle
}

func New(oracle Oracle) (*Decomposer, error) {
	if oracle == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	return &Decomposer{oracle: oracle}, nil
}

// Decompose asks the oracle for a breakdown and returns a compiled plan.
// Every proposed step needs an id and a tool, ids must be unique, and
// dependencies must reference proposed steps; the plan's own Compile then
// rejects cycles.
func (d *Decomposer) Decompose(ctx context.Context, goal string) (*plan.Plan, error) {
	if d == nil || d.oracle == nil {
		return nil, fmt.Errorf("decomposer is not initialized")
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, &DecompositionError{Goal: goal, Reason: "goal is empty"}
	}

	proposed, err := d.oracle.Propose(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("oracle failed for goal %q: %w", goal, err)
	}
	if len(proposed) == 0 {
		return nil, &DecompositionError{Goal: goal, Reason: "oracle proposed no steps"}
	}

	seen := make(map[string]bool, len(proposed))
	for i, step := range proposed {
		if strings.TrimSpace(step.ID) == "" {
			return nil, &DecompositionError{Goal: goal, Reason: fmt.Sprintf("step %d has no id", i)}
		}
		if seen[step.ID] {
			return nil, &DecompositionError{Goal: goal, Reason: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		seen[step.ID] = true
		if strings.TrimSpace(step.Tool) == "" {
			return nil, &DecompositionError{Goal: goal, Reason: fmt.Sprintf("step %q has no tool", step.ID)}
		}
	}
	for _, step := range proposed {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return nil, &DecompositionError{
					Goal:   goal,
					Reason: fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep),
				}
			}
		}
	}

	p := plan.New(goal)
	for _, step := range proposed {
		p.AddStep(plan.Step{
			ID:          step.ID,
			Description: step.Description,
			DependsOn:   step.DependsOn,
			Tool:        step.Tool,
			Version:     step.Version,
			Arguments:   step.Arguments,
		})
	}
	if err := p.Compile(); err != nil {
		return nil, fmt.Errorf("proposal for goal %q does not compile: %w", goal, err)
	}
	return p, nil
}
