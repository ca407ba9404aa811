package plan

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCycleDetected is matched with errors.Is against *CycleError.
	ErrCycleDetected = errors.New("plan: dependency cycle detected")
	// ErrMissingDependency is matched with errors.Is against *DependencyError.
	ErrMissingDependency = errors.New("plan: missing dependency")
)

// CycleError reports a dependency cycle found during Compile. Path holds the
// step ids along the offending chain, ending at the step that closed the loop.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycleDetected.Error()
	}
	return fmt.Sprintf("plan: dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// DependencyError reports a step whose dependency names no step in the plan.
type DependencyError struct {
	StepID  string
	Missing string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("plan: step %q depends on unknown step %q", e.StepID, e.Missing)
}

func (e *DependencyError) Unwrap() error { return ErrMissingDependency }
