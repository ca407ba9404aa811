package executor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeadlock is returned when no step is ready, none is running, and the
// plan has not completed. Compile rejects cycles, so hitting this at run
// time means dependency state was corrupted or restored inconsistently.
var ErrDeadlock = errors.New("executor: no runnable steps remain")

// StepError wraps the terminal failure of a single step after all retry
// attempts were spent.
type StepError struct {
	StepID   string
	Tool     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (tool %q) failed after %d attempt(s): %v", e.StepID, e.Tool, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// DeadlockError carries the step ids stuck when execution stalled.
type DeadlockError struct {
	Pending []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("executor: no runnable steps remain; stuck: %s", strings.Join(e.Pending, ", "))
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }
