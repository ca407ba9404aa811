package plan

import "fmt"

// ReadySteps returns every step whose status is pending and whose
// dependencies have all completed, in declaration order so scheduling is
// stable and reproducible. The plan must have passed Compile; cycles are a
// compile-time rejection, never discovered mid-run.
func (p *Plan) ReadySteps() ([]*Step, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	if !p.compiled {
		return nil, fmt.Errorf("plan %q is not compiled", p.id)
	}

	var ready []*Step
	for _, step := range p.steps {
		if step.Status != StatusPending {
			continue
		}
		satisfied := true
		for _, dep := range step.DependsOn {
			if p.index[dep].Status != StatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
		}
	}
	return ready, nil
}

// Blocked reports whether the plan can make no further progress: nothing is
// ready, nothing is running, and at least one step has not completed. The
// executor turns this into a deadlock error instead of spinning.
func (p *Plan) Blocked() bool {
	if p == nil {
		return false
	}
	for _, step := range p.steps {
		if step.Status == StatusRunning {
			return false
		}
	}
	ready, err := p.ReadySteps()
	if err != nil || len(ready) > 0 {
		return false
	}
	return !p.Completed()
}
