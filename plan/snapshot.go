package plan

import (
	"encoding/json"
	"fmt"
)

type stepSnapshot struct {
	Status   Status `json:"status"`
	Result   string `json:"result,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type planSnapshot struct {
	PlanID string                  `json:"planId"`
	Goal   string                  `json:"goal,omitempty"`
	Steps  map[string]stepSnapshot `json:"steps"`
}

// Snapshot captures step progress as a plain map so it can ride inside a
// checkpoint record. Structure (ids, dependencies, tools) is not included;
// a snapshot is only meaningful against the plan that produced it.
func (p *Plan) Snapshot() (map[string]any, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	payload := planSnapshot{
		PlanID: p.id,
		Goal:   p.goal,
		Steps:  make(map[string]stepSnapshot, len(p.steps)),
	}
	for _, step := range p.steps {
		payload.Steps[step.ID] = stepSnapshot{
			Status:   step.Status,
			Result:   step.Result,
			Attempts: step.Attempts,
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode plan snapshot map: %w", err)
	}
	return out, nil
}

// ApplySnapshot restores step progress from a checkpoint taken against the
// same plan. Running steps come back as pending: an in-flight invocation at
// checkpoint time never completed, so it must run again.
func (p *Plan) ApplySnapshot(raw map[string]any) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(raw) == 0 {
		return fmt.Errorf("plan snapshot is empty")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}
	var payload planSnapshot
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return fmt.Errorf("failed to decode plan snapshot: %w", err)
	}
	if payload.PlanID != "" && payload.PlanID != p.id {
		return fmt.Errorf("snapshot belongs to plan %q, not %q", payload.PlanID, p.id)
	}
	for id, snap := range payload.Steps {
		step, ok := p.index[id]
		if !ok {
			return fmt.Errorf("snapshot references unknown step %q", id)
		}
		status := snap.Status
		if status == StatusRunning {
			status = StatusPending
		}
		step.Status = status
		step.Result = snap.Result
		step.Attempts = snap.Attempts
	}
	return nil
}
