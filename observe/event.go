// Package observe is the outbound event sink: the engine emits structured
// events (step started/completed/failed, retries, checkpoints) and an
// external collector decides what to do with them. Emission is best-effort
// and never blocks execution.
package observe

import (
	"time"

	"github.com/flowforgeHQ/stepflow-go/types"
)

type Kind string

type Status string

const (
	KindTask       Kind = "task"
	KindStep       Kind = "step"
	KindInvocation Kind = "invocation"
	KindCheckpoint Kind = "checkpoint"
	KindCustom     Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	TaskID     string         `json:"taskId,omitempty"`
	PlanID     string         `json:"planId,omitempty"`
	StepID     string         `json:"stepId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}

// FromRuntimeEvent converts an engine event into the sink envelope.
func FromRuntimeEvent(event types.Event) Event {
	out := Event{
		Timestamp: event.Timestamp,
		TaskID:    event.TaskID,
		PlanID:    event.PlanID,
		StepID:    event.StepID,
		ToolName:  event.ToolName,
		Attempt:   event.Attempt,
		Name:      string(event.Type),
		Message:   event.Message,
		Error:     event.Error,
	}
	switch event.Type {
	case types.EventTaskStarted:
		out.Kind, out.Status = KindTask, StatusStarted
	case types.EventTaskCompleted:
		out.Kind, out.Status = KindTask, StatusCompleted
	case types.EventTaskFailed:
		out.Kind, out.Status = KindTask, StatusFailed
	case types.EventStepStarted:
		out.Kind, out.Status = KindStep, StatusStarted
	case types.EventStepCompleted:
		out.Kind, out.Status = KindStep, StatusCompleted
	case types.EventStepFailed:
		out.Kind, out.Status = KindStep, StatusFailed
	case types.EventRetryAttempted:
		out.Kind, out.Status = KindStep, StatusRetrying
	case types.EventCheckpointSaved:
		out.Kind, out.Status = KindCheckpoint, StatusCompleted
	default:
		out.Kind = KindCustom
	}
	out.Normalize()
	return out
}
