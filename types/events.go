package types

import "time"

type EventType string

const (
	EventTaskStarted     EventType = "task.started"
	EventStepStarted     EventType = "step.started"
	EventStepCompleted   EventType = "step.completed"
	EventStepFailed      EventType = "step.failed"
	EventRetryAttempted  EventType = "step.retry"
	EventCheckpointSaved EventType = "checkpoint.saved"
	EventTaskCompleted   EventType = "task.completed"
	EventTaskFailed      EventType = "task.failed"
)

type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"taskId,omitempty"`
	PlanID    string    `json:"planId,omitempty"`
	StepID    string    `json:"stepId,omitempty"`
	ToolName  string    `json:"toolName,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}
