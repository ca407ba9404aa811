package types

import (
	"encoding/json"
	"time"
)

// RiskLevel classifies how much damage a tool or pipeline can do.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskModerate  RiskLevel = "moderate"
	RiskDangerous RiskLevel = "dangerous"
)

// Valid reports whether the risk level is one of the declared values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskSafe, RiskModerate, RiskDangerous:
		return true
	}
	return false
}

// ToolDefinition describes a published tool version. Definitions are
// immutable once registered in a catalog; shipping new behavior means
// publishing a new version.
type ToolDefinition struct {
	Name               string         `json:"name"`
	Version            string         `json:"version"`
	CompatibleVersions []string       `json:"compatibleVersions,omitempty"`
	RiskLevel          RiskLevel      `json:"riskLevel"`
	Description        string         `json:"description"`
	Tags               []string       `json:"tags,omitempty"`
	ParameterSchema    map[string]any `json:"parameterSchema,omitempty"`
}

// Compatible reports whether the requested version is the declared version
// or appears in the compatible set.
func (d ToolDefinition) Compatible(requested string) bool {
	if requested == "" || requested == d.Version {
		return true
	}
	for _, v := range d.CompatibleVersions {
		if v == requested {
			return true
		}
	}
	return false
}

// PipelineEntry is one tool call inside a pipeline.
type PipelineEntry struct {
	Tool      string          `json:"tool"`
	Version   string          `json:"version,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	RiskLevel RiskLevel       `json:"riskLevel,omitempty"`
}

// Pipeline is an ordered list of tool calls plus the overall risk level the
// planner declared for it. Pipelines are transient; only the step records
// they execute through are persisted.
type Pipeline struct {
	Entries   []PipelineEntry `json:"entries"`
	RiskLevel RiskLevel       `json:"riskLevel"`
}

// TaskOutcome is what the executor returns for a finished (or aborted) plan.
type TaskOutcome struct {
	TaskID       string            `json:"taskId"`
	PlanID       string            `json:"planId"`
	State        string            `json:"state"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	FailedStepID string            `json:"failedStepId,omitempty"`
	StepResults  map[string]string `json:"stepResults,omitempty"`
	StepTrace    []string          `json:"stepTrace,omitempty"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	Events       []Event           `json:"events,omitempty"`
}
