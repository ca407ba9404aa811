// Package policy gates pipelines before anything executes. A dangerous
// pipeline is rejected outright; safe and moderate pipelines may only
// reference allow-listed tools. Validation runs once, up front, never
// incrementally mid-pipeline.
package policy

import (
	"errors"
	"fmt"

	"github.com/flowforgeHQ/stepflow-go/types"
)

var ErrRiskPolicyViolation = errors.New("policy: risk policy violation")

// Violation reports why a pipeline was rejected.
type Violation struct {
	Tool   string
	Reason string
}

func (e *Violation) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("policy: tool %q rejected: %s", e.Tool, e.Reason)
	}
	return "policy: pipeline rejected: " + e.Reason
}

func (e *Violation) Unwrap() error { return ErrRiskPolicyViolation }

// Validator checks pipelines against an allow-list. The allow-list is
// caller-supplied; an empty validator allows nothing.
type Validator struct {
	allowed map[string]bool
}

func NewValidator(allowlist []string) *Validator {
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		if name != "" {
			allowed[name] = true
		}
	}
	return &Validator{allowed: allowed}
}

// Validate accepts or rejects a whole pipeline. Dangerous pipelines need a
// human-approval path that lives outside this core, so they always fail
// here regardless of which tools they reference. Tools outside the
// allow-list fail regardless of declared risk; a mislabeled entry does not
// sneak through on its own say-so.
func (v *Validator) Validate(pipeline types.Pipeline) error {
	if v == nil {
		return &Violation{Reason: "no validator configured"}
	}
	if len(pipeline.Entries) == 0 {
		return &Violation{Reason: "pipeline is empty"}
	}
	if pipeline.RiskLevel == types.RiskDangerous {
		return &Violation{Reason: "declared risk level is dangerous; requires out-of-band approval"}
	}
	if pipeline.RiskLevel != "" && !pipeline.RiskLevel.Valid() {
		return &Violation{Reason: fmt.Sprintf("unknown risk level %q", pipeline.RiskLevel)}
	}
	for _, entry := range pipeline.Entries {
		if entry.RiskLevel == types.RiskDangerous {
			return &Violation{Tool: entry.Tool, Reason: "entry risk level is dangerous"}
		}
		if !v.allowed[entry.Tool] {
			return &Violation{Tool: entry.Tool, Reason: "not on the allow-list"}
		}
	}
	return nil
}

// Allowed reports whether a single tool name passes the allow-list.
func (v *Validator) Allowed(tool string) bool {
	return v != nil && v.allowed[tool]
}
