// Package planfile loads plans from YAML or JSON files so pipelines can be
// authored by hand instead of produced by a decomposition oracle.
package planfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/flowforgeHQ/stepflow-go/plan"
)

type FileSpec struct {
	Goal  string         `json:"goal" yaml:"goal"`
	ID    string         `json:"id,omitempty" yaml:"id,omitempty"`
	Steps []FileStepSpec `json:"steps" yaml:"steps"`
}

type FileStepSpec struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Tool        string         `json:"tool" yaml:"tool"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Load reads a plan file, picking the codec from the extension (.yaml/.yml
// parse as YAML, anything else as JSON), and returns a compiled plan.
func Load(path string) (*plan.Plan, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("plan file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan file path: %w", err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %q: %w", abs, err)
	}

	var spec FileSpec
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode plan file %q as YAML: %w", abs, err)
		}
	default:
		if err := json.Unmarshal(content, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode plan file %q as JSON: %w", abs, err)
		}
	}

	if strings.TrimSpace(spec.Goal) == "" {
		base := filepath.Base(abs)
		spec.Goal = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if len(spec.Steps) == 0 {
		return nil, fmt.Errorf("plan file %q has no steps", abs)
	}
	return Build(spec)
}

// Build turns a parsed spec into a compiled plan.
func Build(spec FileSpec) (*plan.Plan, error) {
	p := plan.New(spec.Goal)
	if spec.ID != "" {
		p.SetID(spec.ID)
	}
	for _, stepSpec := range spec.Steps {
		var args json.RawMessage
		if len(stepSpec.Arguments) > 0 {
			raw, err := json.Marshal(stepSpec.Arguments)
			if err != nil {
				return nil, fmt.Errorf("step %q: failed to encode arguments: %w", stepSpec.ID, err)
			}
			args = raw
		}
		p.AddStep(plan.Step{
			ID:          stepSpec.ID,
			Description: stepSpec.Description,
			DependsOn:   stepSpec.DependsOn,
			Tool:        stepSpec.Tool,
			Version:     stepSpec.Version,
			Arguments:   args,
		})
	}
	if err := p.Compile(); err != nil {
		return nil, err
	}
	return p, nil
}
