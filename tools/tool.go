// Package tools holds local tool implementations servable behind the
// invocation protocol. Each tool publishes a versioned definition; the
// executable side is a plain function over JSON arguments.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforgeHQ/stepflow-go/types"
)

type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

type FuncTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

func NewFuncTool(def types.ToolDefinition, fn func(ctx context.Context, args json.RawMessage) (string, error)) *FuncTool {
	return &FuncTool{def: def, fn: fn}
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.fn == nil {
		return "", fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}
