package protocol

import (
	"context"
	"fmt"

	"github.com/flowforgeHQ/stepflow-go/tools"
	"github.com/flowforgeHQ/stepflow-go/types"
)

// Registry maps tool name+version to a resolved implementation. Resolution
// happens once when the registry is built, not on every call.
type Registry struct {
	order []tools.Tool
	byKey map[string]tools.Tool
}

func NewRegistry(ts ...tools.Tool) *Registry {
	r := &Registry{byKey: map[string]tools.Tool{}}
	for _, t := range ts {
		if t == nil {
			continue
		}
		def := t.Definition()
		key := def.Name + "@" + def.Version
		if _, exists := r.byKey[key]; exists {
			continue
		}
		r.order = append(r.order, t)
		r.byKey[key] = t
	}
	return r
}

// Resolve returns the implementation serving the requested version: exact
// match first, then any registered version declaring compatibility, then
// the first registered version when no version was requested.
func (r *Registry) Resolve(name, version string) (tools.Tool, bool) {
	if r == nil {
		return nil, false
	}
	if version != "" {
		if t, ok := r.byKey[name+"@"+version]; ok {
			return t, true
		}
	}
	for _, t := range r.order {
		def := t.Definition()
		if def.Name != name {
			continue
		}
		if version == "" || def.Compatible(version) {
			return t, true
		}
	}
	return nil, false
}

// Definitions returns the published definitions in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	if r == nil {
		return nil
	}
	out := make([]types.ToolDefinition, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, t.Definition())
	}
	return out
}

// Execute runs one request against the registry and wraps the outcome in
// the response envelope. Tool failures become structured errors; nothing
// escapes as an in-process failure.
func (r *Registry) Execute(ctx context.Context, req Request) Response {
	tool, ok := r.Resolve(req.Tool, req.Version)
	if !ok {
		return Response{Success: false, Error: "unknown tool or incompatible version: " + req.Tool + "@" + req.Version}
	}
	result, err := tool.Execute(ctx, req.Arguments)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Result: result}
}

// LocalTransport serves requests from an in-process registry behind the
// same envelope remote transports use, so the executor cannot tell local
// tools from remote ones.
type LocalTransport struct {
	registry *Registry
}

func NewLocalTransport(registry *Registry) *LocalTransport {
	return &LocalTransport{registry: registry}
}

func (t *LocalTransport) Call(ctx context.Context, req Request) (Response, error) {
	if t == nil || t.registry == nil {
		return Response{}, fmt.Errorf("local transport has no registry")
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	type outcome struct {
		resp Response
	}
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{resp: t.registry.Execute(ctx, req)}
	}()
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case out := <-done:
		return out.resp, nil
	}
}
