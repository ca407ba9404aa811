package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/flowforgeHQ/stepflow-go/catalog"
	"github.com/flowforgeHQ/stepflow-go/tools"
	"github.com/flowforgeHQ/stepflow-go/types"
)

func echoTool() tools.Tool {
	return tools.NewFuncTool(types.ToolDefinition{
		Name:               "echo",
		Version:            "1.1",
		CompatibleVersions: []string{"1.0"},
		RiskLevel:          types.RiskSafe,
		Description:        "Echo the text argument back.",
		ParameterSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
	}, func(_ context.Context, raw json.RawMessage) (string, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", err
		}
		return args.Text, nil
	})
}

func failTool() tools.Tool {
	return tools.NewFuncTool(types.ToolDefinition{
		Name:        "fail",
		Version:     "1.0",
		RiskLevel:   types.RiskSafe,
		Description: "Always fails.",
	}, func(_ context.Context, _ json.RawMessage) (string, error) {
		return "", fmt.Errorf("boom")
	})
}

type countingTransport struct {
	calls    atomic.Int64
	delegate Transport
}

func (t *countingTransport) Call(ctx context.Context, req Request) (Response, error) {
	t.calls.Add(1)
	return t.delegate.Call(ctx, req)
}

func testInvoker(t *testing.T) (*Invoker, *countingTransport) {
	t.Helper()
	cat := catalog.New()
	cat.MustRegister(echoTool().Definition())
	cat.MustRegister(failTool().Definition())
	transport := &countingTransport{
		delegate: NewLocalTransport(NewRegistry(echoTool(), failTool())),
	}
	inv, err := NewInvoker(cat, transport)
	if err != nil {
		t.Fatalf("NewInvoker failed: %v", err)
	}
	return inv, transport
}

func TestInvokeSuccess(t *testing.T) {
	inv, _ := testInvoker(t)
	out, err := inv.Invoke(context.Background(), "echo", "1.1", []byte(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if out != "hello" {
		t.Fatalf("unexpected result: %q", out)
	}
}

func TestInvokeCompatibleVersion(t *testing.T) {
	inv, _ := testInvoker(t)
	out, err := inv.Invoke(context.Background(), "echo", "1.0", []byte(`{"text":"old"}`))
	if err != nil {
		t.Fatalf("invoke with compatible version failed: %v", err)
	}
	if out != "old" {
		t.Fatalf("unexpected result: %q", out)
	}
}

func TestInvokeVersionMismatchHasNoSideEffect(t *testing.T) {
	inv, transport := testInvoker(t)
	_, err := inv.Invoke(context.Background(), "echo", "9.9", []byte(`{"text":"hi"}`))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	var mismatch *VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected VersionMismatchError, got %T", err)
	}
	if mismatch.Requested != "9.9" || len(mismatch.Available) == 0 {
		t.Fatalf("unexpected mismatch details: %+v", mismatch)
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("transport must not be called on version mismatch, got %d calls", transport.calls.Load())
	}
}

func TestInvokeRejectsInvalidArguments(t *testing.T) {
	inv, transport := testInvoker(t)
	_, err := inv.Invoke(context.Background(), "echo", "1.1", []byte(`{"text":42}`))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if transport.calls.Load() != 0 {
		t.Fatalf("transport must not be called on invalid arguments, got %d calls", transport.calls.Load())
	}
}

func TestInvokeMapsToolFailure(t *testing.T) {
	inv, _ := testInvoker(t)
	_, err := inv.Invoke(context.Background(), "fail", "1.0", nil)
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvocationError, got %v", err)
	}
	if !strings.Contains(invErr.Message, "boom") {
		t.Fatalf("expected tool error message, got %q", invErr.Message)
	}
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(echoTool(), failTool())

	if _, ok := r.Resolve("echo", "1.1"); !ok {
		t.Fatal("exact version must resolve")
	}
	if _, ok := r.Resolve("echo", "1.0"); !ok {
		t.Fatal("compatible version must resolve")
	}
	if _, ok := r.Resolve("echo", ""); !ok {
		t.Fatal("empty version must resolve to first registered")
	}
	if _, ok := r.Resolve("echo", "3.0"); ok {
		t.Fatal("unserved version must not resolve")
	}
	if _, ok := r.Resolve("ghost", "1.0"); ok {
		t.Fatal("unknown tool must not resolve")
	}
}

func TestRegistryExecuteEnvelope(t *testing.T) {
	r := NewRegistry(echoTool(), failTool())

	resp := r.Execute(context.Background(), Request{Tool: "echo", Version: "1.1", Arguments: []byte(`{"text":"ok"}`)})
	if !resp.Success || resp.Result != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp = r.Execute(context.Background(), Request{Tool: "fail", Version: "1.0"})
	if resp.Success || resp.Error == "" {
		t.Fatalf("tool failure must return structured error, got %+v", resp)
	}

	resp = r.Execute(context.Background(), Request{Tool: "ghost", Version: "1.0"})
	if resp.Success || resp.Error == "" {
		t.Fatalf("unknown tool must return structured error, got %+v", resp)
	}
}

func TestLocalTransportHonorsCancel(t *testing.T) {
	transport := NewLocalTransport(NewRegistry(echoTool()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := transport.Call(ctx, Request{Tool: "echo", Version: "1.1"}); err == nil {
		t.Fatal("expected context error")
	}
}
