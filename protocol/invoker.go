package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowforgeHQ/stepflow-go/catalog"
)

const defaultCallTimeout = 30 * time.Second

// Invoker is the executor-facing entry point: it gates an invocation on
// version compatibility and argument schema, then dispatches over whatever
// transport it was built with. The executor stays transport-agnostic.
type Invoker struct {
	catalog   *catalog.Catalog
	transport Transport
	timeout   time.Duration
}

type InvokerOption func(*Invoker)

// WithCallTimeout bounds each transport call. A hung tool host is canceled
// at the boundary and surfaces as a retryable failure.
func WithCallTimeout(timeout time.Duration) InvokerOption {
	return func(inv *Invoker) {
		if timeout > 0 {
			inv.timeout = timeout
		}
	}
}

func NewInvoker(cat *catalog.Catalog, transport Transport, opts ...InvokerOption) (*Invoker, error) {
	if cat == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	inv := &Invoker{
		catalog:   cat,
		transport: transport,
		timeout:   defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv, nil
}

// Invoke calls a tool through the transport. Version and argument checks
// run first so an incompatible or malformed request produces no side effect
// on the tool host.
func (inv *Invoker) Invoke(ctx context.Context, tool, version string, arguments []byte) (string, error) {
	if inv == nil {
		return "", fmt.Errorf("invoker is not initialized")
	}
	def, ok, err := inv.catalog.Resolve(tool, version)
	if err != nil {
		return "", err
	}
	if !ok {
		available := []string{}
		if defs, lookupErr := inv.catalog.Lookup(tool); lookupErr == nil {
			for _, d := range defs {
				available = append(available, d.Version)
				available = append(available, d.CompatibleVersions...)
			}
		}
		return "", &VersionMismatchError{Tool: tool, Requested: version, Available: available}
	}

	if len(def.ParameterSchema) > 0 {
		if err := validateArguments(def.ParameterSchema, arguments); err != nil {
			return "", err
		}
	}

	callCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	resp, err := inv.transport.Call(callCtx, Request{
		Tool:      tool,
		Version:   def.Version,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("transport call for tool %q failed: %w", tool, err)
	}
	if !resp.Success {
		return "", &InvocationError{Tool: tool, Message: resp.Error}
	}
	return resp.Result, nil
}

func validateArguments(schema map[string]any, arguments []byte) error {
	if len(arguments) == 0 {
		arguments = []byte("{}")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewBytesLoader(arguments),
	)
	if err != nil {
		return fmt.Errorf("argument schema validation failed: %w", err)
	}
	if !result.Valid() {
		first := ""
		if errs := result.Errors(); len(errs) > 0 {
			first = errs[0].String()
		}
		return fmt.Errorf("arguments do not match parameter schema: %s", first)
	}
	return nil
}
