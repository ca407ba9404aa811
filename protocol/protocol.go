// Package protocol defines the versioned request/response contract used to
// invoke tool implementations, and the transports that carry it. Both ends
// of a pipe or network hop speak the same envelope; failures cross the
// boundary as structured responses, never as in-process errors.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request is the wire envelope for one tool invocation.
type Request struct {
	Tool      string          `json:"tool"`
	Version   string          `json:"version"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is the wire envelope for the outcome. Success distinguishes a
// tool-level failure (carried in Error) from a usable Result.
type Response struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Transport carries one request to a tool host and returns its response.
// A returned error means the transport itself failed (broken pipe, refused
// connection); tool failures come back inside the Response.
type Transport interface {
	Call(ctx context.Context, req Request) (Response, error)
}

var ErrVersionMismatch = errors.New("protocol: version mismatch")

// VersionMismatchError reports a requested version outside the tool's
// declared version and compatible set. It is raised before any side effect.
type VersionMismatchError struct {
	Tool      string
	Requested string
	Available []string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol: tool %q does not serve version %q (available: %s)",
		e.Tool, e.Requested, strings.Join(e.Available, ", "))
}

func (e *VersionMismatchError) Unwrap() error { return ErrVersionMismatch }

// InvocationError is a tool-level failure relayed through the envelope.
type InvocationError struct {
	Tool    string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("protocol: tool %q failed: %s", e.Tool, e.Message)
}
