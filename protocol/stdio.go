package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// PipeTransport speaks the envelope over a byte stream: one JSON request
// per line out, one JSON response per line back. It serializes calls; a
// single pipe carries one exchange at a time.
type PipeTransport struct {
	mu     sync.Mutex
	enc    *json.Encoder
	reader *bufio.Reader
	closer io.Closer
}

func NewPipeTransport(w io.Writer, r io.Reader) *PipeTransport {
	return &PipeTransport{
		enc:    json.NewEncoder(w),
		reader: bufio.NewReader(r),
	}
}

// NewCommandTransport launches a tool host as a subprocess and connects a
// pipe transport to its stdin/stdout. Closing the transport terminates the
// host.
func NewCommandTransport(ctx context.Context, name string, args ...string) (*PipeTransport, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tool host %q: %w", name, err)
	}
	t := NewPipeTransport(stdin, stdout)
	t.closer = closerFunc(func() error {
		_ = stdin.Close()
		return cmd.Wait()
	})
	return t, nil
}

func (t *PipeTransport) Call(ctx context.Context, req Request) (Response, error) {
	if t == nil || t.enc == nil {
		return Response{}, fmt.Errorf("pipe transport is not connected")
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("failed to write request: %w", err)
	}

	type read struct {
		line []byte
		err  error
	}
	done := make(chan read, 1)
	go func() {
		line, err := t.reader.ReadBytes('\n')
		done <- read{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case r := <-done:
		if r.err != nil && len(r.line) == 0 {
			return Response{}, fmt.Errorf("failed to read response: %w", r.err)
		}
		var resp Response
		if err := json.Unmarshal(r.line, &resp); err != nil {
			return Response{}, fmt.Errorf("failed to decode response: %w", err)
		}
		return resp, nil
	}
}

func (t *PipeTransport) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// ServePipe runs the host side of the pipe protocol: it reads requests
// until EOF or context cancellation, executes them against the registry,
// and writes one response per request. Malformed input produces an error
// response rather than tearing down the loop.
func ServePipe(ctx context.Context, r io.Reader, w io.Writer, registry *Registry) error {
	if registry == nil {
		return fmt.Errorf("registry is required")
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if encErr := enc.Encode(Response{Success: false, Error: "malformed request: " + err.Error()}); encErr != nil {
				return fmt.Errorf("failed to write response: %w", encErr)
			}
			continue
		}
		if err := enc.Encode(registry.Execute(ctx, req)); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read request stream: %w", err)
	}
	return nil
}
