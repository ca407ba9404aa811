package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ExecutePath is the endpoint both the HTTP transport and handler agree on.
const ExecutePath = "/execute"

// HTTPTransport speaks the envelope over HTTP POST. Same request/response
// contract as the pipe transport, so callers cannot tell them apart.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

type HTTPOption func(*HTTPTransport)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	t := &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *HTTPTransport) Call(ctx context.Context, req Request) (Response, error) {
	if t == nil || t.client == nil {
		return Response{}, fmt.Errorf("http transport is not initialized")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("http call failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8*1024*1024))
	if err != nil {
		return Response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("tool host returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// Handler exposes a registry as the HTTP side of the protocol. Mount it at
// ExecutePath.
func Handler(registry *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Request
		if err := json.NewDecoder(io.LimitReader(r.Body, 8*1024*1024)).Decode(&req); err != nil {
			writeJSON(w, Response{Success: false, Error: "malformed request: " + err.Error()})
			return
		}
		writeJSON(w, registry.Execute(r.Context(), req))
	})
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
