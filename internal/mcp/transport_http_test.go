package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/tydell/wisp/internal/config"
)

type capturedRequest struct {
	method          string
	protocolVersion string
	sessionID       string
}

// newHTTPFixture serves a minimal JSON-RPC endpoint: initialize issues a
// session id, notifications get 202, and tools/call optionally answers over an
// SSE body.
func newHTTPFixture(t *testing.T, sseToolCalls bool) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var captured []capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		method, _ := req["method"].(string)

		mu.Lock()
		captured = append(captured, capturedRequest{
			method:          method,
			protocolVersion: r.Header.Get(protocolVersionHeader),
			sessionID:       r.Header.Get(sessionIDHeader),
		})
		mu.Unlock()

		id, hasID := req["id"]
		if !hasID {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var result any
		switch method {
		case "initialize":
			w.Header().Set(sessionIDHeader, "sess-1")
			result = map[string]any{
				"protocolVersion": "2025-03-26",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "http-helper", "version": "1.0.0"},
			}
		case "ping":
			result = map[string]any{}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "Echo a message"},
			}}
		case "tools/call":
			params, _ := req["params"].(map[string]any)
			args, _ := params["arguments"].(map[string]any)
			message, _ := args["message"].(string)
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": message}},
			}
			if sseToolCalls {
				resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
				return
			}
		default:
			result = map[string]any{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}))
	t.Cleanup(server.Close)

	snapshot := func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), captured...)
	}
	return server, snapshot
}

func loopbackPolicy() *DestinationPolicy {
	return &DestinationPolicy{AllowedHosts: []string{"127.0.0.1", "::1"}}
}

func TestHTTPTransport_EndToEndWithSessionAndVersionHeaders(t *testing.T) {
	server, requests := newHTTPFixture(t, false)

	transport := newHTTPTransport("remote", config.MCPServerConfig{URL: server.URL}, loopbackPolicy())
	client := NewClient("remote", transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	result, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if got := result.Text(); got != "hi" {
		t.Fatalf("expected echoed %q, got %q", "hi", got)
	}

	var listReq *capturedRequest
	for _, req := range requests() {
		if req.method == "tools/list" {
			captured := req
			listReq = &captured
			break
		}
	}
	if listReq == nil {
		t.Fatal("expected a captured tools/list request")
	}
	if listReq.protocolVersion != "2025-03-26" {
		t.Fatalf("expected negotiated version header, got %q", listReq.protocolVersion)
	}
	if listReq.sessionID != "sess-1" {
		t.Fatalf("expected session id replayed, got %q", listReq.sessionID)
	}
}

func TestHTTPTransport_SSEResponseBody(t *testing.T) {
	server, _ := newHTTPFixture(t, true)

	transport := newHTTPTransport("remote", config.MCPServerConfig{URL: server.URL}, loopbackPolicy())
	client := NewClient("remote", transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	result, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"streamed"}`))
	if err != nil {
		t.Fatalf("CallTool() over SSE error: %v", err)
	}
	if got := result.Text(); got != "streamed" {
		t.Fatalf("expected streamed result, got %q", got)
	}
}

func TestHTTPTransport_RejectsLoopbackWithoutAllowance(t *testing.T) {
	server, _ := newHTTPFixture(t, false)

	transport := newHTTPTransport("remote", config.MCPServerConfig{URL: server.URL}, &DestinationPolicy{})
	err := transport.Connect(context.Background())
	if err == nil {
		t.Fatal("expected loopback destination to be rejected")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "loopback") {
		t.Fatalf("expected loopback classification, got %v", err)
	}
}

func TestHTTPTransport_OversizedResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"pad":%q}}`, strings.Repeat("x", 8*1024))
	}))
	defer server.Close()

	cfg := config.MCPServerConfig{URL: server.URL, MaxFrameBytes: 1024}
	transport := newHTTPTransport("remote", cfg, loopbackPolicy())
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer transport.Close()

	err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: rawID(1), Method: methodPing})
	if err == nil {
		t.Fatal("expected oversized body to be rejected")
	}
	if !errors.Is(err, ErrResourceLimit) {
		t.Fatalf("expected resource limit error, got %v", err)
	}
}

func TestHTTPTransport_ErrorStatusSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	}))
	defer server.Close()

	transport := newHTTPTransport("remote", config.MCPServerConfig{URL: server.URL}, loopbackPolicy())
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer transport.Close()

	err := transport.Send(context.Background(), Message{JSONRPC: jsonRPCVersion, ID: rawID(1), Method: methodPing})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}
