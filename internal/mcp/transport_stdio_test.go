package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/tydell/wisp/internal/config"
)

func helperServerConfig(extraEnv map[string]string) config.MCPServerConfig {
	env := map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	for key, value := range extraEnv {
		env[key] = value
	}
	return config.MCPServerConfig{
		Transport: "stdio",
		Command:   os.Args[0],
		Args:      []string{"-test.run=TestStdioHelperProcess", "--", "mcp-stdio-helper"},
		Env:       env,
	}
}

func TestStdioTransport_EndToEnd(t *testing.T) {
	transport := newStdioTransport("helper", helperServerConfig(nil))
	client := NewClient("helper", transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	if got := client.ServerInfo().Name; got != "stdio-helper" {
		t.Fatalf("unexpected server name %q", got)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "echo" || tools[1].Name != "shout" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	result, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("CallTool(echo) error: %v", err)
	}
	if got := result.Text(); got != "hi" {
		t.Fatalf("expected echoed %q, got %q", "hi", got)
	}

	result, err = client.CallTool(context.Background(), "shout", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("CallTool(shout) error: %v", err)
	}
	if got := result.Text(); got != "HI" {
		t.Fatalf("expected shouted %q, got %q", "HI", got)
	}

	if _, err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{}`)); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error after close, got %v", err)
	}
}

func TestStdioTransport_OversizedFrameFailsCall(t *testing.T) {
	cfg := helperServerConfig(map[string]string{"MCP_HELPER_BIG_FRAME": "1"})
	cfg.MaxFrameBytes = 64 * 1024

	transport := newStdioTransport("helper", cfg)
	client := NewClient("helper", transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	_, err := client.CallTool(context.Background(), "echo", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected oversized response frame to fail the call")
	}
	if !errors.Is(err, ErrResourceLimit) {
		t.Fatalf("expected resource limit error, got %v", err)
	}
}

func TestStdioTransport_EnvAllowlist(t *testing.T) {
	t.Setenv("WISP_TEST_LEAK", "should-not-cross")

	transport := newStdioTransport("helper", helperServerConfig(map[string]string{
		"MCP_HELPER_TOKEN": "crosses",
	}))
	client := NewClient("helper", transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer client.Close()

	readEnv := func(name string) string {
		t.Helper()
		result, err := client.CallTool(context.Background(), "getenv",
			json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)))
		if err != nil {
			t.Fatalf("CallTool(getenv %s) error: %v", name, err)
		}
		return result.Text()
	}

	if got := readEnv("WISP_TEST_LEAK"); got != "" {
		t.Fatalf("host-only variable crossed into the subprocess: %q", got)
	}
	if got := readEnv("MCP_HELPER_TOKEN"); got != "crosses" {
		t.Fatalf("configured variable missing in subprocess: %q", got)
	}
	if got := readEnv("PATH"); got == "" {
		t.Fatal("expected allow-listed PATH to be forwarded")
	}
}

func TestStdioTransport_SpawnFailure(t *testing.T) {
	transport := newStdioTransport("missing", config.MCPServerConfig{
		Transport: "stdio",
		Command:   "wisp-no-such-binary-for-tests",
	})
	err := transport.Connect(context.Background())
	if err == nil {
		t.Fatal("expected spawn to fail")
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !strings.Contains(err.Error(), "command not found") {
		t.Fatalf("expected not-found classification, got %v", err)
	}
}

func TestBuildSubprocessEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("WISP_TEST_LEAK", "oops")

	env := buildSubprocessEnv(map[string]string{"EXTRA": "1", "PATH": "/override"})

	got := map[string]string{}
	for _, item := range env {
		key, value, _ := strings.Cut(item, "=")
		got[key] = value
	}
	if got["EXTRA"] != "1" {
		t.Fatalf("expected override EXTRA=1, got %q", got["EXTRA"])
	}
	if got["PATH"] != "/override" {
		t.Fatalf("expected override to win over allowlist, got PATH=%q", got["PATH"])
	}
	if _, leaked := got["WISP_TEST_LEAK"]; leaked {
		t.Fatal("non-allow-listed variable leaked into subprocess env")
	}
}

func TestStdioHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	isHelper := false
	for _, arg := range os.Args {
		if arg == "mcp-stdio-helper" {
			isHelper = true
			break
		}
	}
	if !isHelper {
		return
	}

	runStdioHelper()
	os.Exit(0)
}

// runStdioHelper is a minimal newline-delimited JSON-RPC server driven over
// the test binary's stdio.
func runStdioHelper() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	out := os.Stdout

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		method, _ := req["method"].(string)
		id, hasID := req["id"]
		if !hasID {
			continue
		}

		var result any
		switch method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2025-03-26",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": "stdio-helper", "version": "1.0.0"},
			}
		case "ping":
			result = map[string]any{}
		case "tools/list":
			result = map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "Echo a message"},
				{"name": "shout", "description": "Uppercase a message"},
			}}
		case "tools/call":
			if os.Getenv("MCP_HELPER_BIG_FRAME") == "1" {
				fmt.Fprintln(out, strings.Repeat("x", 256*1024))
				continue
			}
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": helperToolText(req)}},
			}
		default:
			resp, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
			fmt.Fprintf(out, "%s\n", resp)
			continue
		}

		resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
		fmt.Fprintf(out, "%s\n", resp)
	}
}

func helperToolText(req map[string]any) string {
	params, _ := req["params"].(map[string]any)
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	switch name {
	case "echo":
		message, _ := args["message"].(string)
		return message
	case "shout":
		message, _ := args["message"].(string)
		return strings.ToUpper(message)
	case "getenv":
		envName, _ := args["name"].(string)
		return os.Getenv(envName)
	default:
		return "unknown tool: " + name
	}
}
