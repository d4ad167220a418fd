package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNormalizeToolArgs(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "{}", false},
		{"   ", "{}", false},
		{`{"a":1}`, `{"a":1}`, false},
		{`  {"a":1}  `, `{"a":1}`, false},
		{"{broken", "", true},
	}
	for _, tc := range cases {
		got, err := normalizeToolArgs(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("normalizeToolArgs(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizeToolArgs(%q): %v", tc.in, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("normalizeToolArgs(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderToolResult(t *testing.T) {
	text, err := renderToolResult(CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: "hello"}},
	})
	if err != nil || text != "hello" {
		t.Fatalf("text result = (%q, %v)", text, err)
	}

	text, err = renderToolResult(CallToolResult{
		StructuredContent: json.RawMessage(`{"rows":3}`),
	})
	if err != nil || text != `{"rows":3}` {
		t.Fatalf("structured result = (%q, %v)", text, err)
	}

	_, err = renderToolResult(CallToolResult{
		IsError: true,
		Content: []ContentBlock{{Type: "text", Text: "disk full"}},
	})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected tool error surfaced, got %v", err)
	}

	text, err = renderToolResult(CallToolResult{
		Content: []ContentBlock{{Type: "image", Data: "deadbeef", MimeType: "image/png"}},
	})
	if err != nil || text == "" {
		t.Fatalf("non-text result = (%q, %v)", text, err)
	}
}

func TestSkillAdapter_Info(t *testing.T) {
	adapter := newSkillAdapter(nil, "files", ToolDescriptor{
		Name:        "read",
		Description: "Read a file",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	})

	if adapter.Name() != "mcp.files.read" {
		t.Fatalf("unexpected skill name %q", adapter.Name())
	}
	info, err := adapter.Info(context.Background())
	if err != nil {
		t.Fatalf("Info() error: %v", err)
	}
	if info.Name != "mcp.files.read" || info.Desc != "Read a file" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Extra["server"] != "files" || info.Extra["tool"] != "read" {
		t.Fatalf("unexpected extra: %+v", info.Extra)
	}
	if _, ok := info.Extra["input_schema"]; !ok {
		t.Fatal("expected input schema in extra")
	}

	// Tool description defaults to the tool name.
	bare := newSkillAdapter(nil, "files", ToolDescriptor{Name: "stat"})
	if bare.Description() != "stat" {
		t.Fatalf("unexpected default description %q", bare.Description())
	}

	if _, err := bare.InvokableRun(context.Background(), "{}"); err == nil {
		t.Fatal("expected run without a registry to fail")
	}
}
