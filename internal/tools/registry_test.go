package tools

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// Mock tool for testing
type mockTool struct {
	name string
}

func (m *mockTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: m.name,
		Desc: "A mock tool for testing",
	}, nil
}

func (m *mockTool) InvokableRun(ctx context.Context, args string, opts ...tool.Option) (string, error) {
	return "mock result", nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&mockTool{name: "mock_tool"})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	found, ok := reg.Get("mock_tool")
	if !ok {
		t.Fatal("expected to find mock_tool")
	}
	if found == nil {
		t.Fatal("tool is nil")
	}

	result, err := found.InvokableRun(context.Background(), "{}")
	if err != nil {
		t.Fatalf("InvokableRun error: %v", err)
	}
	if result != "mock result" {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&mockTool{name: "mock_tool"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := reg.Register(&mockTool{name: "mock_tool"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistry_RejectsUnnamedTool(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&mockTool{}); err == nil {
		t.Fatal("expected unnamed tool to be rejected")
	}
}

func TestRegistry_RemoveAndNames(t *testing.T) {
	reg := NewRegistry()

	for _, name := range []string{"zeta", "alpha"} {
		if err := reg.Register(&mockTool{name: name}); err != nil {
			t.Fatalf("Register(%s) error: %v", name, err)
		}
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("expected sorted names, got %v", names)
	}
	if len(reg.List()) != 2 {
		t.Fatalf("expected 2 tools listed")
	}

	reg.Remove("alpha")
	if _, ok := reg.Get("alpha"); ok {
		t.Fatal("expected alpha to be removed")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "zeta" {
		t.Fatalf("expected only zeta left, got %v", names)
	}
}
