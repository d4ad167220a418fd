package commands

import (
	"strings"
	"testing"

	"github.com/tydell/wisp/internal/config"
)

func TestSkills_NoServersEnabled(t *testing.T) {
	prepareWorkspace(t)

	output := captureOutput(t, func() {
		if err := runSkills(nil, nil); err != nil {
			t.Fatalf("runSkills: %v", err)
		}
	})
	if !strings.Contains(output, "No MCP servers enabled") {
		t.Fatalf("expected empty-state output, got: %s", output)
	}
}

func TestSkills_ReportsUnreachableServer(t *testing.T) {
	prepareWorkspace(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"broken": {
			Transport: "stdio",
			Command:   "wisp-no-such-binary-for-tests",
		},
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("config.Save: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runSkills(nil, nil); err != nil {
			t.Fatalf("runSkills: %v", err)
		}
	})
	if !strings.Contains(output, "unreachable") {
		t.Fatalf("expected unreachable server reported, got: %s", output)
	}
	if !strings.Contains(output, "No skills available") {
		t.Fatalf("expected empty skill list, got: %s", output)
	}
}
