package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tydell/wisp/internal/config"
	"github.com/tydell/wisp/internal/mcp"
)

const skillsConnectTimeout = 15 * time.Second

func NewSkillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List tools exposed by connected MCP servers",
		RunE:  runSkills,
	}
}

func runSkills(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	enabled := map[string]config.MCPServerConfig{}
	for name, serverCfg := range cfg.MCP.Servers {
		if config.IsMCPServerEnabled(serverCfg) {
			enabled[name] = serverCfg
		}
	}
	if len(enabled) == 0 {
		fmt.Println("No MCP servers enabled.")
		return nil
	}

	reg := mcp.NewRegistry(enabled, mcp.DefaultFactories())
	defer func() {
		_ = reg.CloseAll()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), skillsConnectTimeout)
	defer cancel()

	for _, name := range reg.ServerNames() {
		if _, err := reg.Connect(ctx, name, authorizationModeFor(enabled[name]), mcp.SharingShared, "cli"); err != nil {
			fmt.Printf("  %s: unreachable (%v)\n", name, err)
		}
	}

	skills := reg.Skills("cli")
	if len(skills) == 0 {
		fmt.Println("No skills available.")
		return nil
	}

	fmt.Println("Skills:")
	for _, skill := range skills {
		desc := skill.Description()
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Printf("  %s: %s\n", skill.Name(), desc)
	}
	return nil
}
