package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tydell/wisp/internal/config"
	"github.com/tydell/wisp/internal/mcp"
)

const mcpProbeTimeout = 8 * time.Second

var mcpProbeServer = probeMCPServer

func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP servers",
	}

	cmd.AddCommand(
		newMCPStatusCmd(),
		newMCPProbeCmd(),
		newMCPDisableCmd(),
	)

	return cmd
}

func newMCPStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show MCP server health",
		RunE:  runMCPStatus,
	}
}

func newMCPProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <server>",
		Short: "Connect to one MCP server and report its capabilities",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPProbe,
	}
}

func newMCPDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <server>",
		Short: "Disable an MCP server in config",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCPDisable,
	}
}

func runMCPStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.MCP.Servers) == 0 {
		fmt.Println("No MCP servers configured.")
		return nil
	}

	fmt.Println("MCP servers:")
	for _, name := range sortedMCPServerNames(cfg.MCP.Servers) {
		serverCfg := cfg.MCP.Servers[name]
		if !config.IsMCPServerEnabled(serverCfg) {
			fmt.Printf("  %s: disabled\n", name)
			continue
		}

		probe, probeErr := probeServerWithTimeout(name, serverCfg)
		if probeErr != nil {
			fmt.Printf("  %s: unreachable (%v)\n", name, probeErr)
			continue
		}
		fmt.Printf("  %s: connected (tools=%d latency=%s)\n", name, len(probe.Info.Tools), probe.Latency.Round(time.Millisecond))
	}

	return nil
}

func runMCPProbe(cmd *cobra.Command, args []string) error {
	serverName := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	serverCfg, ok := cfg.MCP.Servers[serverName]
	if !ok {
		return fmt.Errorf("mcp server not found: %s", serverName)
	}
	if !config.IsMCPServerEnabled(serverCfg) {
		return fmt.Errorf("mcp server %s is disabled in config", serverName)
	}

	probe, err := probeServerWithTimeout(serverName, serverCfg)
	if err != nil {
		return fmt.Errorf("probe %s failed: %w", serverName, err)
	}

	info := probe.Info
	fmt.Printf("MCP server %s:\n", serverName)
	fmt.Printf("  server:    %s %s\n", info.ServerInfo.Name, info.ServerInfo.Version)
	fmt.Printf("  protocol:  %s\n", info.ProtocolVersion)
	fmt.Printf("  latency:   %s\n", probe.Latency.Round(time.Millisecond))
	fmt.Printf("  tools:     %d\n", len(info.Tools))
	for _, tool := range info.Tools {
		fmt.Printf("    - %s\n", tool.Name)
	}
	fmt.Printf("  resources: %d\n", len(info.Resources))
	fmt.Printf("  prompts:   %d\n", len(info.Prompts))
	return nil
}

func runMCPDisable(cmd *cobra.Command, args []string) error {
	serverName := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	serverCfg, ok := cfg.MCP.Servers[serverName]
	if !ok {
		return fmt.Errorf("mcp server not found: %s", serverName)
	}

	disabled := false
	serverCfg.Enabled = &disabled
	cfg.MCP.Servers[serverName] = serverCfg
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("MCP server %s disabled in config.\n", serverName)
	return nil
}

type probeResult struct {
	Info    mcp.ConnectionInfo
	Latency time.Duration
}

func probeServerWithTimeout(serverName string, cfg config.MCPServerConfig) (probeResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mcpProbeTimeout)
	defer cancel()

	return mcpProbeServer(ctx, serverName, cfg)
}

func probeMCPServer(ctx context.Context, serverName string, cfg config.MCPServerConfig) (probeResult, error) {
	reg := mcp.NewRegistry(
		map[string]config.MCPServerConfig{serverName: cfg},
		mcp.DefaultFactories(),
	)
	defer func() {
		_ = reg.CloseAll()
	}()

	info, err := reg.Connect(ctx, serverName, authorizationModeFor(cfg), mcp.SharingShared, "cli")
	if err != nil {
		return probeResult{}, err
	}
	latency, err := reg.Ping(ctx, serverName)
	if err != nil {
		return probeResult{}, err
	}
	return probeResult{Info: info, Latency: latency}, nil
}

func authorizationModeFor(cfg config.MCPServerConfig) mcp.AuthorizationMode {
	if strings.EqualFold(strings.TrimSpace(cfg.Authorization), string(mcp.AuthAskEach)) {
		return mcp.AuthAskEach
	}
	return mcp.AuthPreApproved
}

func sortedMCPServerNames(servers map[string]config.MCPServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
