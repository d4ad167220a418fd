package commands

import (
	"github.com/spf13/cobra"

	"github.com/tydell/wisp/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wisp",
		Short: "Wisp - MCP host engine",
		Long:  `Wisp connects an agent host to MCP tool servers over stdio or HTTP.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewMCPCmd(),
		NewSkillsCmd(),
		NewVersionCmd(),
	)

	return cmd
}
