package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nstewart/streamsync/internal/config"
	"github.com/nstewart/streamsync/internal/orchestrate"
)

// NewCheckConfigCommand validates the environment and descriptor file
// without connecting anywhere.
func NewCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate environment and pipeline descriptors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return &exitError{code: orchestrate.ExitConfig, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d pipelines\n", len(cfg.Pipelines))
			for _, d := range cfg.Pipelines {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s key=%s shape=%s\n", d.Name(), d.KeyColumn, d.Shape)
			}
			return nil
		},
	}
}
