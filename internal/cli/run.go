package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nstewart/streamsync/internal/config"
	"github.com/nstewart/streamsync/internal/logging"
	"github.com/nstewart/streamsync/internal/orchestrate"
)

// NewRunCommand starts the pipelines and serves until interrupted.
func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every configured pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(os.Stdout)

			cfg, err := config.FromEnv()
			if err != nil {
				logger.Error().Err(err).Msg("configuration invalid")
				return &exitError{code: orchestrate.ExitConfig, err: err}
			}

			orch, err := orchestrate.New(cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("startup failed")
				return &exitError{code: orchestrate.ExitConfig, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().Int("pipelines", len(cfg.Pipelines)).Msg("starting")
			if code := orch.Run(ctx); code != orchestrate.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
}
