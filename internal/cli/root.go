// Package cli wires the streamsync commands.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

// NewRootCommand creates the streamsync root command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "streamsync",
		Short:         "Stream view changes into search and broadcast sinks",
		Long:          "streamsync subscribes to differential view streams and keeps a search index and WebSocket clients converged with the upstream engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewCheckConfigCommand())
	return cmd
}

// Execute runs the CLI and maps errors onto process exit codes.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}
