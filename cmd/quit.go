package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit", "shutdown"},
		Short:   "Stop the proxy and shut down the daemon",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn(fmt.Sprintf("Stop command was sent, but %v", err))
				return
			}
			slog.Debug("Daemon shutdown confirmed")
		},
	}
}
