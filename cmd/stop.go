package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Short:   "Stop the proxy",
		Long:    `Stop the proxy engine and everything it spawned. The daemon keeps running.`,
		Aliases: []string{"down"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			warnOnVersionMismatch()

			response, err := daemon.SendCommand("PROXY_STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}
}
