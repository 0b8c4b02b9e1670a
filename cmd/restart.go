package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
	"go.olrik.dev/tether/internal/supervisor"
)

func NewRestartCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the tether daemon",
		Long: `Restart the tether daemon, for example after upgrading tether.

The proxy is stopped together with the old daemon. If it was running, it is
started again by the new daemon with the same profile.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				if !quiet {
					slog.Error("Daemon is not running. Use 'tether start' instead.")
				}
				os.Exit(1)
			}
			var status daemon.StatusData
			if err := response.DecodeData(&status); err != nil {
				slog.Debug("Could not decode daemon status", "error", err)
			}
			resume := ""
			if status.Proxy.State == supervisor.StateRunning.String() {
				resume = status.Proxy.ConfigPath
			}

			if !quiet {
				slog.Info("Restarting daemon...")
			}
			if _, err := daemon.SendCommand("STOP"); err != nil {
				slog.Error(fmt.Sprintf("Failed to stop daemon: %v", err))
				os.Exit(1)
			}
			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Error(fmt.Sprintf("Daemon did not stop: %v", err))
				os.Exit(1)
			}

			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				os.Exit(1)
			}
			if !quiet {
				slog.Info("Daemon restarted")
			}

			if resume == "" {
				return
			}
			response, err = daemon.SendCommand("PROXY_START " + resume)
			if err != nil {
				slog.Error(fmt.Sprintf("Could not connect to daemon: %v", err))
				os.Exit(1)
			}
			if !quiet || response.HasErrors() {
				response.LogMessages()
			}
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
