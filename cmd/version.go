package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and daemon (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand("VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Daemon: not running")
				return
			}
			var info daemon.VersionData
			if err := response.DecodeData(&info); err != nil || info.Version == "" {
				fmt.Fprintln(os.Stderr, "Daemon version: unknown")
				return
			}

			daemonFormatted := core.FormatVersion(info.Version)
			fmt.Fprintf(os.Stderr, "Daemon version: %s (PID %d)\n", daemonFormatted, info.PID)
			if info.Version != core.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and daemon %s versions differ. Consider 'tether restart'.", clientFormatted, daemonFormatted))
			}
		},
	}
}
