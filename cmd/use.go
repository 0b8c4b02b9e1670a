package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/daemon"
)

func NewUseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "use <profile>",
		Short: "Switch to another proxy profile",
		Long: `Make <profile> the current profile. If the proxy is running it is restarted
with the new profile.

Without a running daemon the choice is only recorded, and is used the next
time the proxy starts.`,
		Aliases:           []string{"switch"},
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("PROXY_SWITCH " + profileArg(args[0]))
			if err != nil {
				// No daemon, so nobody else is writing the profile state
				path, err := core.ResolveProfile(args[0])
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				if err := core.SetCurrentConfigPath(path); err != nil {
					slog.Error(fmt.Sprintf("Failed to switch profile: %v", err))
					os.Exit(1)
				}
				slog.Info(fmt.Sprintf("Switched to profile %s", profileName(path)))
				return
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}
}
