package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/daemon"
)

func NewConfigsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "configs",
		Aliases: []string{"profiles", "ls"},
		Short:   "List proxy profiles",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var data daemon.ConfigsData

			response, err := daemon.SendCommand("CONFIGS")
			if err == nil {
				if err := response.DecodeData(&data); err != nil {
					slog.Error(fmt.Sprintf("Invalid profile list from daemon: %v", err))
					os.Exit(1)
				}
			} else {
				// The profile directory is readable without the daemon
				if err := core.EnsureDefaultConfigExists(); err != nil {
					slog.Warn(fmt.Sprintf("Failed to write default profile: %v", err))
				}
				configs, err := core.AvailableConfigs()
				if err != nil {
					slog.Error(fmt.Sprintf("Failed to list profiles: %v", err))
					os.Exit(1)
				}
				data = daemon.ConfigsData{Current: core.CurrentConfigPath(), Configs: configs}
			}

			if len(data.Configs) == 0 {
				slog.Warn(fmt.Sprintf("No profiles found in %s", core.ConfigDir()))
				return
			}
			writeConfigs(os.Stdout, data)
		},
	}
}

// writeConfigs prints one profile per line, marking the current one.
func writeConfigs(w io.Writer, data daemon.ConfigsData) {
	for _, path := range data.Configs {
		marker := " "
		if path == data.Current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-20s %s\n", marker, profileName(path), path)
	}
}
