package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start [profile]",
		Short: "Start the proxy",
		Long: `Start the proxy engine with the given profile, or with the current profile
when none is given. The daemon is started in the background first if it is not
already running.

A profile is either a name from the config directory (with or without its
.yaml extension) or a path to a config file.`,
		Aliases:           []string{"up"},
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			if err := daemon.EnsureDaemonIsRunning(); err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				os.Exit(1)
			}
			warnOnVersionMismatch()

			command := "PROXY_START"
			if len(args) == 1 {
				command += " " + profileArg(args[0])
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Error(fmt.Sprintf("Could not connect to daemon: %v", err))
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}
}

// warnOnVersionMismatch logs a warning when the running daemon was built from
// a different version than this binary.
func warnOnVersionMismatch() {
	if version, mismatch := daemon.CheckVersionMismatch(); mismatch {
		slog.Warn(fmt.Sprintf("Daemon is running version %s, consider 'tether restart'", version))
	}
}

// profileArg makes a path argument absolute before it is sent to the daemon,
// whose working directory is not ours. Bare profile names pass through.
func profileArg(arg string) string {
	if filepath.IsAbs(arg) || !strings.ContainsRune(arg, filepath.Separator) {
		return arg
	}
	if abs, err := filepath.Abs(arg); err == nil {
		return abs
	}
	return arg
}
