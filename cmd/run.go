package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/daemon"
	"go.olrik.dev/tether/internal/supervisor"
)

const runPollInterval = 500 * time.Millisecond

func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [profile]",
		Short: "Run the proxy in the foreground",
		Long: `Run the proxy in the foreground without the daemon, until Ctrl+C or until
the proxy exits. The proxy is torn down together with tether, even if tether
itself is killed. On Linux, processes the proxy started on its own can outlive
a killed tether; use the daemon when that matters.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			if err := core.EnsureDefaultConfigExists(); err != nil {
				slog.Warn(fmt.Sprintf("Failed to write default profile: %v", err))
			}
			configPath := core.CurrentConfigPath()
			if len(args) == 1 {
				path, err := core.ResolveProfile(args[0])
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				configPath = path
			}
			if daemon.IsDaemonRunning() {
				slog.Warn("The tether daemon is running too, its proxy may hold the same ports")
			}

			os.Exit(runForeground(configPath))
		},
	}
}

// runForeground supervises the proxy until a signal arrives or the proxy
// exits, and returns the process exit code.
func runForeground(configPath string) int {
	sup, err := daemon.NewProxySupervisor(core.Config.Proxy,
		supervisor.WithWarningHandler(func(w *supervisor.GroupWarning) {
			slog.Warn(fmt.Sprintf("Proxy is not guarded and may outlive tether: %v", w.Err))
		}),
	)
	if err != nil {
		slog.Error(err.Error())
		return 1
	}
	defer sup.Dispose()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := sup.Start(configPath); err != nil {
		slog.Error(fmt.Sprintf("Failed to start proxy: %v", err))
		return 1
	}
	slog.Info(fmt.Sprintf("Proxy started (PID %d) with %s. Press Ctrl+C to stop.", sup.Pid(), profileName(configPath)))

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	for {
		select {
		case sig := <-sigChan:
			slog.Info("Stopping proxy", "signal", sig.String())
			sup.Stop()
			return 0
		case <-ticker.C:
			if sup.IsRunning() {
				continue
			}
			// Reap it so the exit code is known
			sup.Stop()
			status := sup.Status()
			if status.ExitCode != nil && *status.ExitCode != 0 {
				slog.Error(fmt.Sprintf("Proxy exited with code %d", *status.ExitCode))
				return *status.ExitCode
			}
			slog.Info("Proxy exited")
			return 0
		}
	}
}
