package cmd

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/daemon"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Tether - proxy engine supervisor",
		Long: `Tether runs a Clash/mihomo compatible proxy engine and makes sure it never
outlives its controller. The engine is placed in a kill-on-close resource group
(a job object on Windows, a cgroup or process group on Linux). On Windows the
kernel tears the group down even when the controller is killed. On Linux the
engine dies with its controller, and whatever it started is killed by the next
daemon that comes up.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.InitializeConfig(configPath)
			if err != nil {
				return err
			}
			if verbose > cfg.Verbose {
				cfg.Verbose = verbose
			}
			slog.SetDefault(slog.New(daemon.NewLogHandler(os.Stderr, daemon.LogLevel(cfg.Verbose))))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", filepath.Join(homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewDaemonCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewQuitCommand(),
		NewStatusCommand(),
		NewUseCommand(),
		NewConfigsCommand(),
		NewEventsCommand(),
		NewLogsCommand(),
		NewVersionCommand(),
		NewRunCommand(),
	)

	return rootCmd
}
