package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
)

func NewDaemonCommand() *cobra.Command {
	var watchPID int

	daemonCmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the tether daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.New(watchPID).Run()
		},
	}
	daemonCmd.Flags().IntVar(&watchPID, "watch-pid", daemon.WatchPIDFromEnv(),
		"shut down when this process exits (defaults to $"+daemon.WatchPIDEnv+")")

	return daemonCmd
}
