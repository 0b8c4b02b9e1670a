package cmd

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
)

func NewLogsCommand() *cobra.Command {
	var lines int
	var filter string

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream daemon logs in real-time",
		Long: `Stream daemon logs in real-time. Press Ctrl+C to exit.

The level of detail is decided by the daemon's verbosity, set with 'verbose'
in tether.hcl.

Examples:
  tether logs             # Recent history, then live lines
  tether logs -n 100      # Show 100 history lines on connect
  tether logs -F proxy    # Only lines mentioning "proxy"

Automatically reconnects if the daemon is restarted.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !daemon.IsDaemonRunning() {
				slog.Error("Daemon is not running. Use 'tether start' to start it.")
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			out := newLineFilter(os.Stdout, filter)
			history := lines
			for {
				done := make(chan error, 1)
				go func() { done <- daemon.StreamLogs(out, history) }()

				select {
				case <-sigChan:
					fmt.Println("\nDisconnected from daemon logs.")
					return
				case err := <-done:
					if err != nil {
						slog.Debug("Log stream ended", "error", err)
					}
				}

				fmt.Println("Connection lost. Reconnecting...")
				if !waitForReconnect(sigChan) {
					fmt.Println("Daemon not available. Exiting.")
					return
				}
				// Lines from before the restart were already shown
				history = 0
			}
		},
	}

	logsCmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of history lines to show on connect")
	logsCmd.Flags().StringVarP(&filter, "filter", "F", "", "Only show lines containing this keyword (case-insensitive)")

	return logsCmd
}

// waitForReconnect waits up to five seconds for the daemon to come back.
func waitForReconnect(sigChan <-chan os.Signal) bool {
	for range 10 {
		select {
		case <-sigChan:
			return false
		case <-time.After(500 * time.Millisecond):
		}
		if daemon.IsDaemonRunning() {
			return true
		}
	}
	return false
}

// lineFilter passes through only complete lines that contain keyword.
type lineFilter struct {
	w       io.Writer
	keyword string
	partial []byte
}

func newLineFilter(w io.Writer, keyword string) *lineFilter {
	return &lineFilter{w: w, keyword: strings.ToLower(keyword)}
}

func (f *lineFilter) Write(p []byte) (int, error) {
	if f.keyword == "" {
		return f.w.Write(p)
	}

	f.partial = append(f.partial, p...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := f.partial[:i+1]
		if strings.Contains(strings.ToLower(string(line)), f.keyword) {
			if _, err := f.w.Write(line); err != nil {
				return 0, err
			}
		}
		f.partial = f.partial[i+1:]
	}
	return len(p), nil
}
