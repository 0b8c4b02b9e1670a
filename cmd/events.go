package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.olrik.dev/tether/internal/daemon"
)

func NewEventsCommand() *cobra.Command {
	var limit int

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent proxy and daemon events",
		Long: `Show the most recent proxy and daemon lifecycle events from the event log,
oldest first. Unexpected exits, failed starts and proxies that were started
without a resource group are all recorded here.`,
		Aliases: []string{"history"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(fmt.Sprintf("EVENTS %d", limit))
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			if response.HasErrors() {
				response.LogMessages()
				os.Exit(1)
			}
			var data daemon.EventsData
			if err := response.DecodeData(&data); err != nil {
				slog.Error(fmt.Sprintf("Invalid events from daemon: %v", err))
				os.Exit(1)
			}
			writeEvents(os.Stdout, data)
		},
	}
	eventsCmd.Flags().IntVarP(&limit, "number", "n", 20, "Number of events of each kind to show")

	return eventsCmd
}

type eventLine struct {
	at   time.Time
	text string
}

// writeEvents merges proxy and daemon events into one timeline.
func writeEvents(w io.Writer, data daemon.EventsData) {
	lines := make([]eventLine, 0, len(data.Proxy)+len(data.Daemon))
	for _, e := range data.Proxy {
		text := fmt.Sprintf("proxy  %-14s", e.EventType)
		if e.Pid > 0 {
			text += fmt.Sprintf(" pid=%d", e.Pid)
		}
		if e.ConfigPath != "" {
			text += " profile=" + profileName(e.ConfigPath)
		}
		if e.Details != "" {
			text += " " + e.Details
		}
		lines = append(lines, eventLine{at: e.Timestamp, text: text})
	}
	for _, e := range data.Daemon {
		text := fmt.Sprintf("daemon %-14s", e.EventType)
		if e.Details != "" {
			text += " " + e.Details
		}
		lines = append(lines, eventLine{at: e.Timestamp, text: text})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].at.Before(lines[j].at) })

	if len(lines) == 0 {
		fmt.Fprintln(w, "No events recorded")
		return
	}
	for _, l := range lines {
		fmt.Fprintf(w, "%s  %s\n", l.at.Local().Format(time.DateTime), strings.TrimRight(l.text, " "))
	}
}
