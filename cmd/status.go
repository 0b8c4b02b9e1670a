package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"go.olrik.dev/tether/internal/daemon"
	"go.olrik.dev/tether/internal/supervisor"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show proxy and daemon status",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			format, _ := cmd.Flags().GetString("format")
			if format != "text" && format != "json" {
				slog.Error(fmt.Sprintf("Unknown format %q, use text or json", format))
				os.Exit(1)
			}

			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("Proxy is not running (daemon is not running).")
				return
			}
			var status daemon.StatusData
			if err := response.DecodeData(&status); err != nil {
				slog.Error(fmt.Sprintf("Invalid status from daemon: %v", err))
				os.Exit(1)
			}

			switch format {
			case "text":
				color := term.IsTerminal(int(os.Stdout.Fd()))
				writeStatus(os.Stdout, status, time.Now(), color)
			case "json":
				out, _ := json.MarshalIndent(status, "", "  ")
				fmt.Println(string(out))
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")

	return statusCmd
}

// writeStatus renders the STATUS payload for a terminal.
func writeStatus(w io.Writer, s daemon.StatusData, now time.Time, color bool) {
	paint := func(code, text string) string {
		if !color {
			return text
		}
		return code + text + ansiReset
	}

	proxy := s.Proxy
	state := proxy.State
	switch state {
	case supervisor.StateRunning.String():
		state = paint(ansiGreen, state)
	case supervisor.StateFailed.String():
		state = paint(ansiRed, state)
	}

	fmt.Fprintf(w, "Proxy:    %s", state)
	if proxy.Pid > 0 && proxy.State == supervisor.StateRunning.String() {
		fmt.Fprintf(w, " (PID: %d", proxy.Pid)
		if !proxy.StartedAt.IsZero() {
			fmt.Fprintf(w, ", Age: %s", now.Sub(proxy.StartedAt).Round(time.Second))
		}
		fmt.Fprint(w, ")")
	}
	if proxy.ExitCode != nil && proxy.State != supervisor.StateRunning.String() {
		fmt.Fprintf(w, " (exit code %d)", *proxy.ExitCode)
	}
	fmt.Fprintln(w)

	if proxy.State == supervisor.StateRunning.String() {
		if proxy.Guarded {
			fmt.Fprintf(w, "Guard:    %s\n", proxy.GroupKind)
		} else {
			fmt.Fprintf(w, "Guard:    %s\n", paint(ansiYellow, "none, the proxy may outlive tether"))
		}
	}
	if proxy.Warning != "" {
		fmt.Fprintf(w, "Warning:  %s\n", paint(ansiYellow, proxy.Warning))
	}
	if proxy.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", paint(ansiRed, proxy.LastError))
	}

	profile := s.Profile
	if proxy.ConfigPath != "" && proxy.ConfigPath != s.Profile {
		profile = fmt.Sprintf("%s %s", s.Profile, paint(ansiDim, "[running "+filepath.Base(proxy.ConfigPath)+"]"))
	}
	fmt.Fprintf(w, "Profile:  %s\n", profile)
	if proxy.Executable != "" {
		fmt.Fprintf(w, "Engine:   %s\n", proxy.Executable)
	}
	if s.API != nil {
		fmt.Fprintf(w, "API:      %s\n", s.API.BaseURL)
		fmt.Fprintf(w, "Panel:    %s\n", s.API.DashboardURL)
	}

	daemonLine := fmt.Sprintf("PID: %d, Uptime: %s", s.DaemonPID, s.DaemonUptime)
	if s.DaemonWatchPID > 0 {
		daemonLine += fmt.Sprintf(", Watching: %d", s.DaemonWatchPID)
	}
	fmt.Fprintf(w, "Daemon:   %s\n", paint(ansiDim, daemonLine))
}

// profileName strips the directory and extension from a profile path.
func profileName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
