package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.olrik.dev/tether/internal/core"
)

const (
	commandTimeout     = 30 * time.Second
	daemonStartTimeout = 5 * time.Second
	daemonStopTimeout  = 10 * time.Second
	pollInterval       = 100 * time.Millisecond
)

// SendCommand connects to the daemon, sends a command, and returns the response.
func SendCommand(command string) (Response, error) {
	return SendCommandWithTimeout(command, commandTimeout)
}

// SendCommandWithTimeout is SendCommand with a deadline covering the whole
// exchange.
func SendCommandWithTimeout(command string, timeout time.Duration) (Response, error) {
	response := Response{}

	conn, err := net.DialTimeout("unix", core.GetSocketPath(), timeout)
	if err != nil {
		return response, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	bytes, err := io.ReadAll(conn)
	if err != nil {
		return response, fmt.Errorf("failed to read response from daemon: %w", err)
	}
	if err := json.Unmarshal(bytes, &response); err != nil {
		return response, fmt.Errorf("failed to parse response from daemon: %w", err)
	}
	return response, nil
}

// StreamLogs copies the daemon's LOGS stream to w until either side closes.
func StreamLogs(w io.Writer, historyLines int) error {
	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "LOGS %d\n", historyLines); err != nil {
		return fmt.Errorf("failed to send command to daemon: %w", err)
	}
	_, err = io.Copy(w, conn)
	return err
}

func IsDaemonRunning() bool {
	_, err := SendCommandWithTimeout("VERSION", time.Second)
	return err == nil
}

// StartDaemon launches "tether daemon" detached from the caller's session.
// Its stderr goes to a temp file so WaitForDaemon can report early crashes.
func StartDaemon(watchPID int) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to find own executable: %w", err)
	}

	args := []string{"daemon", "--config-path", core.Config.ConfigPath}
	if watchPID > 0 {
		args = append(args, "--watch-pid", strconv.Itoa(watchPID))
	}
	if core.Config.Verbose > 0 {
		args = append(args, "-v")
	}

	stderrFile, err := os.CreateTemp("", "tether-daemon-stderr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon stderr file: %w", err)
	}

	cmd := exec.Command(self, args...)
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		os.Remove(stderrFile.Name())
		return nil, fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug("Daemon process launched", "pid", cmd.Process.Pid)
	return cmd, nil
}

// WaitForDaemon waits until the daemon started by StartDaemon answers on its
// socket, or reports why it died trying.
func WaitForDaemon(cmd *exec.Cmd) error {
	var stderrPath string
	if f, ok := cmd.Stderr.(*os.File); ok {
		stderrPath = f.Name()
		defer func() {
			f.Close()
			os.Remove(stderrPath)
		}()
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(daemonStartTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			msg := fmt.Sprintf("daemon crashed during startup (%v)", err)
			if stderrPath != "" {
				if out, readErr := os.ReadFile(stderrPath); readErr == nil {
					if s := strings.TrimSpace(string(out)); s != "" {
						msg += ": " + s
					}
				}
			}
			return errors.New(msg)
		case <-ticker.C:
			if IsDaemonRunning() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("daemon did not become ready within %s", daemonStartTimeout)
		}
	}
}

// EnsureDaemonIsRunning starts the daemon unless one already answers.
func EnsureDaemonIsRunning() error {
	if IsDaemonRunning() {
		return nil
	}
	slog.Info("Daemon not running, starting it")
	cmd, err := StartDaemon(WatchPIDFromEnv())
	if err != nil {
		return err
	}
	return WaitForDaemon(cmd)
}

// WaitForDaemonStop waits until the daemon no longer answers.
func WaitForDaemonStop() error {
	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if !IsDaemonRunning() {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return fmt.Errorf("daemon still running after %s", daemonStopTimeout)
}

// CheckVersionMismatch returns the running daemon's version when it differs
// from this binary's.
func CheckVersionMismatch() (string, bool) {
	response, err := SendCommandWithTimeout("VERSION", time.Second)
	if err != nil {
		return "", false
	}
	var info VersionData
	if err := response.DecodeData(&info); err != nil || info.Version == "" {
		return "", false
	}
	return info.Version, info.Version != core.Version
}
