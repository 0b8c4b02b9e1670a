package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
	"go.olrik.dev/tether/internal/procgroup"
)

const proxyStateVersion = "1"

// ProxyState records the proxy a daemon launched, so that the next daemon can
// find it if this one dies without tearing it down.
type ProxyState struct {
	Version    string    `json:"version"`
	DaemonPID  int       `json:"daemon_pid"`
	PID        int       `json:"pid"`
	CreateTime int64     `json:"create_time"` // ms since epoch, as reported by the OS
	Executable string    `json:"executable"`
	ConfigPath string    `json:"config_path"`
	StartedAt  time.Time `json:"started_at"`

	// Group is the proxy's kill-on-close container, reclaimed even when the
	// proxy itself is already gone.
	Group *procgroup.Record `json:"group,omitempty"`
}

// SaveProxyState atomically writes the proxy record.
func SaveProxyState(state ProxyState) error {
	state.Version = proxyStateVersion

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal proxy state: %w", err)
	}

	statePath := core.GetProxyStatePath()
	tempPath := statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write proxy state temp file: %w", err)
	}
	if err := os.Rename(tempPath, statePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename proxy state file: %w", err)
	}
	return nil
}

// LoadProxyState returns nil, nil when no record exists.
func LoadProxyState() (*ProxyState, error) {
	data, err := os.ReadFile(core.GetProxyStatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy state file: %w", err)
	}

	var state ProxyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse proxy state file: %w", err)
	}
	if state.Version != proxyStateVersion {
		return nil, fmt.Errorf("unsupported proxy state version: %s (expected %s)", state.Version, proxyStateVersion)
	}
	return &state, nil
}

func RemoveProxyState() error {
	if err := os.Remove(core.GetProxyStatePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove proxy state file: %w", err)
	}
	return nil
}

// recordProxy snapshots the identity of a freshly started proxy.
func recordProxy(pid int, executable, configPath string, startedAt time.Time) ProxyState {
	state := ProxyState{
		DaemonPID:  os.Getpid(),
		PID:        pid,
		Executable: executable,
		ConfigPath: configPath,
		StartedAt:  startedAt,
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if ct, err := p.CreateTime(); err == nil {
			state.CreateTime = ct
		}
	}
	return state
}

// matchesProxyState reports whether the live process p is the one described
// by state and not an unrelated process that reused the pid.
func matchesProxyState(p *process.Process, state *ProxyState) bool {
	if state.CreateTime != 0 {
		ct, err := p.CreateTime()
		if err != nil || ct != state.CreateTime {
			slog.Debug("Recorded proxy pid has a different start time", "pid", state.PID, "recorded", state.CreateTime, "actual", ct)
			return false
		}
	}

	if exe, err := p.Exe(); err == nil && state.Executable != "" {
		if !sameFile(exe, state.Executable) {
			slog.Debug("Recorded proxy pid runs a different executable", "pid", state.PID, "recorded", state.Executable, "actual", exe)
			return false
		}
		return true
	}

	// Exe is not readable for every process on every platform; fall back to
	// the command line, which names the config file.
	cmdline, err := p.CmdlineSlice()
	if err != nil || len(cmdline) == 0 {
		return false
	}
	return filepath.Base(cmdline[0]) == filepath.Base(state.Executable) &&
		slices.ContainsFunc(cmdline, func(arg string) bool { return strings.Contains(arg, state.ConfigPath) })
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	sa, errA := os.Stat(a)
	sb, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(sa, sb)
}

// belongsToProxy reports whether a live member of the recorded group was
// started by the recorded proxy, and not by whoever got its pid or pgid since.
func belongsToProxy(pid int, state *ProxyState) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	ct, err := p.CreateTime()
	if state.CreateTime == 0 || err != nil {
		return pid == state.PID && matchesProxyState(p, state)
	}
	if pid == state.PID {
		// Also holds for a zombie, whose executable is no longer readable.
		return ct == state.CreateTime
	}
	// Descendants of the proxy cannot be older than it.
	return ct >= state.CreateTime
}

// sweepStaleProxy kills what a previous daemon left behind when it died
// without tearing its proxy down: the recorded proxy, the rest of its group
// and stale tether cgroups next to ours. On Linux the proxy itself is usually
// gone already (PR_SET_PDEATHSIG) while its children live on in the group.
// It returns true if something was killed.
func (d *Daemon) sweepStaleProxy() bool {
	killed := d.reclaimRecordedProxy()

	n, err := procgroup.SweepStale()
	if err != nil {
		slog.Warn("Failed to remove stale cgroups", "error", err)
	}
	if n > 0 {
		slog.Warn("Killed processes in stale cgroups", "count", n)
	}
	return killed+n > 0
}

func (d *Daemon) reclaimRecordedProxy() int {
	state, err := LoadProxyState()
	if err != nil {
		slog.Warn("Ignoring unreadable proxy state", "error", err)
		RemoveProxyState()
		return 0
	}
	if state == nil {
		return 0
	}
	defer RemoveProxyState()

	if state.DaemonPID == os.Getpid() {
		return 0
	}

	killed := 0
	if exists, err := process.PidExists(int32(state.PID)); err == nil && exists {
		if p, err := process.NewProcess(int32(state.PID)); err == nil && matchesProxyState(p, state) {
			slog.Warn("Found proxy left behind by a previous daemon, killing it", "pid", state.PID, "config", state.ConfigPath)
			killed += killTree(p)
		}
	}

	if state.Group != nil {
		n, err := procgroup.Reclaim(*state.Group, func(pid int) bool { return belongsToProxy(pid, state) })
		if err != nil {
			slog.Warn("Failed to reclaim the previous proxy's group", "kind", state.Group.Kind, "error", err)
		}
		if n > 0 {
			slog.Warn("Killed processes left in the previous proxy's group", "kind", state.Group.Kind, "count", n)
		}
		killed += n
	}

	if killed == 0 {
		slog.Debug("Recorded proxy is gone", "pid", state.PID)
		return 0
	}

	if d.database != nil {
		details := fmt.Sprintf("left behind by daemon %d, %d process(es) killed", state.DaemonPID, killed)
		if err := d.database.LogProxyEvent(db.EventOrphanKilled, state.PID, state.ConfigPath, details); err != nil {
			slog.Error("Failed to log orphan kill event", "error", err)
		}
	}
	return killed
}

// killTree kills p and its descendants, children first so none is reparented
// away from the walk. Returns the number of processes signalled.
func killTree(p *process.Process) int {
	killed := 0
	if children, err := p.Children(); err == nil {
		for _, child := range children {
			killed += killTree(child)
		}
	}
	if err := p.Kill(); err != nil {
		slog.Debug("Failed to kill process", "pid", p.Pid, "error", err)
		return killed
	}
	return killed + 1
}
