package daemon

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// WatchPIDEnv names the environment variable carrying the pid to watch when
// --watch-pid is not given.
const WatchPIDEnv = "TETHER_WATCH_PID"

const parentPollInterval = 2 * time.Second

// ParentMonitor calls onDeath once when the watched process goes away.
// A tray or other controller uses it so that the daemon, and with it the
// proxy, never outlives its owner.
type ParentMonitor struct {
	monitoredPID int
	interval     time.Duration
	onDeath      func(pid int)
	logger       *slog.Logger
}

// NewParentMonitor returns nil when pid is not positive.
func NewParentMonitor(pid int, onDeath func(pid int)) *ParentMonitor {
	if pid <= 0 {
		return nil
	}
	return &ParentMonitor{
		monitoredPID: pid,
		interval:     parentPollInterval,
		onDeath:      onDeath,
		logger:       slog.Default(),
	}
}

// WatchPIDFromEnv reads WatchPIDEnv, returning 0 when unset or invalid.
func WatchPIDFromEnv() int {
	pid, err := strconv.Atoi(os.Getenv(WatchPIDEnv))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Start arms the kernel parent-death signal when the watched process is our
// real parent, and polls for its existence in every case.
func (pm *ParentMonitor) Start(ctx context.Context) {
	pm.logger.Info("Watching controller process", "pid", pm.monitoredPID, "daemon_ppid", os.Getppid())

	if pm.monitoredPID == os.Getppid() {
		if err := pm.setupParentDeathSignal(); err != nil {
			pm.logger.Warn("Failed to set up parent death signal, relying on polling", "error", err)
		}
	}

	go pm.poll(ctx)
}

func (pm *ParentMonitor) poll(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pm.alive() {
				continue
			}
			pm.logger.Info("Controller process is gone", "pid", pm.monitoredPID)
			pm.onDeath(pm.monitoredPID)
			return
		}
	}
}

func (pm *ParentMonitor) alive() bool {
	exists, err := process.PidExists(int32(pm.monitoredPID))
	if err != nil {
		// Can't tell; keep running rather than tear the proxy down.
		pm.logger.Debug("Failed to check controller process", "pid", pm.monitoredPID, "error", err)
		return true
	}
	if !exists {
		return false
	}
	p, err := process.NewProcess(int32(pm.monitoredPID))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
