package daemon

import (
	"log/slog"
	"sync"
	"time"
)

// SleepMonitor reports system sleep and wake transitions. Start is platform
// specific and a no-op where no notification source is available.
type SleepMonitor struct {
	mu       sync.Mutex
	sleeping bool
	sleptAt  time.Time
	logger   *slog.Logger
	onSleep  func()
	onWake   func(slept time.Duration)
}

// NewSleepMonitor returns a monitor calling onSleep and onWake on
// transitions. Either callback may be nil.
func NewSleepMonitor(logger *slog.Logger, onSleep func(), onWake func(slept time.Duration)) *SleepMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SleepMonitor{
		logger:  logger,
		onSleep: onSleep,
		onWake:  onWake,
	}
}

func (m *SleepMonitor) markSleep() {
	m.mu.Lock()
	if m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = true
	m.sleptAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("System entering sleep")
	if m.onSleep != nil {
		m.onSleep()
	}
}

func (m *SleepMonitor) markWake() {
	m.mu.Lock()
	if !m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = false
	slept := time.Since(m.sleptAt)
	m.mu.Unlock()

	m.logger.Info("System waking up", "slept", slept.Round(time.Second).String())
	if m.onWake != nil {
		m.onWake(slept)
	}
}

// IsSleeping returns true if the system is currently marked as sleeping.
func (m *SleepMonitor) IsSleeping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sleeping
}

// logWake reports whether the proxy survived the sleep. The proxy is left
// alone either way.
func (d *Daemon) logWake(slept time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sup == nil || !d.sup.IsRunning() {
		return
	}
	st := d.sup.Status()
	slog.Info("Proxy still running after wake",
		"pid", st.Pid,
		"config", st.ConfigPath,
		"slept", slept.Round(time.Second).String())
}
