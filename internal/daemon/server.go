package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/tether/internal/core"
	"go.olrik.dev/tether/internal/db"
	"go.olrik.dev/tether/internal/launch"
	"go.olrik.dev/tether/internal/supervisor"
)

const (
	defaultEventLimit = 20
	defaultLogLines   = 20
	exitPollInterval  = 500 * time.Millisecond
	reloadDebounce    = 500 * time.Millisecond
)

// Daemon owns the proxy supervisor and serves the control socket.
type Daemon struct {
	mu            sync.Mutex // serializes proxy lifecycle commands
	sup           *supervisor.Supervisor
	newSupervisor func() (*supervisor.Supervisor, error)
	// reloaded replaces core.Config once tether.hcl changes. core.Config
	// itself is only written before the daemon starts serving.
	reloaded *core.Configuration

	watchPID      int
	listener      net.Listener
	shutdownOnce  sync.Once
	logBroadcast  *LogBroadcaster
	database      *db.DB
	parentMonitor *ParentMonitor
	startedAt     time.Time
	exit          func(code int)
	ctx           context.Context
	cancelFunc    context.CancelFunc
}

// StatusData is the payload of STATUS.
type StatusData struct {
	Proxy          supervisor.Status `json:"proxy"`
	Profile        string            `json:"profile"`
	API            *core.APIDetails  `json:"api,omitempty"`
	DaemonPID      int               `json:"daemon_pid"`
	DaemonUptime   string            `json:"daemon_uptime"`
	DaemonWatchPID int               `json:"daemon_watch_pid,omitempty"`
}

type VersionData struct {
	Version  string `json:"version"`
	PID      int    `json:"pid"`
	WatchPID int    `json:"watch_pid,omitempty"`
}

type ConfigsData struct {
	Current string   `json:"current"`
	Configs []string `json:"configs"`
}

type EventsData struct {
	Proxy  []db.ProxyEvent  `json:"proxy"`
	Daemon []db.DaemonEvent `json:"daemon"`
}

// New returns a daemon. watchPID, when positive, names a controller process
// whose death shuts the daemon down.
func New(watchPID int) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		watchPID:     watchPID,
		logBroadcast: NewLogBroadcaster(core.Config.Daemon.LogHistory),
		startedAt:    time.Now(),
		exit:         os.Exit,
		ctx:          ctx,
		cancelFunc:   cancel,
	}
	d.newSupervisor = d.buildSupervisor
	return d
}

// configLocked returns the configuration in effect. Callers hold d.mu.
func (d *Daemon) configLocked() *core.Configuration {
	if d.reloaded != nil {
		return d.reloaded
	}
	return core.Config
}

// buildSupervisor creates a supervisor from the current configuration, so
// that edits to tether.hcl apply at the next start. It runs with d.mu held.
func (d *Daemon) buildSupervisor() (*supervisor.Supervisor, error) {
	return NewProxySupervisor(d.configLocked().Proxy, supervisor.WithWarningHandler(d.onGroupWarning))
}

// NewProxySupervisor returns a supervisor for the proxy described by cfg.
// Profiles are read from core.ConfigDir(), which is added to the proxy's
// safe paths.
func NewProxySupervisor(cfg core.ProxyConfig, opts ...supervisor.Option) (*supervisor.Supervisor, error) {
	policy, err := supervisor.ParseGroupPolicy(cfg.GroupPolicy)
	if err != nil {
		return nil, err
	}

	executable, err := core.LocateExecutable(cfg.Executable)
	if err != nil {
		// Let Start report it as a not-found error with the path we tried.
		slog.Debug("Proxy executable not located", "configured", cfg.Executable, "error", err)
		executable = cfg.Executable
	}

	base := []supervisor.Option{
		supervisor.WithBuilder(launch.Builder{
			DirFlag:      cfg.DirFlag,
			ConfigFlag:   cfg.ConfigFlag,
			SafePathsVar: cfg.SafePathsVar,
		}),
		supervisor.WithGroupPolicy(policy),
		supervisor.WithSafeDir(core.ConfigDir()),
	}
	return supervisor.New(executable, append(base, opts...)...), nil
}

// onGroupWarning runs inside Start, with d.mu held by the caller.
func (d *Daemon) onGroupWarning(w *supervisor.GroupWarning) {
	if d.database == nil {
		return
	}
	if err := d.database.LogProxyEvent(db.EventUnguarded, w.Pid, "", w.Err.Error()); err != nil {
		slog.Error("Failed to log unguarded event", "error", err)
	}
}

// Run serves the control socket until the daemon is stopped.
func (d *Daemon) Run() error {
	d.setupLogging(core.Config.Verbose)

	if d.watchPID > 0 {
		d.parentMonitor = NewParentMonitor(d.watchPID, d.onControllerExit)
		d.parentMonitor.Start(d.ctx)
	}

	dbPath := core.GetDatabasePath()
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		// Closed in shutdown(), not deferred, so that a signal-driven exit
		// still flushes it.
		d.database = database
		slog.Debug("Database opened", "path", dbPath)
		details := fmt.Sprintf("daemon started - version: %s, PID: %d, watch PID: %d", core.FormatVersion(core.Version), os.Getpid(), d.watchPID)
		if err := d.database.LogDaemonEvent(db.DaemonStart, details); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	if err := core.EnsureDefaultConfigExists(); err != nil {
		slog.Warn("Failed to write default proxy profile", "error", err)
	}

	socketPath := core.GetSocketPath()
	listener, err := listenSocket(socketPath)
	if err != nil {
		d.shutdown()
		return err
	}
	d.listener = listener

	pidFilePath := core.GetPIDFilePath()
	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("Failed to write PID file", "error", err, "path", pidFilePath)
	}
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	if d.sweepStaleProxy() {
		slog.Info("Cleaned up proxy left behind by a previous daemon")
	}

	if core.Config.Proxy.Autostart {
		d.startProxy(core.CurrentConfigPath())
	}

	d.watchConfig()
	NewSleepMonitor(slog.Default(), nil, d.logWake).Start(d.ctx)

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, os.Interrupt)
	go func() {
		select {
		case sig := <-shutdownChan:
			slog.Info("Shutdown signal received", "signal", sig.String())
			d.terminate()
		case <-d.ctx.Done():
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
	return nil
}

// listenSocket listens on path, replacing a stale socket file left by a dead
// daemon but refusing to steal one that still answers.
func listenSocket(path string) (net.Listener, error) {
	listener, err := net.Listen("unix", path)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}

	if conn, dialErr := net.Dial("unix", path); dialErr == nil {
		conn.Close()
		return nil, errors.New("daemon is already running")
	}

	slog.Info(fmt.Sprintf("Removing stale socket file: %s", path))
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("could not remove stale socket: %w", err)
	}
	listener, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("could not create socket listener: %w", err)
	}
	return listener, nil
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return
	}
	// The argument is a single value that may contain spaces (a path).
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "VERSION", "STATUS":
		slog.Debug(fmt.Sprintf("Executing command: %s", command))
	default:
		if arg != "" {
			slog.Info(fmt.Sprintf("Executing command: %s %s", command, arg))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "PROXY_START":
		path := core.CurrentConfigPath()
		if arg != "" {
			resolved, err := core.ResolveProfile(arg)
			if err != nil {
				response = errorResponse(err.Error())
				break
			}
			path = resolved
		}
		response = d.startProxy(path)
	case "PROXY_STOP":
		response = d.stopProxy()
	case "PROXY_SWITCH":
		if arg == "" {
			response = errorResponse("Usage: PROXY_SWITCH <profile>")
			break
		}
		response = d.switchProfile(arg)
	case "STATUS":
		response = d.getStatus()
	case "CONFIGS":
		response = d.listConfigs()
	case "EVENTS":
		response = d.getEvents(parseCount(arg, defaultEventLimit))
	case "VERSION":
		response = d.getVersion()
	case "LOGS":
		d.handleLogs(conn, parseCount(arg, defaultLogLines))
		return
	case "STOP":
		response = d.stopDaemon()
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Stop command received. Shutting down daemon.")
		d.terminate()
		return
	default:
		response = errorResponse(fmt.Sprintf("Unknown command: %s", command))
	}
	conn.Write([]byte(response.ToJSON()))
}

func parseCount(arg string, fallback int) int {
	if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
		return n
	}
	return fallback
}

// startProxy launches the proxy with configPath, replacing a supervisor left
// over from an earlier run.
func (d *Daemon) startProxy(configPath string) Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startProxyLocked(configPath)
}

func (d *Daemon) startProxyLocked(configPath string) Response {
	response := Response{}

	if d.sup != nil {
		if d.sup.IsRunning() {
			st := d.sup.Status()
			response.AddMessage(fmt.Sprintf("Proxy is already running (PID %d) with %s", st.Pid, st.ConfigPath), StatusWarn)
			return response
		}
		d.sup.Dispose()
	}

	sup, err := d.newSupervisor()
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to configure proxy: %v", err))
	}
	d.sup = sup

	if err := sup.Start(configPath); err != nil {
		d.logProxyEvent(db.EventStartFailed, 0, configPath, err.Error())
		return errorResponse(fmt.Sprintf("Failed to start proxy: %v", err))
	}

	st := sup.Status()
	state := recordProxy(st.Pid, st.Executable, st.ConfigPath, st.StartedAt)
	state.Group = st.Group
	if err := SaveProxyState(state); err != nil {
		slog.Warn("Failed to record proxy state", "error", err)
	}

	details := "unguarded"
	if st.Guarded {
		details = "group=" + st.GroupKind
	}
	d.logProxyEvent(db.EventStart, st.Pid, configPath, details)

	response.AddMessage(fmt.Sprintf("Proxy started (PID %d) with %s", st.Pid, filepath.Base(configPath)), StatusInfo)
	if st.Warning != "" {
		response.AddMessage(fmt.Sprintf("Proxy is running without crash cleanup: %s", st.Warning), StatusWarn)
	}

	go d.watchProxy(sup, st.Pid)
	return response
}

func (d *Daemon) stopProxy() Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopProxyLocked()
}

func (d *Daemon) stopProxyLocked() Response {
	response := Response{}

	if d.sup == nil || !d.sup.IsRunning() {
		if d.sup != nil {
			// Reap a proxy that exited on its own.
			d.sup.Stop()
		}
		response.AddMessage("Proxy is not running", StatusWarn)
		return response
	}

	pid := d.sup.Pid()
	configPath := d.sup.Status().ConfigPath
	d.sup.Stop()
	if err := RemoveProxyState(); err != nil {
		slog.Warn("Failed to remove proxy state", "error", err)
	}
	d.logProxyEvent(db.EventStop, pid, configPath, exitDetails(d.sup.Status()))

	response.AddMessage(fmt.Sprintf("Proxy stopped (PID %d)", pid), StatusInfo)
	return response
}

// switchProfile makes name the current profile, restarting a running proxy
// on it.
func (d *Daemon) switchProfile(name string) Response {
	path, err := core.ResolveProfile(name)
	if err != nil {
		return errorResponse(err.Error())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := core.SetCurrentConfigPath(path); err != nil {
		return errorResponse(fmt.Sprintf("Failed to save current profile: %v", err))
	}
	d.logProxyEvent(db.EventProfileChange, 0, path, "")

	response := Response{}
	response.AddMessage(fmt.Sprintf("Current profile set to %s", filepath.Base(path)), StatusInfo)

	if d.sup == nil || !d.sup.IsRunning() {
		return response
	}
	for _, resp := range []Response{d.stopProxyLocked(), d.startProxyLocked(path)} {
		response.Messages = append(response.Messages, resp.Messages...)
	}
	return response
}

// watchProxy notices when the proxy started as pid exits by itself, reaps it
// and records the exit. It returns once the proxy is stopped or replaced.
func (d *Daemon) watchProxy(sup *supervisor.Supervisor, pid int) {
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		if d.sup != sup || sup.Pid() != pid {
			d.mu.Unlock()
			return
		}
		if sup.IsRunning() {
			d.mu.Unlock()
			continue
		}

		configPath := sup.Status().ConfigPath
		sup.Stop()
		st := sup.Status()
		if err := RemoveProxyState(); err != nil {
			slog.Warn("Failed to remove proxy state", "error", err)
		}
		d.logProxyEvent(db.EventExited, pid, configPath, exitDetails(st))
		d.mu.Unlock()

		slog.Warn("Proxy exited unexpectedly", "pid", pid, "details", exitDetails(st))
		return
	}
}

func exitDetails(st supervisor.Status) string {
	if st.ExitCode == nil {
		return ""
	}
	return fmt.Sprintf("exit code %d", *st.ExitCode)
}

func (d *Daemon) logProxyEvent(eventType string, pid int, configPath, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogProxyEvent(eventType, pid, configPath, details); err != nil {
		slog.Error("Failed to log proxy event", "event", eventType, "error", err)
	}
}

func (d *Daemon) getStatus() Response {
	d.mu.Lock()
	var proxy supervisor.Status
	if d.sup != nil {
		proxy = d.sup.Status()
	} else {
		proxy = supervisor.Status{State: supervisor.StateNotStarted.String()}
	}
	d.mu.Unlock()

	data := StatusData{
		Proxy:          proxy,
		Profile:        core.CurrentConfigPath(),
		DaemonPID:      os.Getpid(),
		DaemonUptime:   time.Since(d.startedAt).Round(time.Second).String(),
		DaemonWatchPID: d.watchPID,
	}

	// The controller is declared by the profile actually in use.
	apiSource := data.Profile
	if proxy.State == supervisor.StateRunning.String() && proxy.ConfigPath != "" {
		apiSource = proxy.ConfigPath
	}
	if api, err := core.ReadAPIDetails(apiSource); err == nil {
		data.API = api
	} else {
		slog.Debug("Failed to read controller details", "profile", apiSource, "error", err)
	}

	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(data)
	return response
}

func (d *Daemon) listConfigs() Response {
	configs, err := core.AvailableConfigs()
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to list profiles: %v", err))
	}

	response := Response{}
	if len(configs) == 0 {
		response.AddMessage(fmt.Sprintf("No profiles found in %s", core.ConfigDir()), StatusWarn)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(ConfigsData{Current: core.CurrentConfigPath(), Configs: configs})
	return response
}

func (d *Daemon) getEvents(limit int) Response {
	if d.database == nil {
		return errorResponse("Event log is not available")
	}

	proxyEvents, err := d.database.GetRecentProxyEvents(limit)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to read proxy events: %v", err))
	}
	daemonEvents, err := d.database.GetRecentDaemonEvents(limit)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to read daemon events: %v", err))
	}

	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(EventsData{Proxy: proxyEvents, Daemon: daemonEvents})
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(VersionData{
		Version:  core.Version,
		PID:      os.Getpid(),
		WatchPID: d.watchPID,
	})
	return response
}

func (d *Daemon) stopDaemon() Response {
	response := Response{}
	if d.proxyRunning() {
		response.AddMessage("Stopping daemon and proxy...", StatusInfo)
	} else {
		response.AddMessage("Stopping daemon...", StatusInfo)
	}
	return response
}

func (d *Daemon) proxyRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup != nil && d.sup.IsRunning()
}

// onControllerExit is the parent monitor's callback.
func (d *Daemon) onControllerExit(pid int) {
	if d.database != nil {
		d.database.LogDaemonEvent(db.DaemonWatchExit, fmt.Sprintf("controller process %d exited", pid))
	}
	d.terminate()
}

// terminate shuts down, unblocks Accept and exits the process.
func (d *Daemon) terminate() {
	d.shutdown()
	if d.listener != nil {
		d.listener.Close()
	}
	d.exit(0)
}

// shutdown tears the proxy down and closes the event log. Safe to call more
// than once.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		d.mu.Lock()
		proxyStopped := false
		if d.sup != nil {
			pid := d.sup.Pid()
			running := d.sup.IsRunning()
			configPath := d.sup.Status().ConfigPath
			d.sup.Dispose()
			if running {
				proxyStopped = true
				d.logProxyEvent(db.EventStop, pid, configPath, "daemon shutdown")
			}
		}
		d.mu.Unlock()

		if err := RemoveProxyState(); err != nil {
			slog.Warn("Failed to remove proxy state", "error", err)
		}

		if d.database != nil {
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d, proxy stopped: %v", core.FormatVersion(core.Version), os.Getpid(), proxyStopped)
			if err := d.database.LogDaemonEvent(db.DaemonStop, details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database during shutdown", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database during shutdown", "error", err)
			}
		}
	})
}

// reloadConfig re-reads tether.hcl, keeping the previous configuration when
// the file does not parse. A running proxy is not restarted.
func (d *Daemon) reloadConfig() error {
	configPath := core.GetConfigFilePath()
	newConfig, err := core.LoadConfig(configPath)
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration",
			"file", configPath,
			"error", err)
		return fmt.Errorf("config parse error: %w", err)
	}

	d.mu.Lock()
	oldConfig := d.configLocked()
	newConfig.ConfigPath = oldConfig.ConfigPath
	d.reloaded = newConfig
	running := d.sup != nil && d.sup.IsRunning()
	d.mu.Unlock()

	if newConfig.Verbose != oldConfig.Verbose {
		d.setupLogging(newConfig.Verbose)
	}
	if d.database != nil {
		d.database.LogDaemonEvent(db.DaemonReload, "")
	}
	if running {
		slog.Info("Proxy settings take effect at the next start")
	}
	return nil
}

// watchConfig watches tether.hcl and the profile directory. Directories are
// watched rather than files so that editors' atomic renames are seen.
func (d *Daemon) watchConfig() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	configFile := core.GetConfigFilePath()
	for _, dir := range []string{core.Config.ConfigPath, core.ConfigDir()} {
		if err := watcher.Add(dir); err != nil {
			slog.Error("Failed to watch directory", "error", err, "path", dir)
			watcher.Close()
			return
		}
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				switch {
				case event.Name == configFile:
					slog.Debug("Config file change detected, will reload", "event", event.Op.String())
					reloadMutex.Lock()
					if reloadTimer != nil {
						reloadTimer.Stop()
					}
					reloadTimer = time.AfterFunc(reloadDebounce, func() {
						slog.Info("Configuration file changed, reloading...", "file", configFile)
						if err := d.reloadConfig(); err == nil {
							slog.Info("Configuration reloaded successfully")
						}
					})
					reloadMutex.Unlock()
				case d.isActiveProfile(event.Name):
					slog.Info("Active profile changed on disk, restart the proxy to apply", "file", event.Name)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Debug("Watching configuration for changes", "file", configFile, "profiles", core.ConfigDir())
}

func (d *Daemon) isActiveProfile(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup != nil && d.sup.IsRunning() && d.sup.Status().ConfigPath == path
}
