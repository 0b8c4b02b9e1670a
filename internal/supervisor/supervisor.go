// Package supervisor runs a single proxy process and guarantees its teardown.
//
// The process is spawned with the arguments and environment composed by package launch, then
// bound to a kill-on-close group from package procgroup. Stopping, disposing or crashing the
// supervising process takes the proxy and its descendants down with it. All calls are
// synchronous; the Supervisor starts no goroutines.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"go.olrik.dev/tether/internal/launch"
	"go.olrik.dev/tether/internal/procgroup"
)

// reapTimeout bounds how long teardown waits for a killed process to exit.
const reapTimeout = 5 * time.Second

// State is the derived lifecycle state of the supervised process.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// GroupPolicy decides what happens when the kill-on-close group cannot be set up.
type GroupPolicy int

const (
	// GroupLenient keeps the proxy running unguarded and reports a GroupWarning.
	GroupLenient GroupPolicy = iota
	// GroupStrict kills the proxy and fails Start.
	GroupStrict
)

func (p GroupPolicy) String() string {
	if p == GroupStrict {
		return "strict"
	}
	return "lenient"
}

// ParseGroupPolicy parses "lenient" or "strict". The empty string is lenient.
func ParseGroupPolicy(s string) (GroupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return GroupLenient, nil
	case "strict":
		return GroupStrict, nil
	default:
		return GroupLenient, fmt.Errorf("unknown group policy %q (expected lenient or strict)", s)
	}
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State      string    `json:"state"`
	Pid        int       `json:"pid,omitempty"`
	Executable string    `json:"executable"`
	ConfigPath string    `json:"config_path,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	Guarded    bool      `json:"guarded"`
	GroupKind  string    `json:"group_kind,omitempty"`
	Warning    string    `json:"warning,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`

	// Group locates the container for cleanup by a later process.
	Group *procgroup.Record `json:"group,omitempty"`
}

type Option func(*Supervisor)

// WithWarningHandler registers a callback for GroupWarning. It is called after
// Start has released the supervisor's lock.
func WithWarningHandler(fn func(*GroupWarning)) Option {
	return func(s *Supervisor) { s.onWarning = fn }
}

func WithGroupPolicy(p GroupPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithBuilder overrides the flag and environment names used for the launch.
func WithBuilder(b launch.Builder) Option {
	return func(s *Supervisor) { s.builder = b }
}

// WithSafeDir sets the directory added to the proxy's safe paths. Without it the
// directory of the config file is used.
func WithSafeDir(dir string) Option {
	return func(s *Supervisor) { s.safeDir = dir }
}

// WithEnviron sets the environment the overlay is applied to. Defaults to os.Environ.
func WithEnviron(fn func() []string) Option {
	return func(s *Supervisor) { s.environ = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Supervisor owns at most one proxy process and the group guarding it.
type Supervisor struct {
	mu sync.Mutex

	executable string
	builder    launch.Builder
	safeDir    string
	environ    func() []string
	policy     GroupPolicy
	onWarning  func(*GroupWarning)
	logger     *slog.Logger
	openGroup  func(...procgroup.Option) (*procgroup.Group, error)

	cmd        *exec.Cmd
	handle     *processHandle
	group      *procgroup.Group
	configPath string
	startedAt  time.Time
	warning    error
	lastErr    error
	exitCode   *int
	started    bool
}

// New returns a supervisor for the given proxy executable. Nothing is checked
// until Start.
func New(executable string, opts ...Option) *Supervisor {
	s := &Supervisor{
		executable: executable,
		environ:    os.Environ,
		logger:     slog.Default(),
		openGroup:  procgroup.Open,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Executable returns the configured proxy path.
func (s *Supervisor) Executable() string {
	return s.executable
}

// Start launches the proxy with the given config file. A GroupWarning is not
// an error: the proxy runs, but without crash cleanup.
func (s *Supervisor) Start(configPath string) error {
	s.mu.Lock()

	if s.handle != nil {
		if s.handle.alive() {
			s.mu.Unlock()
			return &StartError{Kind: ErrAlreadyRunning, Path: s.configPath}
		}
		// Previous run exited on its own; drop its handles first.
		if err := s.teardownLocked(false); err != nil {
			s.logger.Warn("Failed to release exited proxy", "error", err)
		}
	}

	warning, err := s.startLocked(configPath)
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("Failed to start proxy", "executable", s.executable, "config", configPath, "error", err)
		return err
	}
	handler := s.onWarning
	s.mu.Unlock()

	if warning != nil && handler != nil {
		handler(warning)
	}
	return nil
}

func (s *Supervisor) startLocked(configPath string) (*GroupWarning, error) {
	if s.executable == "" {
		return nil, &StartError{Kind: ErrNotFound, Err: errors.New("no executable configured")}
	}
	if info, err := os.Stat(s.executable); err != nil || info.IsDir() {
		if err == nil {
			err = errors.New("is a directory")
		}
		return nil, &StartError{Kind: ErrNotFound, Path: s.executable, Err: err}
	}

	safeDir := s.safeDir
	if safeDir == "" {
		safeDir = filepath.Dir(configPath)
	}
	spec, err := s.builder.Build(s.executable, configPath, safeDir, s.environ())
	if err != nil {
		if errors.Is(err, launch.ErrExecutableNotFound) {
			return nil, &StartError{Kind: ErrNotFound, Path: s.executable, Err: err}
		}
		return nil, &StartError{Kind: ErrLaunchPreparation, Path: configPath, Err: err}
	}

	var group *procgroup.Group
	var groupErr error
	if cgroupSpawn {
		// Opened first so a cgroup can receive the proxy at clone time.
		group, groupErr = s.openGroup(procgroup.WithLogger(s.logger))
	}

	s.logger.Debug("Starting proxy", "command", spec.CommandLine(), "dir", spec.Dir())
	cmd, err := s.spawn(spec, group)
	if err != nil {
		s.closeGroup(group)
		return nil, &StartError{Kind: ErrStartFailed, Path: s.executable, Err: err}
	}

	handle, err := openProcessHandle(cmd.Process.Pid)
	if err != nil {
		// Untracked processes are not left behind.
		if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			s.logger.Warn("Failed to kill untracked proxy", "pid", cmd.Process.Pid, "error", killErr)
		}
		cmd.Wait()
		s.closeGroup(group)
		return nil, &StartError{Kind: ErrStartFailed, Path: s.executable, Err: err}
	}

	s.cmd = cmd
	s.handle = handle
	s.configPath = configPath
	s.startedAt = time.Now()
	s.started = true
	s.warning = nil
	s.lastErr = nil
	s.exitCode = nil

	if !cgroupSpawn {
		group, groupErr = s.openGroup(procgroup.WithLogger(s.logger))
	}
	err = groupErr
	if err == nil {
		if err = group.Assign(handle); err != nil {
			// Assign has already destroyed the group.
			group = nil
		}
	}
	if err != nil {
		warning := &GroupWarning{Pid: handle.Pid(), Err: err}
		if s.policy == GroupStrict {
			if tdErr := s.teardownLocked(true); tdErr != nil {
				s.logger.Warn("Failed to tear down unguarded proxy", "error", tdErr)
			}
			return nil, &StartError{Kind: ErrStartFailed, Path: s.executable, Err: warning}
		}
		s.warning = warning
		s.logger.Warn("Proxy started without crash cleanup", "pid", handle.Pid(), "error", err)
		return warning, nil
	}

	s.group = group
	s.logger.Info("Proxy started", "pid", handle.Pid(), "config", configPath, "group", group.Kind())
	return nil, nil
}

// spawn starts the proxy, inside the group's cgroup when there is one. Kernels
// without clone3 cgroup support get a plain start and a later Assign.
func (s *Supervisor) spawn(spec *launch.Spec, group *procgroup.Group) (*exec.Cmd, error) {
	newCmd := func() *exec.Cmd {
		cmd := exec.Command(spec.Executable(), spec.Args()...)
		cmd.Dir = spec.Dir()
		cmd.Env = spec.Environ()
		cmd.SysProcAttr = sysProcAttr()
		return cmd
	}

	cmd := newCmd()
	if group != nil {
		if fd, ok := group.CgroupFD(); ok && cloneIntoCgroup(cmd.SysProcAttr, fd) {
			err := cmd.Start()
			if err == nil {
				return cmd, nil
			}
			s.logger.Debug("Could not start proxy inside its cgroup", "error", err)
			cmd = newCmd()
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// closeGroup releases a group that never received a member.
func (s *Supervisor) closeGroup(group *procgroup.Group) {
	if group == nil {
		return
	}
	if err := group.Close(); err != nil {
		s.logger.Warn("Failed to release unused process group", "error", err)
	}
}

// Stop kills the proxy if it is running and releases every handle. It is a
// no-op when nothing was started.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return
	}
	pid := s.handle.Pid()
	if err := s.teardownLocked(true); err != nil {
		s.logger.Warn("Errors while stopping proxy", "pid", pid, "error", err)
		return
	}
	s.logger.Info("Proxy stopped", "pid", pid)
}

// IsRunning polls the process handle without reaping the process.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil && s.handle.alive()
}

// Dispose tears everything down. Every step is attempted even if an earlier
// one fails; failures are logged. Safe to call more than once.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil && s.handle == nil && s.group == nil {
		return
	}
	if err := s.teardownLocked(true); err != nil {
		s.logger.Warn("Errors while disposing supervisor", "error", err)
		return
	}
	s.logger.Debug("Supervisor disposed")
}

// teardownLocked kills the process (when asked and still alive), closes the
// group, reaps the process and releases the handle.
func (s *Supervisor) teardownLocked(kill bool) error {
	var result *multierror.Error

	if kill && s.cmd != nil && s.handle != nil && s.handle.alive() {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			result = multierror.Append(result, fmt.Errorf("kill proxy: %w", err))
		}
	}

	if s.group != nil {
		if err := s.group.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.group = nil
	}

	if s.cmd != nil {
		if s.handle == nil || s.handle.wait(reapTimeout) {
			// A non-zero status is expected after a kill.
			s.cmd.Wait()
			if ps := s.cmd.ProcessState; ps != nil {
				code := ps.ExitCode()
				s.exitCode = &code
			}
		} else {
			result = multierror.Append(result, fmt.Errorf("proxy %d did not exit within %s", s.cmd.Process.Pid, reapTimeout))
		}
		s.cmd = nil
	}

	if s.handle != nil {
		if err := s.handle.release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release process handle: %w", err))
		}
		s.handle = nil
	}

	return result.ErrorOrNil()
}

// Pid returns the pid of the held process, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.Pid()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Supervisor) stateLocked() State {
	switch {
	case s.handle != nil && s.handle.alive():
		return StateRunning
	case s.lastErr != nil:
		return StateFailed
	case s.started:
		return StateExited
	default:
		return StateNotStarted
	}
}

// Warning returns the GroupWarning of the current run, if any.
func (s *Supervisor) Warning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:      s.stateLocked().String(),
		Executable: s.executable,
		ConfigPath: s.configPath,
		StartedAt:  s.startedAt,
		ExitCode:   s.exitCode,
	}
	if s.handle != nil {
		st.Pid = s.handle.Pid()
	}
	if s.group != nil {
		st.Guarded = true
		st.GroupKind = string(s.group.Kind())
		rec := s.group.Record()
		st.Group = &rec
	}
	if s.warning != nil {
		st.Warning = s.warning.Error()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
