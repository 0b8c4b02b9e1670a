package procgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Kind names the primitive backing a Group.
type Kind string

const (
	KindJobObject    Kind = "job"
	KindCgroup       Kind = "cgroup"
	KindProcessGroup Kind = "pgroup"
)

var (
	ErrClosed          = errors.New("group is closed")
	ErrAlreadyAssigned = errors.New("group already has a member")
)

// Member is a process that can be assigned to a Group.
// Handle is the OS process handle on Windows and is ignored elsewhere.
type Member interface {
	Pid() int
	Handle() uintptr
}

// Record locates a group's kernel container from another process, for
// cleaning up after an owner that died without closing it.
type Record struct {
	Kind       Kind   `json:"kind"`
	Pgid       int    `json:"pgid,omitempty"`
	CgroupPath string `json:"cgroup_path,omitempty"`
}

// groupSys is the platform half of a Group.
type groupSys interface {
	kind() Kind
	setKillOnClose() error
	assign(m Member) error
	record() Record
	// close releases the container. kill is false when the group is destroyed
	// after a failed configuration step.
	close(kill bool) error
}

// cgroupSys is implemented by containers a child can be cloned straight into.
type cgroupSys interface {
	cgroupFD() (int, error)
}

// Group owns exactly one kernel container handle.
type Group struct {
	mu          sync.Mutex
	sys         groupSys
	logger      *slog.Logger
	killOnClose bool
	member      int
	closed      bool
}

type Option func(*Group)

func WithLogger(l *slog.Logger) Option {
	return func(g *Group) { g.logger = l }
}

// Create allocates an anonymous container. It has no kill policy until
// KillOnClose is called.
func Create(opts ...Option) (*Group, error) {
	g := &Group{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	sys, err := createSys(g.logger)
	if err != nil {
		return nil, fmt.Errorf("create process group: %w", err)
	}
	g.sys = sys
	g.logger.Debug("Process group created", "kind", sys.kind())
	return g, nil
}

// Open creates a group and configures it to kill its members on close.
func Open(opts ...Option) (*Group, error) {
	g, err := Create(opts...)
	if err != nil {
		return nil, err
	}
	if err := g.KillOnClose(); err != nil {
		return nil, err
	}
	return g, nil
}

// Kind reports the primitive backing the group.
func (g *Group) Kind() Kind {
	return g.sys.kind()
}

// Record describes the container as it is now. Before Assign a process group
// has no pgid yet.
func (g *Group) Record() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sys.record()
}

// CgroupFD returns a directory descriptor of the group's cgroup, for starting a
// child inside it (SysProcAttr.CgroupFD). ok is false when the group is not a
// cgroup. The descriptor belongs to the group and is closed with it.
func (g *Group) CgroupFD() (fd int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cs, isCgroup := g.sys.(cgroupSys)
	if g.closed || !isCgroup || g.sys.kind() != KindCgroup {
		return -1, false
	}
	fd, err := cs.cgroupFD()
	if err != nil {
		g.logger.Debug("cgroup directory unavailable", "error", err)
		return -1, false
	}
	return fd, true
}

// Reclaim kills whatever is left in a container recorded by an owner that is
// gone. owned is asked about one live process of the group: the leader when
// it is still alive, otherwise a surviving member. When it answers false the
// pgid has been recycled and the group is left alone; a nil owned trusts the
// record. It returns how many processes were signalled. Job objects need
// nothing since the kernel closed them with their owner.
func Reclaim(rec Record, owned func(pid int) bool) (int, error) {
	n, err := reclaim(rec, owned)
	if err != nil {
		return n, fmt.Errorf("reclaim %s group: %w", rec.Kind, err)
	}
	return n, nil
}

// KillOnClose instructs the kernel to terminate every member once the group is closed.
// On failure the group is destroyed and cannot be used again.
func (g *Group) KillOnClose() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if err := g.sys.setKillOnClose(); err != nil {
		g.destroyLocked()
		return fmt.Errorf("configure kill-on-close: %w", err)
	}
	g.killOnClose = true
	return nil
}

// Assign binds a process to the group. On failure the group is destroyed; the
// process itself is left running.
func (g *Group) Assign(m Member) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.member != 0 {
		return ErrAlreadyAssigned
	}
	if err := g.sys.assign(m); err != nil {
		g.destroyLocked()
		return fmt.Errorf("assign process %d: %w", m.Pid(), err)
	}
	g.member = m.Pid()
	g.logger.Debug("Process assigned to group", "kind", g.sys.kind(), "pid", m.Pid())
	return nil
}

// Close releases the container handle. With kill-on-close configured, every
// process still assigned is terminated. Close is idempotent.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	if err := g.sys.close(g.killOnClose); err != nil {
		return fmt.Errorf("close %s group: %w", g.sys.kind(), err)
	}
	g.logger.Debug("Process group closed", "kind", g.sys.kind(), "member", g.member, "kill", g.killOnClose)
	return nil
}

func (g *Group) destroyLocked() {
	g.closed = true
	if err := g.sys.close(false); err != nil {
		g.logger.Warn("Failed to destroy process group", "kind", g.sys.kind(), "error", err)
	}
}
