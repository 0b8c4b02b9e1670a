//go:build !linux && !windows

package supervisor

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// processHandle tracks the spawned proxy by pid. The pid cannot be reused
// while we are its unreaped parent, so signal 0 plus a zombie check is a
// non-reaping liveness check.
type processHandle struct {
	pid  int
	open bool
}

func openProcessHandle(pid int) (*processHandle, error) {
	if err := unix.Kill(pid, 0); err != nil {
		return nil, fmt.Errorf("check process %d: %w", pid, err)
	}
	return &processHandle{pid: pid, open: true}, nil
}

func (h *processHandle) Pid() int        { return h.pid }
func (h *processHandle) Handle() uintptr { return 0 }

func (h *processHandle) exited() bool {
	if err := unix.Kill(h.pid, 0); err != nil {
		return errors.Is(err, unix.ESRCH)
	}
	p, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	return slices.Contains(status, process.Zombie)
}

func (h *processHandle) wait(timeout time.Duration) bool {
	if !h.open {
		return true
	}
	deadline := time.Now().Add(timeout)
	for {
		if h.exited() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *processHandle) alive() bool {
	return !h.wait(0)
}

func (h *processHandle) release() error {
	h.open = false
	return nil
}
