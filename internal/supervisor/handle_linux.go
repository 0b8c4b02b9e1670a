//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// processHandle tracks the spawned proxy through a pidfd. Kernels without
// pidfd_open fall back to a non-reaping waitid on the pid.
type processHandle struct {
	pid  int
	fd   int
	open bool
}

func openProcessHandle(pid int) (*processHandle, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return &processHandle{pid: pid, fd: -1, open: true}, nil
		}
		return nil, fmt.Errorf("pidfd_open %d: %w", pid, err)
	}
	return &processHandle{pid: pid, fd: fd, open: true}, nil
}

func (h *processHandle) Pid() int        { return h.pid }
func (h *processHandle) Handle() uintptr { return uintptr(h.fd) }

// wait blocks up to timeout for the process to exit without reaping it.
// It reports whether the process has exited.
func (h *processHandle) wait(timeout time.Duration) bool {
	if !h.open {
		return true
	}
	if h.fd < 0 {
		return h.waitid(timeout)
	}
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false
		}
		return n > 0
	}
}

func (h *processHandle) waitid(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, h.pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		if err != nil {
			// ECHILD: already reaped.
			return errors.Is(err, unix.ECHILD)
		}
		if info.Signo != 0 {
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
	if !h.open {
		return nil
	}
	h.open = false
	if h.fd < 0 {
		return nil
	}
	fd := h.fd
	h.fd = -1
	return unix.Close(fd)
}
