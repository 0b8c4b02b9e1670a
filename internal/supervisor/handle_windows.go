//go:build windows

package supervisor

import (
	"fmt"
	"time"

	"golang.org/x/sys/windows"
)

const processAccess = windows.PROCESS_SET_QUOTA |
	windows.PROCESS_TERMINATE |
	windows.PROCESS_QUERY_LIMITED_INFORMATION |
	windows.SYNCHRONIZE

// processHandle is a Windows process HANDLE with the rights needed for job assignment.
type processHandle struct {
	pid    int
	handle windows.Handle
}

func openProcessHandle(pid int) (*processHandle, error) {
	h, err := windows.OpenProcess(processAccess, false, uint32(pid))
	if err != nil {
		return nil, fmt.Errorf("OpenProcess %d: %w", pid, err)
	}
	return &processHandle{pid: pid, handle: h}, nil
}

func (h *processHandle) Pid() int        { return h.pid }
func (h *processHandle) Handle() uintptr { return uintptr(h.handle) }

func (h *processHandle) wait(timeout time.Duration) bool {
	if h.handle == 0 {
		return true
	}
	event, err := windows.WaitForSingleObject(h.handle, uint32(timeout.Milliseconds()))
	if err != nil {
		return false
	}
	return event == windows.WAIT_OBJECT_0
}

func (h *processHandle) alive() bool {
	return !h.wait(0)
}

func (h *processHandle) release() error {
	if h.handle == 0 {
		return nil
	}
	handle := h.handle
	h.handle = 0
	return windows.CloseHandle(handle)
}
