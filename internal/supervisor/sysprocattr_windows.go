//go:build windows

package supervisor

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

const cgroupSpawn = false

func cloneIntoCgroup(*syscall.SysProcAttr, int) bool { return false }
