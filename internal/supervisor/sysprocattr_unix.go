//go:build !linux && !windows

package supervisor

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

const cgroupSpawn = false

func cloneIntoCgroup(*syscall.SysProcAttr, int) bool { return false }
