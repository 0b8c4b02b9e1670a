//go:build !windows

package daemon

import "syscall"

// detachedSysProcAttr puts the daemon in its own session so it survives the
// terminal that launched it.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
