//go:build linux

package supervisor

import "syscall"

// The proxy leads its own process group and is killed if the thread that
// spawned it dies.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// cgroupSpawn opens the group before the spawn, so that the proxy can be
// cloned straight into its cgroup.
const cgroupSpawn = true

// cloneIntoCgroup makes the child start inside the cgroup open at fd.
func cloneIntoCgroup(attr *syscall.SysProcAttr, fd int) bool {
	attr.UseCgroupFD = true
	attr.CgroupFD = fd
	return true
}
