//go:build !windows

package procgroup

import (
	"errors"
	"fmt"
	"slices"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// processGroup uses the member's own process group as the container. The
// member must have been started as a group leader (Setpgid).
type processGroup struct {
	pgid int
}

func newProcessGroup() *processGroup {
	return &processGroup{}
}

func (p *processGroup) kind() Kind { return KindProcessGroup }

// Process groups have no kernel-side policy; the kill happens in close.
func (p *processGroup) setKillOnClose() error { return nil }

func (p *processGroup) assign(m Member) error {
	pid := m.Pid()
	if pid <= 1 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return fmt.Errorf("getpgid: %w", err)
	}
	if pgid != pid {
		return fmt.Errorf("process %d is not a process group leader (pgid %d)", pid, pgid)
	}
	p.pgid = pgid
	return nil
}

func (p *processGroup) close(kill bool) error {
	pgid := p.pgid
	p.pgid = 0
	// kill(-1) signals every process we may signal and kill(0) our own group.
	if !kill || pgid <= 1 {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	return nil
}

func (p *processGroup) record() Record {
	return Record{Kind: KindProcessGroup, Pgid: p.pgid}
}

// groupMembers lists the processes whose process group is pgid.
func groupMembers(pgid int) ([]int, error) {
	pids, err := process.Pids()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var members []int
	for _, pid := range pids {
		if g, err := unix.Getpgid(int(pid)); err == nil && g == pgid {
			members = append(members, int(pid))
		}
	}
	return members, nil
}

// reclaimProcessGroup kills a process group whose owner died. The kernel does
// not hand out a pid again while it still names a live process group, but the
// whole group may have vanished and the number been reused since.
func reclaimProcessGroup(pgid int, owned func(pid int) bool) (int, error) {
	if pgid <= 1 || pgid == unix.Getpgrp() {
		return 0, nil
	}
	members, err := groupMembers(pgid)
	if err != nil || len(members) == 0 {
		return 0, err
	}
	witness := members[0]
	if slices.Contains(members, pgid) {
		witness = pgid
	}
	if owned != nil && !owned(witness) {
		return 0, nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return 0, nil
		}
		return 0, fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	return len(members), nil
}
