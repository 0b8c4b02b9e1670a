//go:build linux

package procgroup

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// linuxGroup prefers a cgroup and falls back to the member's process group
// when the cgroup cannot be created or the member cannot be moved into it.
type linuxGroup struct {
	cg     *cgroupDir
	pg     *processGroup
	active Kind
	logger *slog.Logger
}

func createSys(logger *slog.Logger) (groupSys, error) {
	g := &linuxGroup{pg: newProcessGroup(), active: KindProcessGroup, logger: logger}
	cg, err := newCgroupDir()
	if err != nil {
		logger.Debug("cgroup v2 unavailable, using process group", "error", err)
		return g, nil
	}
	g.cg = cg
	g.active = KindCgroup
	return g, nil
}

func (g *linuxGroup) kind() Kind { return g.active }

func (g *linuxGroup) setKillOnClose() error { return nil }

// assign also covers a member that was already cloned into the cgroup:
// writing its pid to cgroup.procs again is a no-op.
func (g *linuxGroup) assign(m Member) error {
	if g.cg != nil {
		err := g.cg.assign(m.Pid())
		if err == nil {
			if pgErr := g.pg.assign(m); pgErr != nil {
				g.logger.Debug("Process group unavailable alongside cgroup", "pid", m.Pid(), "error", pgErr)
			}
			return nil
		}
		g.logger.Debug("Could not move process into cgroup, using process group", "pid", m.Pid(), "error", err)
		if rmErr := g.cg.remove(); rmErr != nil {
			g.logger.Warn("Failed to remove unused cgroup", "error", rmErr)
		}
		g.cg = nil
		g.active = KindProcessGroup
	}
	return g.pg.assign(m)
}

func (g *linuxGroup) record() Record {
	rec := g.pg.record()
	rec.Kind = g.active
	if g.cg != nil {
		rec.CgroupPath = g.cg.path
	}
	return rec
}

func (g *linuxGroup) cgroupFD() (int, error) {
	if g.cg == nil {
		return -1, errors.New("no cgroup")
	}
	return g.cg.openFD()
}

func (g *linuxGroup) close(kill bool) error {
	if g.cg == nil {
		return g.pg.close(kill)
	}

	var result *multierror.Error
	if kill {
		if err := g.cg.kill(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := g.cg.remove(); err != nil {
		result = multierror.Append(result, err)
	}
	g.cg = nil
	// Children forked before the member was moved into the cgroup are still
	// in its process group.
	if err := g.pg.close(kill); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func reclaim(rec Record, owned func(pid int) bool) (int, error) {
	var result *multierror.Error
	killed := 0
	if rec.CgroupPath != "" {
		n, err := reclaimCgroup(rec.CgroupPath)
		killed += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	// The pgid is recorded for both kinds; see close.
	if rec.Pgid != 0 {
		n, err := reclaimProcessGroup(rec.Pgid, owned)
		killed += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return killed, result.ErrorOrNil()
}
