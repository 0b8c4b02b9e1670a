//go:build !linux && !windows

package procgroup

import "log/slog"

func createSys(*slog.Logger) (groupSys, error) {
	return newProcessGroup(), nil
}

func reclaim(rec Record, owned func(pid int) bool) (int, error) {
	return reclaimProcessGroup(rec.Pgid, owned)
}

// SweepStale is a no-op without cgroups.
func SweepStale() (int, error) {
	return 0, nil
}
