//go:build linux

package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setupParentDeathSignal asks the kernel for SIGTERM when our parent exits.
// The signal is tied to the thread that forked us, which is fine for a
// controller that exits as a whole.
func (pm *ParentMonitor) setupParentDeathSignal() error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_PDEATHSIG): %w", err)
	}
	pm.logger.Debug("Parent death signal configured", "signal", "SIGTERM")
	return nil
}
