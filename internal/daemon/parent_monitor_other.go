//go:build !linux

package daemon

// setupParentDeathSignal is a no-op; polling covers these platforms.
func (pm *ParentMonitor) setupParentDeathSignal() error {
	pm.logger.Debug("No parent death signal on this platform, polling only", "interval", pm.interval)
	return nil
}
