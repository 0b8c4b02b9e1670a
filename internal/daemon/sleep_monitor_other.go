//go:build !linux

package daemon

import "context"

func (m *SleepMonitor) Start(ctx context.Context) {
	m.logger.Debug("Sleep monitoring is not supported on this platform")
}
