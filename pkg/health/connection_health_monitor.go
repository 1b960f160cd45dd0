// Package health tracks whether the bridge's connection to the cloud
// backend is considered healthy, smoothing over brief errors with a grace
// period so a single dropped poll doesn't flip status into degraded state.
package health

import (
	"sync"
	"time"

	"fossibot-bridge/pkg/recovery"
)

// ConnectionHealthMonitor tracks online/offline status for the bridge's
// connection, integrating with error recovery's grace-period logic so
// transient errors don't immediately mark the connection unhealthy.
type ConnectionHealthMonitor struct {
	isOnline      bool
	lastErrorTime time.Time
	errorManager  *recovery.ErrorRecoveryManager
	mu            sync.RWMutex
}

// NewConnectionHealthMonitor creates a monitor that tolerates errors for up
// to gracePeriod before considering the connection unhealthy.
func NewConnectionHealthMonitor(gracePeriod time.Duration) *ConnectionHealthMonitor {
	return &ConnectionHealthMonitor{
		isOnline:     true,
		errorManager: recovery.NewErrorRecoveryManager(gracePeriod),
	}
}

// IsOnline returns whether the connection is currently marked healthy.
func (m *ConnectionHealthMonitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOnline
}

// RecordSuccess clears error tracking after a successful poll or command.
func (m *ConnectionHealthMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorManager.RecordSuccess()
	m.isOnline = true
}

// RecordError records a failure and reports whether the connection should
// now be marked offline (grace period expired).
func (m *ConnectionHealthMonitor) RecordError() (shouldMarkOffline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastErrorTime = time.Now()
	m.errorManager.RecordError()

	return m.errorManager.ShouldMarkOffline()
}

// MarkOffline explicitly marks the connection unhealthy.
func (m *ConnectionHealthMonitor) MarkOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.isOnline = false
	m.errorManager.MarkAsOffline()
}

// MarkOnline explicitly marks the connection healthy and resets error state.
func (m *ConnectionHealthMonitor) MarkOnline() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.isOnline = true
	m.errorManager.Reset()
}

// ConsecutiveErrors returns the current run of consecutive poll/command
// failures.
func (m *ConnectionHealthMonitor) ConsecutiveErrors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorManager.GetConsecutiveErrors()
}

// LastErrorTime returns when the most recent error was recorded.
func (m *ConnectionHealthMonitor) LastErrorTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErrorTime
}

// IsInGracePeriod reports whether the current error run is still within its
// tolerance window.
func (m *ConnectionHealthMonitor) IsInGracePeriod() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorManager.IsInGracePeriod()
}

// TimeSinceFirstError returns how long the current error run has lasted.
func (m *ConnectionHealthMonitor) TimeSinceFirstError() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errorManager.GetTimeSinceFirstError()
}
