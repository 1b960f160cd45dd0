package logger

import (
	"fmt"
	"sync"
	"time"
)

// SmartLogger wraps a Logger with two behaviors the bridge's error-recovery
// path depends on: it promotes itself to verbose mode after three errors
// inside a rolling window, and it deduplicates repeated status lines so a
// connector that is happily polling every 30s doesn't spam the log with an
// identical "poll ok" line every cycle.
type SmartLogger struct {
	*Logger

	mu             sync.Mutex
	errorWindow    time.Duration
	errorCount     int
	lastErrorTime  time.Time
	verbose        bool
	lastStatusArgs map[string]string
}

// NewSmartLogger wraps an existing Logger. The error window defaults to five
// minutes, matching the grace period used elsewhere in the error-recovery path.
func NewSmartLogger(base *Logger) *SmartLogger {
	return &SmartLogger{
		Logger:         base,
		errorWindow:    5 * time.Minute,
		lastStatusArgs: make(map[string]string),
	}
}

// Verbose reports whether three or more errors have landed inside the
// current error window.
func (s *SmartLogger) Verbose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldLogVerboseLocked()
}

func (s *SmartLogger) shouldLogVerboseLocked() bool {
	if !s.lastErrorTime.IsZero() && time.Since(s.lastErrorTime) > s.errorWindow {
		s.errorCount = 0
		s.verbose = false
	}
	return s.verbose || s.errorCount >= 3
}

// Error logs an error and records it against the rolling error count,
// switching into verbose mode for good once the count reaches three.
func (s *SmartLogger) Error(format string, args ...interface{}) {
	s.mu.Lock()
	s.errorCount++
	s.lastErrorTime = time.Now()
	if s.errorCount >= 3 {
		s.verbose = true
	}
	s.mu.Unlock()

	s.Logger.Error(format, args...)
}

// RecordSuccess resets the error-tracking state after a successful operation.
func (s *SmartLogger) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount = 0
	s.lastErrorTime = time.Time{}
	s.verbose = false
}

// StatusOnce logs a debug-level status line only when it differs from the
// last line logged under the same key, unless verbose mode is active (in
// which case every status line passes through).
func (s *SmartLogger) StatusOnce(key, format string, args ...interface{}) {
	rendered := formatArgs(args)

	s.mu.Lock()
	verbose := s.shouldLogVerboseLocked()
	last, seen := s.lastStatusArgs[key]
	changed := !seen || last != rendered
	if changed {
		s.lastStatusArgs[key] = rendered
	}
	s.mu.Unlock()

	if verbose || changed {
		s.Logger.Debug(format, args...)
	}
}

func formatArgs(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	return fmt.Sprint(args...)
}
