package logger

import (
	"bytes"
	"log"
	"testing"
)

func newTestSmartLogger() (*SmartLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	base := &Logger{Logger: log.New(buf, "", 0), level: LogLevelDebug}
	return NewSmartLogger(base), buf
}

func TestSmartLoggerNotVerboseInitially(t *testing.T) {
	sl, _ := newTestSmartLogger()
	if sl.Verbose() {
		t.Error("expected a fresh SmartLogger to not be verbose")
	}
}

func TestSmartLoggerVerboseAfterThreeErrors(t *testing.T) {
	sl, _ := newTestSmartLogger()
	sl.Error("first")
	sl.Error("second")
	if sl.Verbose() {
		t.Error("expected two errors to not trigger verbose mode")
	}
	sl.Error("third")
	if !sl.Verbose() {
		t.Error("expected three errors to trigger verbose mode")
	}
}

func TestSmartLoggerRecordSuccessResets(t *testing.T) {
	sl, _ := newTestSmartLogger()
	sl.Error("a")
	sl.Error("b")
	sl.Error("c")
	if !sl.Verbose() {
		t.Fatal("expected verbose mode after three errors")
	}
	sl.RecordSuccess()
	if sl.Verbose() {
		t.Error("expected RecordSuccess to clear verbose mode")
	}
}

func TestSmartLoggerStatusOnceDeduplicates(t *testing.T) {
	sl, buf := newTestSmartLogger()

	sl.StatusOnce("poll", "poll result: %s", "ok")
	firstLen := buf.Len()
	sl.StatusOnce("poll", "poll result: %s", "ok")
	if buf.Len() != firstLen {
		t.Error("expected an identical repeated status line to be suppressed")
	}

	sl.StatusOnce("poll", "poll result: %s", "degraded")
	if buf.Len() == firstLen {
		t.Error("expected a changed status line to be logged")
	}
}

func TestSmartLoggerStatusOnceBypassesDedupeWhenVerbose(t *testing.T) {
	sl, buf := newTestSmartLogger()
	sl.Error("a")
	sl.Error("b")
	sl.Error("c")

	sl.StatusOnce("poll", "poll result: %s", "ok")
	firstLen := buf.Len()
	sl.StatusOnce("poll", "poll result: %s", "ok")
	if buf.Len() == firstLen {
		t.Error("expected verbose mode to let repeated status lines through")
	}
}
