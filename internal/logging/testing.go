package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry down to TraceLevel. Pass Underlying to
// packages that take a *zap.Logger, such as the dispatcher.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.observed.All() }

func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops the recorded entries.
func (t *TestLogger) Reset() { t.observed.TakeAll() }

func (t *TestLogger) logged(level zapcore.Level, substr string) bool {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// AssertLogged fails tb unless an entry at level has a message containing
// substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if !t.logged(level, substr) {
		tb.Errorf("no %v entry containing %q in %d entries", level, substr, len(t.observed.All()))
	}
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if t.logged(level, substr) {
		tb.Errorf("unexpected %v entry containing %q", level, substr)
	}
}

// AssertField fails tb unless some entry with message msg has key=want.
// Integers are recorded as int64.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		if v, ok := e.ContextMap()[key]; ok && reflect.DeepEqual(v, want) {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v", msg, key, want)
}

// AssertRunCorrelation checks that msg was logged for runID.
func (t *TestLogger) AssertRunCorrelation(tb testing.TB, msg, runID string) {
	tb.Helper()
	t.AssertField(tb, msg, "run.id", runID)
}

// AssertStepCorrelation checks that one entry with message msg carries the
// run, worker and step of a dispatch.
func (t *TestLogger) AssertStepCorrelation(tb testing.TB, msg, runID, workerID string, step int) {
	tb.Helper()
	for _, e := range t.observed.FilterMessage(msg).All() {
		m := e.ContextMap()
		if m["run.id"] == runID && m["worker.id"] == workerID && m["step"] == int64(step) {
			return
		}
	}
	tb.Errorf("no %q entry for run %s worker %s step %d", msg, runID, workerID, step)
}
