package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Violation is an audit record of a denied action. It is never modified
// after it is recorded.
type Violation struct {
	RunID        string    `json:"run_id"`
	RequestedBy  string    `json:"requested_by"`
	TargetDomain string    `json:"target_domain"`
	Action       string    `json:"action"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewViolation builds the audit record for a denial.
func NewViolation(runID string, denied *DeniedError, at time.Time) Violation {
	return Violation{
		RunID:        runID,
		RequestedBy:  denied.Role,
		TargetDomain: denied.Domain,
		Action:       denied.Action,
		Reason:       denied.Reason,
		Timestamp:    at.UTC(),
	}
}

// Recorder stores violations.
type Recorder interface {
	Record(ctx context.Context, v Violation) error
}

// Lister reads violations back. An empty runID lists every run.
type Lister interface {
	Violations(ctx context.Context, runID string) ([]Violation, error)
}

// MemoryRecorder keeps violations in memory.
type MemoryRecorder struct {
	mu         sync.RWMutex
	violations []Violation
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, v Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, v)
	return nil
}

// Violations implements Lister.
func (m *MemoryRecorder) Violations(_ context.Context, runID string) ([]Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Violation
	for _, v := range m.violations {
		if runID == "" || v.RunID == runID {
			out = append(out, v)
		}
	}
	return out, nil
}

// LogRecorder writes violations to a zap logger at warn level.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder logging to logger.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (l *LogRecorder) Record(_ context.Context, v Violation) error {
	l.logger.Warn("guard rail violation",
		zap.String("run_id", v.RunID),
		zap.String("requested_by", v.RequestedBy),
		zap.String("target_domain", v.TargetDomain),
		zap.String("action", v.Action),
		zap.String("reason", v.Reason),
		zap.Time("timestamp", v.Timestamp))
	return nil
}

// MultiRecorder records to every recorder and joins their errors.
type MultiRecorder []Recorder

// Record implements Recorder.
func (m MultiRecorder) Record(ctx context.Context, v Violation) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
