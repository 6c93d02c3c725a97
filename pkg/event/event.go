// Package event defines the lifecycle events a run emits and the sinks that
// receive them.
package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/pkg/state"
)

// Kind names a lifecycle event.
type Kind string

const (
	RunStarted        Kind = "run_started"
	StepCompleted     Kind = "step_completed"
	ApprovalRequested Kind = "approval_requested"
	ApprovalResolved  Kind = "approval_resolved"
	RunCompleted      Kind = "run_completed"
	RunFailed         Kind = "run_failed"
	RunCancelled      Kind = "run_cancelled"
)

// Kinds lists every event kind.
func Kinds() []Kind {
	return []Kind{RunStarted, StepCompleted, ApprovalRequested, ApprovalResolved, RunCompleted, RunFailed, RunCancelled}
}

// Event is emitted after the checkpoint it describes is durable.
type Event struct {
	Kind        Kind                 `json:"kind"`
	RunID       string               `json:"run_id"`
	ParentRunID string               `json:"parent_run_id,omitempty"`
	WorkerID    string               `json:"worker_id,omitempty"`
	Step        int                  `json:"step"`
	Status      state.Status         `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	RequestID   string               `json:"request_id,omitempty"`
	Decision    state.ApprovalStatus `json:"decision,omitempty"`
	Cost        int64                `json:"cost,omitempty"`
	Sequence    int64                `json:"sequence"`
	At          time.Time            `json:"at"`
}

// ForRun fills the run-derived fields of an event.
func ForRun(kind Kind, run state.Run, seq int64, at time.Time) Event {
	e := Event{
		Kind:     kind,
		RunID:    run.ID,
		Step:     run.Cursor,
		Status:   run.Status,
		Reason:   run.FailureReason,
		Sequence: seq,
		At:       at.UTC(),
	}
	if run.Parent != nil {
		e.ParentRunID = run.Parent.RunID
	}
	return e
}

// TerminalKind maps a terminal status to its event kind.
func TerminalKind(s state.Status) (Kind, bool) {
	switch s {
	case state.StatusCompleted:
		return RunCompleted, true
	case state.StatusFailed:
		return RunFailed, true
	case state.StatusCancelled:
		return RunCancelled, true
	}
	return "", false
}

// Sink receives events. Emit must not block the engine for long; slow
// transports should sit behind a Channel.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, e Event) error

// Emit implements Sink.
func (f Func) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards events.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes events to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Emit implements Sink.
func (l *Log) Emit(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("run_id", e.RunID),
		zap.Int("step", e.Step),
		zap.String("status", string(e.Status)),
		zap.Int64("sequence", e.Sequence),
	}
	if e.ParentRunID != "" {
		fields = append(fields, zap.String("parent_run_id", e.ParentRunID))
	}
	if e.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", e.WorkerID))
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID), zap.String("decision", string(e.Decision)))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	l.logger.Info("run event", fields...)
	return nil
}

// Channel is a bounded, non-blocking sink. Events that do not fit in the
// buffer are dropped and counted.
type Channel struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewChannel creates a channel sink with the given buffer size.
func NewChannel(buffer int) *Channel {
	if buffer < 1 {
		buffer = 1
	}
	return &Channel{ch: make(chan Event, buffer)}
}

// Emit implements Sink.
func (c *Channel) Emit(_ context.Context, e Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.dropped.Add(1)
		return nil
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Events returns the receive side.
func (c *Channel) Events() <-chan Event { return c.ch }

// Dropped returns how many events did not fit.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Close closes the receive side. Later events are dropped.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.ch)
		c.mu.Unlock()
	})
}
