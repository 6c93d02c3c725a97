package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/graphd/pkg/bus"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

// Worker executes one plan step. Execute may be called again for the same
// step after an approval pause, so implementations must be idempotent or
// resumable.
type Worker interface {
	Execute(ctx context.Context, run state.Run, task *Task) (Result, error)
}

// WorkerFunc adapts a function to a Worker.
type WorkerFunc func(ctx context.Context, run state.Run, task *Task) (Result, error)

// Execute implements Worker.
func (f WorkerFunc) Execute(ctx context.Context, run state.Run, task *Task) (Result, error) {
	return f(ctx, run, task)
}

// Result is the closed set of step outcomes: Summary, RequiresApproval,
// RequiresChildDispatch and Failed.
type Result interface {
	isResult()
}

// Summary completes the step.
type Summary struct {
	Text string
	Cost int64
	Data json.RawMessage
}

// RequiresApproval pauses the run until an external decision arrives. The
// step is executed again once the request is approved.
type RequiresApproval struct {
	Action        string
	EstimatedCost int64
	Risk          state.RiskLevel
	ExpiresAt     *time.Time
}

// RequiresChildDispatch runs Plan as a child run with the current worker as
// the authorizing role. The child's consolidated output becomes this step's
// Summary.
type RequiresChildDispatch struct {
	Plan []state.PlanStep
}

// Failed fails the run. There is no automatic retry.
type Failed struct {
	Reason string
}

func (Summary) isResult()               {}
func (RequiresApproval) isResult()      {}
func (RequiresChildDispatch) isResult() {}
func (Failed) isResult()                {}

// Task is the context handed to a worker for one step.
type Task struct {
	RunID    string
	Step     int
	WorkerID string
	Domain   string
	Goals    []string

	// Input is the step's payload from the plan.
	Input json.RawMessage

	// Inbox holds the messages waiting for this worker, oldest first. They
	// are consumed when the step completes.
	Inbox []state.Message

	// Approved lists approved decisions already recorded for this step.
	Approved []state.ApprovalRequest

	// Outbox collects messages to send. They are delivered when the step
	// completes and discarded otherwise.
	Outbox *bus.Outbox
}

// IsApproved reports whether an approval was granted for this step.
func (t *Task) IsApproved() bool { return len(t.Approved) > 0 }

// Decode unmarshals Input into v, rejecting unknown fields. An empty input
// leaves v untouched.
func (t *Task) Decode(v any) error {
	if len(bytes.TrimSpace(t.Input)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(t.Input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode input for %s: %w", t.WorkerID, err)
	}
	return nil
}

// Typed wraps fn so that it receives the step input decoded into T. Input
// that does not match T's schema fails the step.
func Typed[T any](fn func(ctx context.Context, run state.Run, task *Task, in T) (Result, error)) Worker {
	return WorkerFunc(func(ctx context.Context, run state.Run, task *Task) (Result, error) {
		var in T
		if err := task.Decode(&in); err != nil {
			return Failed{Reason: fmt.Sprintf("invalid input: %v", err)}, nil
		}
		return fn(ctx, run, task, in)
	})
}

// RateLimited waits on limiter before each execution of w.
func RateLimited(w Worker, limiter *rate.Limiter) Worker {
	return WorkerFunc(func(ctx context.Context, run state.Run, task *Task) (Result, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		return w.Execute(ctx, run, task)
	})
}
