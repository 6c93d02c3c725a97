// Package engine is the entry point for running objectives through a worker
// hierarchy. It wires the dispatcher, the approval gate, the checkpoint log
// and the guard registry together and serializes operations per run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/internal/runlock"
	"github.com/fyrsmithlabs/graphd/pkg/approval"
	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/dispatch"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/guard"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

var (
	// ErrNoPlanner is returned by Start when no Planner is configured.
	ErrNoPlanner = errors.New("no planner configured")

	// ErrPlanning wraps planner failures.
	ErrPlanning = errors.New("planning failed")

	// ErrTerminal is returned when an operation needs a live run.
	ErrTerminal = errors.New("run is terminal")

	// ErrChildRun is returned when a top-level operation targets a child run.
	ErrChildRun = errors.New("operation not permitted on a child run")
)

// DefaultCancelReason is recorded when Cancel is called without a reason.
const DefaultCancelReason = "cancelled by caller"

// Planner turns an objective into a dispatch plan. Plan quality is the
// planner's concern; the engine only checks plan shape.
type Planner interface {
	Plan(ctx context.Context, obj state.Objective) ([]state.PlanStep, error)
}

// PlannerFunc adapts a function to a Planner.
type PlannerFunc func(ctx context.Context, obj state.Objective) ([]state.PlanStep, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, obj state.Objective) ([]state.PlanStep, error) {
	return f(ctx, obj)
}

// StaticPlan is a Planner that always returns the same plan.
type StaticPlan []state.PlanStep

// Plan implements Planner.
func (p StaticPlan) Plan(context.Context, state.Objective) ([]state.PlanStep, error) {
	return append([]state.PlanStep(nil), p...), nil
}

// Options configures an Engine.
type Options struct {
	// Registry holds the workers. It is sealed by New.
	Registry *dispatch.Registry

	// Log stores checkpoints. Defaults to an in-memory log.
	Log checkpoint.Log

	Planner Planner

	// Roles grants extra permissions on top of the matrix derived from
	// Registry.
	Roles guard.Matrix

	CoordinatorRole string
	MaxParallel     int
	MaxChildDepth   int

	// Recorder stores guard rail violations. Defaults to an in-memory
	// recorder. Violations are queryable when it also implements
	// guard.Lister.
	Recorder guard.Recorder

	Sink event.Sink

	Now   func() time.Time
	NewID func() string
}

// Engine runs objectives. It is safe for concurrent use: operations on the
// same run are serialized and different runs proceed independently.
type Engine struct {
	registry   *dispatch.Registry
	guard      *guard.Registry
	log        checkpoint.Log
	planner    Planner
	dispatcher *dispatch.Dispatcher
	gate       *approval.Gate
	recorder   guard.Recorder
	sink       event.Sink
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger

	locks runlock.Set

	mu      sync.Mutex
	cancels map[string]string
}

// New builds an engine. The guard matrix is frozen here: later changes to
// opts.Roles or registrations have no effect.
func New(opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: worker registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Log == nil {
		opts.Log = checkpoint.NewService(checkpoint.NewMemoryBackend(), checkpoint.Options{}, logger)
	}
	if opts.CoordinatorRole == "" {
		opts.CoordinatorRole = dispatch.DefaultCoordinatorRole
	}
	if opts.Recorder == nil {
		opts.Recorder = guard.NewMemoryRecorder()
	}
	if opts.Sink == nil {
		opts.Sink = event.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	opts.Registry.Seal()
	matrix := guard.Merge(opts.Registry.Matrix(opts.CoordinatorRole), opts.Roles)

	e := &Engine{
		registry: opts.Registry,
		guard:    guard.NewRegistry(matrix),
		log:      opts.Log,
		planner:  opts.Planner,
		recorder: opts.Recorder,
		sink:     opts.Sink,
		now:      opts.Now,
		newID:    opts.NewID,
		logger:   logger,
		cancels:  make(map[string]string),
	}
	e.gate = approval.New(opts.Log, approval.Options{Sink: opts.Sink, Now: opts.Now}, logger.Named("approval"))
	e.dispatcher = dispatch.New(opts.Registry, e.guard, opts.Log, dispatch.Options{
		CoordinatorRole: opts.CoordinatorRole,
		MaxParallel:     opts.MaxParallel,
		MaxChildDepth:   opts.MaxChildDepth,
		Recorder:        opts.Recorder,
		Sink:            opts.Sink,
		Approver:        e.gate,
		CancelRequested: e.cancelRequested,
		Now:             opts.Now,
	}, logger.Named("dispatch"))

	logger.Info("engine ready",
		zap.Strings("workers", opts.Registry.IDs()),
		zap.String("coordinator_role", opts.CoordinatorRole))
	return e, nil
}

// Guard returns the frozen guard registry.
func (e *Engine) Guard() *guard.Registry { return e.guard }

// Start plans obj with the configured planner and runs the plan.
func (e *Engine) Start(ctx context.Context, obj state.Objective) (state.Run, error) {
	if e.planner == nil {
		return state.Run{}, ErrNoPlanner
	}
	plan, err := e.planner.Plan(ctx, obj)
	if err != nil {
		return state.Run{}, fmt.Errorf("%w: %w", ErrPlanning, err)
	}
	return e.StartPlan(ctx, obj, plan)
}

// StartPlan creates a run for obj with an explicit plan, checkpoints it and
// drives it until it completes, fails or pauses. A plan that is empty or
// names an unknown worker is rejected before any run is created.
func (e *Engine) StartPlan(ctx context.Context, obj state.Objective, plan []state.PlanStep) (state.Run, error) {
	if err := e.registry.ValidatePlan(plan); err != nil {
		return state.Run{}, err
	}
	if obj.Constraints.BudgetCeiling < 0 {
		return state.Run{}, fmt.Errorf("%w: negative budget ceiling", state.ErrInvalidTransition)
	}

	run := state.New(e.newID(), obj, e.now())
	run, err := state.Apply(run, state.SetPlan{Plan: plan})
	if err != nil {
		return state.Run{}, err
	}

	unlock := e.locks.Lock(run.ID)
	defer unlock()

	if _, err := e.log.Append(ctx, run); err != nil {
		return state.Run{}, err
	}
	if run, err = state.Apply(run, state.Transition{To: state.StatusRunning}); err != nil {
		return state.Run{}, err
	}
	cp, err := e.log.Append(ctx, run)
	if err != nil {
		return state.Run{}, err
	}
	e.emit(ctx, event.ForRun(event.RunStarted, run, cp.Sequence, e.now()))
	e.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.Int("steps", len(plan)),
		zap.Int64("budget", obj.Constraints.BudgetCeiling))

	return e.drive(ctx, run)
}

// Resume re-enters the dispatcher for runID, for example after a
// persistence failure or a restart. Pending approvals that have expired are
// expired first. A run that is awaiting approval or terminal is returned
// unchanged.
func (e *Engine) Resume(ctx context.Context, runID string) (state.Run, error) {
	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.log.Latest(ctx, runID)
	if err != nil {
		return state.Run{}, err
	}
	if run.Parent != nil {
		return run, fmt.Errorf("%w: %s", ErrChildRun, runID)
	}
	switch run.Status {
	case state.StatusPending:
		if run, err = state.Apply(run, state.Transition{To: state.StatusRunning}); err != nil {
			return run, err
		}
		cp, err := e.log.Append(ctx, run)
		if err != nil {
			return run, err
		}
		e.emit(ctx, event.ForRun(event.RunStarted, run, cp.Sequence, e.now()))
	case state.StatusAwaitingApproval:
		if run, err = e.gate.ExpireDue(ctx, runID, e.now()); err != nil {
			return run, err
		}
	}
	return e.drive(ctx, run)
}

// Resolve records a decision on an approval request. An approval that
// leaves nothing pending resumes the run, re-executing the paused step.
func (e *Engine) Resolve(ctx context.Context, requestID string, decision state.ApprovalStatus, decidedBy string) (state.Run, error) {
	runID, err := e.gate.RunFor(ctx, requestID)
	if err != nil {
		return state.Run{}, err
	}

	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.gate.Resolve(ctx, requestID, decision, decidedBy)
	if errors.Is(err, approval.ErrExpired) {
		if serr := e.finish(ctx, run); serr != nil {
			return run, serr
		}
	}
	if err != nil {
		return run, err
	}
	return e.drive(ctx, run)
}

// Expire expires an approval request whose deadline has passed, failing
// its run.
func (e *Engine) Expire(ctx context.Context, requestID string) (state.Run, error) {
	runID, err := e.gate.RunFor(ctx, requestID)
	if err != nil {
		return state.Run{}, err
	}

	unlock := e.locks.Lock(runID)
	defer unlock()

	run, err := e.gate.Expire(ctx, requestID)
	if err != nil {
		return run, err
	}
	return run, e.finish(ctx, run)
}

// Cancel requests cancellation. Cancellation is cooperative: a run that is
// executing a step is cancelled at the next step boundary, and the returned
// Run is its state before that. An idle run is cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) (state.Run, error) {
	if reason == "" {
		reason = DefaultCancelReason
	}

	unlock, ok := e.locks.TryLock(runID)
	if !ok {
		e.mu.Lock()
		e.cancels[runID] = reason
		e.mu.Unlock()
		e.logger.Info("cancellation requested", zap.String("run_id", runID), zap.String("reason", reason))

		run, err := e.log.Latest(ctx, runID)
		if err != nil {
			return state.Run{}, err
		}
		return run, nil
	}
	defer unlock()

	run, err := e.log.Latest(ctx, runID)
	if err != nil {
		return state.Run{}, err
	}
	if run.Parent != nil {
		return run, fmt.Errorf("%w: %s", ErrChildRun, runID)
	}
	if run.IsTerminal() {
		return run, fmt.Errorf("%w: %s is %s", ErrTerminal, runID, run.Status)
	}

	return e.cancel(ctx, run, reason)
}

func (e *Engine) cancel(ctx context.Context, run state.Run, reason string) (state.Run, error) {
	next, err := state.Apply(run, state.Transition{To: state.StatusCancelled, Reason: reason})
	if err != nil {
		return run, err
	}
	cp, err := e.log.Append(ctx, next)
	if err != nil {
		return run, err
	}
	e.emit(ctx, event.ForRun(event.RunCancelled, next, cp.Sequence, e.now()))
	e.logger.Info("run cancelled", zap.String("run_id", next.ID), zap.String("reason", reason))
	return next, e.finish(ctx, next)
}

// Get returns the latest state of a run.
func (e *Engine) Get(ctx context.Context, runID string) (state.Run, error) {
	return e.log.Latest(ctx, runID)
}

// History yields a run's checkpoints in sequence order.
func (e *Engine) History(ctx context.Context, runID string) iter.Seq2[checkpoint.Checkpoint, error] {
	return e.log.History(ctx, runID)
}

// ReplayTo reconstructs a run as of checkpoint seq.
func (e *Engine) ReplayTo(ctx context.Context, runID string, seq int64) (state.Run, error) {
	return e.log.ReplayTo(ctx, runID, seq)
}

// Runs lists the ids of every checkpointed run, child runs included.
func (e *Engine) Runs(ctx context.Context) ([]string, error) {
	return e.log.Runs(ctx)
}

// Pending lists undecided approval requests of runID, or of every run when
// runID is empty.
func (e *Engine) Pending(ctx context.Context, runID string) ([]state.ApprovalRequest, error) {
	return e.gate.Pending(ctx, runID)
}

// Violations lists recorded guard rail violations for runID, or all of them
// when runID is empty.
func (e *Engine) Violations(ctx context.Context, runID string) ([]guard.Violation, error) {
	lister, ok := e.recorder.(guard.Lister)
	if !ok {
		return nil, errors.New("violation recorder is not queryable")
	}
	return lister.Violations(ctx, runID)
}

// drive runs the dispatcher. The caller holds the run lock. A cancellation
// requested while the run was executing and still outstanding when it
// paused is applied at the pause.
func (e *Engine) drive(ctx context.Context, run state.Run) (state.Run, error) {
	run, err := e.dispatcher.Run(ctx, run)
	if err != nil {
		e.logger.Error("run interrupted", zap.String("run_id", run.ID), zap.Error(err))
		return run, err
	}
	if run.IsTerminal() {
		return run, e.finish(ctx, run)
	}
	if reason, ok := e.cancelRequested(run.ID); ok {
		return e.cancel(ctx, run, reason)
	}
	return run, nil
}

func (e *Engine) cancelRequested(rootRunID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason, ok := e.cancels[rootRunID]
	return reason, ok
}

// finish releases what the engine holds for a terminal run and settles its
// child runs.
func (e *Engine) finish(ctx context.Context, run state.Run) error {
	if !run.IsTerminal() {
		return nil
	}
	e.mu.Lock()
	delete(e.cancels, run.ID)
	e.mu.Unlock()

	if err := e.dispatcher.Settle(ctx, run); err != nil {
		e.logger.Error("settling child runs failed", zap.String("run_id", run.ID), zap.Error(err))
		return fmt.Errorf("settling child runs of %s: %w", run.ID, err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev event.Event) {
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Warn("event sink failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("run_id", ev.RunID),
			zap.Error(err))
	}
}
