// Package dispatch holds the worker registry and the loop that advances a
// run through its dispatch plan.
//
// The loop checkpoints before and after every step. It stops when the run
// leaves the running status: on completion, on failure, on cancellation or
// when a step asks for approval. A step may expand into a child run that is
// driven by the same loop, with the dispatching worker as the authorizing
// role. Contiguous steps that share a group label are executed concurrently
// and joined in worker-id order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/graphd/internal/logging"
	"github.com/fyrsmithlabs/graphd/pkg/bus"
	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/guard"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

const instrumentationName = "github.com/fyrsmithlabs/graphd/pkg/dispatch"

// Failure reasons recorded on runs.
const (
	ReasonUnauthorized     = "unauthorized dispatch"
	ReasonBudgetExceeded   = "budget exceeded"
	ReasonDeadlineExceeded = "deadline exceeded"
	ReasonDepthExceeded    = "child dispatch depth exceeded"
)

// DefaultCoordinatorRole is the role of the top-level dispatcher.
const DefaultCoordinatorRole = "coordinator"

// Approver is told about approval requests on top-level runs once they are
// durable.
type Approver interface {
	RequestDecision(ctx context.Context, req state.ApprovalRequest, seq int64) error
}

// Options configures a Dispatcher.
type Options struct {
	// CoordinatorRole authorizes steps of top-level runs.
	CoordinatorRole string

	// MaxParallel bounds concurrent execution within a group.
	MaxParallel int

	// MaxChildDepth bounds child run nesting.
	MaxChildDepth int

	// Recorder stores guard rail violations.
	Recorder guard.Recorder

	// Sink receives lifecycle events.
	Sink event.Sink

	// Approver is notified of new approval requests. When nil the
	// dispatcher emits approval_requested itself.
	Approver Approver

	// CancelRequested is consulted at every step boundary with the id of
	// the top-level run.
	CancelRequested func(rootRunID string) (reason string, ok bool)

	Now func() time.Time
}

// Dispatcher drives runs through their plans.
type Dispatcher struct {
	registry *Registry
	guard    *guard.Registry
	log      checkpoint.Log
	opts     Options
	logger   *zap.Logger

	tracer      trace.Tracer
	stepCounter metric.Int64Counter
}

// New creates a dispatcher.
func New(registry *Registry, g *guard.Registry, log checkpoint.Log, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CoordinatorRole == "" {
		opts.CoordinatorRole = DefaultCoordinatorRole
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.MaxChildDepth <= 0 {
		opts.MaxChildDepth = 3
	}
	if opts.Sink == nil {
		opts.Sink = event.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Dispatcher{
		registry: registry,
		guard:    g,
		log:      log,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}

	var err error
	d.stepCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"graphd.dispatch.steps_total",
		metric.WithDescription("Total number of worker executions by result"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		logger.Warn("failed to create step counter", zap.Error(err))
	}
	return d
}

// ChildID names the child run spawned by a plan step.
func ChildID(parentID string, step int, worker string) string {
	return fmt.Sprintf("%s/%d/%s", parentID, step, worker)
}

type frame struct {
	root  string
	role  string
	depth int
}

// Run advances run until it leaves the running status. Business outcomes
// (failure, approval pause, cancellation) are reported through the returned
// Run; the error is reserved for persistence failures and context
// cancellation, in which case the returned Run is the last durable state.
func (d *Dispatcher) Run(ctx context.Context, run state.Run) (state.Run, error) {
	fr := frame{root: run.ID, role: d.opts.CoordinatorRole}
	if run.Parent != nil {
		fr.role = run.Parent.WorkerID
	}
	return d.drive(ctx, run, fr)
}

func (d *Dispatcher) drive(ctx context.Context, run state.Run, fr frame) (state.Run, error) {
	for {
		if run.Status != state.StatusRunning {
			return run, nil
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if _, err := d.log.Append(ctx, run); err != nil {
			return run, err
		}

		if d.opts.CancelRequested != nil {
			if reason, ok := d.opts.CancelRequested(fr.root); ok {
				return d.terminate(ctx, run, state.StatusCancelled, reason)
			}
		}
		if dl := run.Objective.Constraints.Deadline; dl != nil && !d.opts.Now().Before(*dl) {
			return d.terminate(ctx, run, state.StatusFailed, ReasonDeadlineExceeded)
		}
		if run.Cursor >= len(run.Plan) {
			return d.terminate(ctx, run, state.StatusCompleted, "")
		}

		var err error
		if run, err = d.step(ctx, run, fr); err != nil {
			return run, err
		}
	}
}

type member struct {
	index int
	step  state.PlanStep
	reg   Registration
}

type outcome struct {
	index int
	reg   Registration

	inbox  []state.Message
	outbox *bus.Outbox

	summary   *Summary
	approvals []state.ApprovalRequest
	failure   string
	cancel    string
}

// step executes the step under the cursor, or the whole group it starts.
func (d *Dispatcher) step(ctx context.Context, run state.Run, fr frame) (state.Run, error) {
	start, end := run.Cursor, run.Cursor+1
	if g := run.Plan[start].Group; g != "" {
		for end < len(run.Plan) && run.Plan[end].Group == g {
			end++
		}
	}

	members := make([]member, 0, end-start)
	for i := start; i < end; i++ {
		ps := run.Plan[i]
		reg, ok := d.registry.Lookup(ps.WorkerID)
		if !ok {
			return d.terminate(ctx, run, state.StatusFailed, fmt.Sprintf("%s %q", ErrUnknownWorker, ps.WorkerID))
		}
		if _, err := d.guard.Authorize(fr.role, reg.Domain, guard.ActionDispatch); err != nil {
			var denied *guard.DeniedError
			if errors.As(err, &denied) {
				d.recordViolation(ctx, run.ID, denied)
			}
			return d.terminate(ctx, run, state.StatusFailed, ReasonUnauthorized)
		}
		members = append(members, member{index: i, step: ps, reg: reg})
	}

	outs, err := d.executeAll(ctx, run, members, fr)
	if err != nil {
		return run, err
	}
	return d.join(ctx, run, outs)
}

func (d *Dispatcher) executeAll(ctx context.Context, run state.Run, members []member, fr frame) ([]outcome, error) {
	outs := make([]outcome, len(members))
	if len(members) == 1 {
		o, err := d.execute(ctx, run, members[0], fr)
		outs[0] = o
		return outs, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.MaxParallel)
	for i, m := range members {
		g.Go(func() error {
			o, err := d.execute(gctx, run, m, fr)
			outs[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Joins are ordered by worker id, not completion time.
	sort.SliceStable(outs, func(a, b int) bool { return outs[a].reg.ID < outs[b].reg.ID })
	return outs, nil
}

func (d *Dispatcher) execute(ctx context.Context, run state.Run, m member, fr frame) (outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("worker.id", m.reg.ID),
		attribute.Int("step", m.index),
	)
	ctx = logging.WithStepScope(ctx, run.ID, m.reg.ID, m.index)
	d.logger.Debug("dispatching step", logging.ContextFields(ctx)...)

	o := outcome{index: m.index, reg: m.reg}

	child, err := d.log.Latest(ctx, ChildID(run.ID, m.index, m.reg.ID))
	switch {
	case err == nil:
		d.count(ctx, "child_resumed")
		return d.resumeChild(ctx, run, child, o, fr)
	case !errors.Is(err, checkpoint.ErrNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o, err
	}

	task := &Task{
		RunID:    run.ID,
		Step:     m.index,
		WorkerID: m.reg.ID,
		Domain:   m.reg.Domain,
		Goals:    append([]string(nil), run.Objective.Constraints.Goals...),
		Input:    append(json.RawMessage(nil), m.step.Input...),
		Inbox:    run.InboxFor(m.reg.ID),
		Approved: run.ApprovedFor(m.index, m.reg.ID),
		Outbox:   bus.NewOutbox(m.reg.ID, d.opts.Now),
	}
	o.inbox, o.outbox = task.Inbox, task.Outbox

	res, err := d.invoke(ctx, run, m.reg, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o, err
	}

	switch r := res.(type) {
	case Summary:
		d.count(ctx, "summary")
		o.summary = &r
	case RequiresApproval:
		d.count(ctx, "requires_approval")
		o.approvals = []state.ApprovalRequest{{
			ID:                uuid.New().String(),
			Step:              m.index,
			WorkerID:          m.reg.ID,
			ActionDescription: r.Action,
			EstimatedCost:     r.EstimatedCost,
			RiskLevel:         r.Risk,
			ExpiresAt:         r.ExpiresAt,
			CreatedAt:         d.opts.Now(),
		}}
	case RequiresChildDispatch:
		d.count(ctx, "requires_child_dispatch")
		return d.startChild(ctx, run, m, r.Plan, o, fr)
	case Failed:
		d.count(ctx, "failed")
		o.failure = r.Reason
		if o.failure == "" {
			o.failure = fmt.Sprintf("worker %s failed", m.reg.ID)
		}
	default:
		d.count(ctx, "failed")
		o.failure = fmt.Sprintf("worker %s returned no result", m.reg.ID)
	}
	return o, nil
}

// invoke runs the worker, turning errors and panics into Failed. Only a
// done context is reported as an error.
func (d *Dispatcher) invoke(ctx context.Context, run state.Run, reg Registration, task *Task) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("worker panicked",
				append(logging.ContextFields(ctx), zap.Any("panic", p))...)
			res, err = Failed{Reason: fmt.Sprintf("worker %s panicked: %v", reg.ID, p)}, nil
		}
	}()

	res, err = reg.Worker.Execute(ctx, run.Clone(), task)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return Failed{Reason: fmt.Sprintf("worker %s: %v", reg.ID, err)}, nil
	}
	if res == nil {
		return Failed{Reason: fmt.Sprintf("worker %s returned no result", reg.ID)}, nil
	}
	return res, nil
}

// join applies the outcomes of one step or group in order. A failure or
// cancellation ends the run, approval requests pause it, and otherwise
// every summary is committed and the cursor moves past the group.
func (d *Dispatcher) join(ctx context.Context, run state.Run, outs []outcome) (state.Run, error) {
	for _, o := range outs {
		if o.cancel != "" {
			return d.terminate(ctx, run, state.StatusCancelled, o.cancel)
		}
		if o.failure != "" {
			return d.terminate(ctx, run, state.StatusFailed, o.failure)
		}
	}

	var approvals []state.ApprovalRequest
	for _, o := range outs {
		approvals = append(approvals, o.approvals...)
	}
	if len(approvals) > 0 {
		return d.pause(ctx, run, approvals)
	}

	next := run
	for _, o := range outs {
		var err error
		if next, err = d.commit(next, o); err != nil {
			if errors.Is(err, state.ErrBudgetExceeded) {
				return d.terminate(ctx, run, state.StatusFailed, ReasonBudgetExceeded)
			}
			return d.terminate(ctx, run, state.StatusFailed, err.Error())
		}
	}
	for range outs {
		var err error
		if next, err = state.Apply(next, state.AdvanceCursor{}); err != nil {
			return d.terminate(ctx, run, state.StatusFailed, err.Error())
		}
	}

	cp, err := d.log.Append(ctx, next)
	if err != nil {
		return run, err
	}
	for _, o := range outs {
		e := event.ForRun(event.StepCompleted, next, cp.Sequence, d.opts.Now())
		e.Step = o.index
		e.WorkerID = o.reg.ID
		e.Cost = o.summary.Cost
		d.emit(ctx, e)
	}
	d.logger.Debug("step completed",
		zap.String("run_id", next.ID),
		zap.Int("cursor", next.Cursor),
		zap.Int64("budget_remaining", next.BudgetRemaining))
	return next, nil
}

// commit applies one summary: budget first, so an overrun changes nothing
// else, then messages and the output.
func (d *Dispatcher) commit(run state.Run, o outcome) (state.Run, error) {
	run, err := state.Apply(run, state.DecrementBudget{Amount: o.summary.Cost})
	if err != nil {
		return run, err
	}
	if o.outbox != nil {
		if run, err = bus.Flush(run, o.outbox, d.opts.Now()); err != nil {
			return run, err
		}
	}
	for _, msg := range o.inbox {
		head := run.InboxFor(o.reg.ID)
		if len(head) == 0 || head[0].ID != msg.ID {
			continue
		}
		if run, err = state.Apply(run, state.DequeueMessage{WorkerID: o.reg.ID, MessageID: msg.ID}); err != nil {
			return run, err
		}
	}
	return state.Apply(run, state.AppendOutput{Output: state.Output{
		Step:     o.index,
		WorkerID: o.reg.ID,
		Summary:  o.summary.Text,
		Cost:     o.summary.Cost,
		Data:     o.summary.Data,
	}})
}

func (d *Dispatcher) pause(ctx context.Context, run state.Run, approvals []state.ApprovalRequest) (state.Run, error) {
	next := run
	for _, a := range approvals {
		var err error
		if next, err = state.Apply(next, state.AddApproval{Request: a}); err != nil {
			return d.terminate(ctx, run, state.StatusFailed, err.Error())
		}
	}
	next, err := state.Apply(next, state.Transition{To: state.StatusAwaitingApproval})
	if err != nil {
		return d.terminate(ctx, run, state.StatusFailed, err.Error())
	}

	cp, err := d.log.Append(ctx, next)
	if err != nil {
		return run, err
	}
	for _, a := range next.PendingApprovals {
		if next.Parent == nil && d.opts.Approver != nil {
			if err := d.opts.Approver.RequestDecision(ctx, a, cp.Sequence); err != nil {
				d.logger.Warn("approver rejected request", zap.String("request_id", a.ID), zap.Error(err))
			}
			continue
		}
		e := event.ForRun(event.ApprovalRequested, next, cp.Sequence, d.opts.Now())
		e.Step = a.Step
		e.WorkerID = a.WorkerID
		e.RequestID = a.ID
		d.emit(ctx, e)
	}
	d.logger.Info("run awaiting approval",
		zap.String("run_id", next.ID),
		zap.Int("pending", len(next.PendingApprovals)))
	return next, nil
}

// terminate moves run to a terminal status, checkpoints and emits.
func (d *Dispatcher) terminate(ctx context.Context, run state.Run, to state.Status, reason string) (state.Run, error) {
	next, err := state.Apply(run, state.Transition{To: to, Reason: reason})
	if err != nil {
		return run, err
	}
	cp, err := d.log.Append(ctx, next)
	if err != nil {
		return run, err
	}
	if kind, ok := event.TerminalKind(to); ok {
		d.emit(ctx, event.ForRun(kind, next, cp.Sequence, d.opts.Now()))
	}
	d.logger.Info("run finished",
		zap.String("run_id", next.ID),
		zap.String("status", string(next.Status)),
		zap.String("reason", next.FailureReason))
	return next, nil
}

func (d *Dispatcher) recordViolation(ctx context.Context, runID string, denied *guard.DeniedError) {
	v := guard.NewViolation(runID, denied, d.opts.Now())
	d.logger.Warn("dispatch denied",
		zap.String("run_id", runID),
		zap.String("role", denied.Role),
		zap.String("domain", denied.Domain),
		zap.String("reason", denied.Reason))
	if d.opts.Recorder == nil {
		return
	}
	if err := d.opts.Recorder.Record(ctx, v); err != nil {
		d.logger.Error("failed to record violation", zap.String("run_id", runID), zap.Error(err))
	}
}

func (d *Dispatcher) emit(ctx context.Context, e event.Event) {
	if err := d.opts.Sink.Emit(ctx, e); err != nil {
		d.logger.Warn("event sink failed",
			zap.String("kind", string(e.Kind)),
			zap.String("run_id", e.RunID),
			zap.Error(err))
	}
}

func (d *Dispatcher) count(ctx context.Context, result string) {
	if d.stepCounter != nil {
		d.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// consolidate turns a completed child run into its parent step's summary.
func consolidate(child state.Run) (*Summary, error) {
	lines := make([]string, 0, len(child.Outputs))
	for _, out := range child.Outputs {
		lines = append(lines, fmt.Sprintf("%s: %s", out.WorkerID, out.Summary))
	}
	data, err := json.Marshal(child.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encoding child outputs: %w", err)
	}
	return &Summary{Text: strings.Join(lines, "\n"), Cost: child.Spent(), Data: data}, nil
}
