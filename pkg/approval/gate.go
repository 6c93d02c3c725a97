// Package approval manages the decision lifecycle of approval requests
// raised by workers on top-level runs.
//
// The gate keeps no decision state of its own. Requests live on the Run and
// every decision is a checkpointed mutation of it; the gate only keeps an
// index from request id to run id, which is rebuilt from the checkpoint log
// when a lookup misses.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

const instrumentationName = "github.com/fyrsmithlabs/graphd/pkg/approval"

var (
	// ErrAlreadyResolved is returned for a request that already carries a
	// decision. It is the same error the state package reports.
	ErrAlreadyResolved = state.ErrAlreadyResolved

	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval request not found")

	// ErrNotExpired is returned by Expire before the request's expiry.
	ErrNotExpired = errors.New("approval request has not expired")

	// ErrExpired is returned by Resolve when the request expired before the
	// decision arrived. The request is recorded as expired.
	ErrExpired = errors.New("approval request expired")
)

// Options configures a Gate.
type Options struct {
	Sink event.Sink
	Now  func() time.Time
}

// Gate resolves approval requests against the checkpoint log.
type Gate struct {
	log    checkpoint.Log
	sink   event.Sink
	now    func() time.Time
	logger *zap.Logger

	tracer          trace.Tracer
	decisionCounter metric.Int64Counter

	// mu serializes decisions so two callers cannot both win a request.
	mu sync.Mutex

	indexMu sync.RWMutex
	index   map[string]string
	// done holds runs whose requests are all indexed for good: terminal
	// runs and child runs. Rebuilds skip them.
	done map[string]bool
}

// New creates a gate over log.
func New(log checkpoint.Log, opts Options, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Sink == nil {
		opts.Sink = event.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Gate{
		log:    log,
		sink:   opts.Sink,
		now:    opts.Now,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		index:  make(map[string]string),
		done:   make(map[string]bool),
	}

	var err error
	g.decisionCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"graphd.approval.decisions_total",
		metric.WithDescription("Total number of approval decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create decision counter", zap.Error(err))
	}
	return g
}

// RequestDecision makes a durable request visible: it is indexed and an
// approval_requested event is emitted. seq is the checkpoint that holds it.
func (g *Gate) RequestDecision(ctx context.Context, req state.ApprovalRequest, seq int64) error {
	if req.ID == "" || req.RunID == "" {
		return errors.New("approval request needs an id and a run id")
	}

	g.indexMu.Lock()
	g.index[req.ID] = req.RunID
	g.indexMu.Unlock()

	g.emit(ctx, event.Event{
		Kind:      event.ApprovalRequested,
		RunID:     req.RunID,
		WorkerID:  req.WorkerID,
		Step:      req.Step,
		Status:    state.StatusAwaitingApproval,
		RequestID: req.ID,
		Sequence:  seq,
		At:        g.now().UTC(),
	})
	g.logger.Info("approval requested",
		zap.String("run_id", req.RunID),
		zap.String("request_id", req.ID),
		zap.String("action", req.ActionDescription),
		zap.Int64("estimated_cost", req.EstimatedCost),
		zap.String("risk", string(req.RiskLevel)))
	return nil
}

// Resolve records an approved or rejected decision and returns the updated
// run. Approval returns the run to running once nothing else is pending;
// rejection fails it. A request past its expiry is expired instead and
// ErrExpired is returned alongside the updated run.
func (g *Gate) Resolve(ctx context.Context, requestID string, decision state.ApprovalStatus, decidedBy string) (state.Run, error) {
	ctx, span := g.tracer.Start(ctx, "approval.resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("decision", string(decision)),
	)

	if decision != state.ApprovalApproved && decision != state.ApprovalRejected {
		err := fmt.Errorf("decision must be %s or %s, got %q", state.ApprovalApproved, state.ApprovalRejected, decision)
		span.SetStatus(codes.Error, err.Error())
		return state.Run{}, err
	}
	if decidedBy == "" {
		err := errors.New("decided_by is required")
		span.SetStatus(codes.Error, err.Error())
		return state.Run{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	run, req, err := g.load(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return run, err
	}

	now := g.now()
	if req.ExpiredAt(now) {
		run, err = g.decide(ctx, run, req, state.ApprovalExpired, "", now)
		if err != nil {
			return run, err
		}
		return run, fmt.Errorf("%w: %s expired at %s", ErrExpired, requestID, req.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return g.decide(ctx, run, req, decision, decidedBy, now)
}

// Expire records an expiry for a request whose deadline has passed. It is
// treated like a rejection.
func (g *Gate) Expire(ctx context.Context, requestID string) (state.Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	run, req, err := g.load(ctx, requestID)
	if err != nil {
		return run, err
	}
	now := g.now()
	if !req.ExpiredAt(now) {
		return run, fmt.Errorf("%w: %s", ErrNotExpired, requestID)
	}
	return g.decide(ctx, run, req, state.ApprovalExpired, "", now)
}

// ExpireDue expires every pending request of runID whose deadline is at or
// before now and returns the resulting run.
func (g *Gate) ExpireDue(ctx context.Context, runID string, now time.Time) (state.Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	run, err := g.log.Latest(ctx, runID)
	if err != nil {
		return run, err
	}
	for _, req := range run.PendingApprovals {
		if run.IsTerminal() {
			break
		}
		if !req.ExpiredAt(now) {
			continue
		}
		if run, err = g.decide(ctx, run, req, state.ApprovalExpired, "", now); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Pending returns the undecided requests of runID, or of every top-level
// run when runID is empty. Requests of terminal runs are not listed.
func (g *Gate) Pending(ctx context.Context, runID string) ([]state.ApprovalRequest, error) {
	ids := []string{runID}
	if runID == "" {
		var err error
		if ids, err = g.log.Runs(ctx); err != nil {
			return nil, err
		}
	}

	var out []state.ApprovalRequest
	for _, id := range ids {
		run, err := g.log.Latest(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Parent != nil || run.IsTerminal() {
			continue
		}
		out = append(out, run.PendingApprovals...)
	}
	return out, nil
}

// load finds the run holding requestID. A request that already carries a
// decision reports ErrAlreadyResolved even when the run is terminal.
func (g *Gate) load(ctx context.Context, requestID string) (state.Run, state.ApprovalRequest, error) {
	runID, err := g.lookup(ctx, requestID)
	if err != nil {
		return state.Run{}, state.ApprovalRequest{}, err
	}
	run, err := g.log.Latest(ctx, runID)
	if err != nil {
		return state.Run{}, state.ApprovalRequest{}, err
	}
	req, pending, ok := run.FindApproval(requestID)
	switch {
	case !ok:
		return run, req, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	case !pending:
		return run, req, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, requestID, req.Status)
	}
	return run, req, nil
}

func (g *Gate) decide(ctx context.Context, run state.Run, req state.ApprovalRequest, decision state.ApprovalStatus, decidedBy string, now time.Time) (state.Run, error) {
	next, err := state.Apply(run, state.ResolveApproval{
		RequestID: req.ID,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: now,
	})
	if err != nil {
		return run, err
	}
	cp, err := g.log.Append(ctx, next)
	if err != nil {
		return run, err
	}

	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(decision))))
	}

	e := event.ForRun(event.ApprovalResolved, next, cp.Sequence, now)
	e.Step = req.Step
	e.WorkerID = req.WorkerID
	e.RequestID = req.ID
	e.Decision = decision
	g.emit(ctx, e)
	if kind, ok := event.TerminalKind(next.Status); ok {
		g.emit(ctx, event.ForRun(kind, next, cp.Sequence, now))
	}

	g.logger.Info("approval resolved",
		zap.String("run_id", next.ID),
		zap.String("request_id", req.ID),
		zap.String("decision", string(decision)),
		zap.String("decided_by", decidedBy),
		zap.String("status", string(next.Status)))
	return next, nil
}

// RunFor returns the id of the run holding requestID.
func (g *Gate) RunFor(ctx context.Context, requestID string) (string, error) {
	return g.lookup(ctx, requestID)
}

// lookup resolves requestID to its run id, rebuilding the index from the
// log on a miss.
func (g *Gate) lookup(ctx context.Context, requestID string) (string, error) {
	g.indexMu.RLock()
	runID, ok := g.index[requestID]
	g.indexMu.RUnlock()
	if ok {
		return runID, nil
	}

	if err := g.rebuild(ctx); err != nil {
		return "", err
	}

	g.indexMu.RLock()
	runID, ok = g.index[requestID]
	g.indexMu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return runID, nil
}

// rebuild indexes requests from the log. Only runs that can still gain
// requests are reloaded, so a miss costs one read per live run.
func (g *Gate) rebuild(ctx context.Context) error {
	ids, err := g.log.Runs(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding approval index: %w", err)
	}

	g.indexMu.RLock()
	todo := make([]string, 0, len(ids))
	for _, id := range ids {
		if !g.done[id] {
			todo = append(todo, id)
		}
	}
	g.indexMu.RUnlock()

	index := make(map[string]string)
	var done []string
	for _, id := range todo {
		run, err := g.log.Latest(ctx, id)
		if err != nil {
			return fmt.Errorf("rebuilding approval index: %w", err)
		}
		// Child runs share request ids with the parent they bubble to.
		if run.Parent != nil {
			done = append(done, id)
			continue
		}
		for _, a := range run.PendingApprovals {
			index[a.ID] = run.ID
		}
		for _, a := range run.ResolvedApprovals {
			index[a.ID] = run.ID
		}
		if run.IsTerminal() {
			done = append(done, id)
		}
	}

	g.indexMu.Lock()
	for k, v := range index {
		g.index[k] = v
	}
	for _, id := range done {
		g.done[id] = true
	}
	g.indexMu.Unlock()
	g.logger.Debug("approval index rebuilt",
		zap.Int("runs_scanned", len(todo)),
		zap.Int("requests", len(index)))
	return nil
}

func (g *Gate) emit(ctx context.Context, e event.Event) {
	if err := g.sink.Emit(ctx, e); err != nil {
		g.logger.Warn("event sink failed",
			zap.String("kind", string(e.Kind)),
			zap.String("run_id", e.RunID),
			zap.Error(err))
	}
}
