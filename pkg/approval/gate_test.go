package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	log   *checkpoint.Service
	gate  *Gate
	sink  *recorder
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		log:   checkpoint.NewService(checkpoint.NewMemoryBackend(), checkpoint.Options{}, zap.NewNop()),
		sink:  &recorder{},
		clock: t0,
	}
	f.gate = New(f.log, Options{Sink: f.sink, Now: func() time.Time { return f.clock }}, zap.NewNop())
	return f
}

// awaiting checkpoints a run paused on the given requests and hands them to
// the gate.
func (f *fixture) awaiting(t *testing.T, runID string, reqs ...state.ApprovalRequest) state.Run {
	t.Helper()
	r := state.New(runID, state.Objective{Constraints: state.Constraints{BudgetCeiling: 1000}}, t0)
	r, err := state.ApplyAll(r,
		state.SetPlan{Plan: []state.PlanStep{{WorkerID: "finance"}, {WorkerID: "design"}}},
		state.Transition{To: state.StatusRunning},
		state.AdvanceCursor{},
	)
	require.NoError(t, err)
	for _, req := range reqs {
		req.Step = 1
		req.WorkerID = "design"
		r, err = state.Apply(r, state.AddApproval{Request: req})
		require.NoError(t, err)
	}
	r, err = state.Apply(r, state.Transition{To: state.StatusAwaitingApproval})
	require.NoError(t, err)

	cp, err := f.log.Append(context.Background(), r)
	require.NoError(t, err)
	for _, req := range r.PendingApprovals {
		require.NoError(t, f.gate.RequestDecision(context.Background(), req, cp.Sequence))
	}
	return r
}

func TestGate_RequestDecisionEmits(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand", EstimatedCost: 900})

	require.Len(t, f.sink.events, 1)
	e := f.sink.events[0]
	assert.Equal(t, event.ApprovalRequested, e.Kind)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "design", e.WorkerID)
	assert.Equal(t, 1, e.Step)
	assert.Equal(t, int64(1), e.Sequence)

	err := f.gate.RequestDecision(context.Background(), state.ApprovalRequest{ID: "x"}, 1)
	assert.Error(t, err)
}

func TestGate_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		decision   state.ApprovalStatus
		wantStatus state.Status
		wantKinds  []event.Kind
	}{
		{
			name:       "approved resumes",
			decision:   state.ApprovalApproved,
			wantStatus: state.StatusRunning,
			wantKinds:  []event.Kind{event.ApprovalRequested, event.ApprovalResolved},
		},
		{
			name:       "rejected is terminal",
			decision:   state.ApprovalRejected,
			wantStatus: state.StatusFailed,
			wantKinds:  []event.Kind{event.ApprovalRequested, event.ApprovalResolved, event.RunFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand"})

			run, err := f.gate.Resolve(context.Background(), "req-1", tt.decision, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, run.Status)
			assert.Equal(t, 1, run.Cursor)
			require.Len(t, run.ResolvedApprovals, 1)
			assert.Equal(t, "alice", run.ResolvedApprovals[0].DecidedBy)
			assert.Equal(t, tt.wantKinds, f.sink.kinds())

			latest, err := f.log.Latest(context.Background(), "run-1")
			require.NoError(t, err)
			assert.Equal(t, run, latest)
		})
	}
}

func TestGate_ResolveTwice(t *testing.T) {
	for _, first := range []state.ApprovalStatus{state.ApprovalApproved, state.ApprovalRejected} {
		t.Run(string(first), func(t *testing.T) {
			f := newFixture(t)
			f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand"})

			after, err := f.gate.Resolve(context.Background(), "req-1", first, "alice")
			require.NoError(t, err)

			_, err = f.gate.Resolve(context.Background(), "req-1", state.ApprovalApproved, "bob")
			require.ErrorIs(t, err, ErrAlreadyResolved)
			_, err = f.gate.Expire(context.Background(), "req-1")
			require.ErrorIs(t, err, ErrAlreadyResolved)

			latest, err := f.log.Latest(context.Background(), "run-1")
			require.NoError(t, err)
			assert.Equal(t, after, latest)
		})
	}
}

func TestGate_ResolveValidation(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand"})

	_, err := f.gate.Resolve(context.Background(), "req-1", state.ApprovalExpired, "alice")
	assert.Error(t, err)
	_, err = f.gate.Resolve(context.Background(), "req-1", state.ApprovalApproved, "")
	assert.Error(t, err)
	_, err = f.gate.Resolve(context.Background(), "ghost", state.ApprovalApproved, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	run, err := f.log.Latest(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusAwaitingApproval, run.Status)
}

func TestGate_PartialApproval(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, "run-1",
		state.ApprovalRequest{ID: "req-1", ActionDescription: "print"},
		state.ApprovalRequest{ID: "req-2", ActionDescription: "ship"},
	)

	run, err := f.gate.Resolve(context.Background(), "req-1", state.ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, state.StatusAwaitingApproval, run.Status)

	pending, err := f.gate.Pending(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "req-2", pending[0].ID)

	run, err = f.gate.Resolve(context.Background(), "req-2", state.ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, run.Status)
}

func TestGate_Expiry(t *testing.T) {
	expires := t0.Add(time.Hour)

	t.Run("expire before deadline", func(t *testing.T) {
		f := newFixture(t)
		f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand", ExpiresAt: &expires})

		_, err := f.gate.Expire(context.Background(), "req-1")
		assert.ErrorIs(t, err, ErrNotExpired)
	})

	t.Run("expire after deadline fails the run", func(t *testing.T) {
		f := newFixture(t)
		f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand", ExpiresAt: &expires})
		f.clock = expires

		run, err := f.gate.Expire(context.Background(), "req-1")
		require.NoError(t, err)
		assert.Equal(t, state.StatusFailed, run.Status)
		assert.Equal(t, "approval expired: rebrand", run.FailureReason)
		assert.Equal(t, state.ApprovalExpired, run.ResolvedApprovals[0].Status)
	})

	t.Run("late resolve expires instead", func(t *testing.T) {
		f := newFixture(t)
		f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand", ExpiresAt: &expires})
		f.clock = expires.Add(time.Minute)

		run, err := f.gate.Resolve(context.Background(), "req-1", state.ApprovalApproved, "alice")
		require.ErrorIs(t, err, ErrExpired)
		assert.Equal(t, state.StatusFailed, run.Status)

		_, err = f.gate.Resolve(context.Background(), "req-1", state.ApprovalApproved, "alice")
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})

	t.Run("no expiry never expires", func(t *testing.T) {
		f := newFixture(t)
		f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand"})
		f.clock = t0.Add(24 * 365 * time.Hour)

		_, err := f.gate.Expire(context.Background(), "req-1")
		assert.ErrorIs(t, err, ErrNotExpired)
	})
}

func TestGate_ExpireDue(t *testing.T) {
	soon, later := t0.Add(time.Minute), t0.Add(time.Hour)
	f := newFixture(t)
	f.awaiting(t, "run-1",
		state.ApprovalRequest{ID: "req-1", ActionDescription: "print", ExpiresAt: &later},
		state.ApprovalRequest{ID: "req-2", ActionDescription: "ship", ExpiresAt: &soon},
	)

	run, err := f.gate.ExpireDue(context.Background(), "run-1", t0)
	require.NoError(t, err)
	assert.Equal(t, state.StatusAwaitingApproval, run.Status)

	run, err = f.gate.ExpireDue(context.Background(), "run-1", soon)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, run.Status)
	require.Len(t, run.ResolvedApprovals, 1)
	assert.Equal(t, "req-2", run.ResolvedApprovals[0].ID)

	_, err = f.gate.ExpireDue(context.Background(), "ghost", soon)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestGate_IndexRebuiltFromLog(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand"})

	// child runs share the bubbled request id and must not shadow the parent
	child := state.New("run-1/1/design", state.Objective{Constraints: state.Constraints{BudgetCeiling: 10}}, t0)
	child.Parent = &state.ParentRef{RunID: "run-1", Step: 1, WorkerID: "design"}
	child, err := state.ApplyAll(child,
		state.SetPlan{Plan: []state.PlanStep{{WorkerID: "ads"}}},
		state.Transition{To: state.StatusRunning},
		state.AddApproval{Request: state.ApprovalRequest{ID: "req-1", WorkerID: "ads", ActionDescription: "rebrand"}},
		state.Transition{To: state.StatusAwaitingApproval},
	)
	require.NoError(t, err)
	_, err = f.log.Append(context.Background(), child)
	require.NoError(t, err)

	restarted := New(f.log, Options{Now: func() time.Time { return t0 }}, nil)
	pending, err := restarted.Pending(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "run-1", pending[0].RunID)

	run, err := restarted.Resolve(context.Background(), "req-1", state.ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, state.StatusRunning, run.Status)
}

// countingLog counts Latest reads.
type countingLog struct {
	checkpoint.Log
	mu     sync.Mutex
	latest map[string]int
}

func (l *countingLog) Latest(ctx context.Context, runID string) (state.Run, error) {
	l.mu.Lock()
	l.latest[runID]++
	l.mu.Unlock()
	return l.Log.Latest(ctx, runID)
}

func (l *countingLog) reads(runID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest[runID]
}

func TestGate_RebuildSkipsSettledRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.awaiting(t, "run-live", state.ApprovalRequest{ID: "req-live", ActionDescription: "rebrand"})
	f.awaiting(t, "run-done", state.ApprovalRequest{ID: "req-done", ActionDescription: "hire"})
	_, err := f.gate.Resolve(ctx, "req-done", state.ApprovalRejected, "alice")
	require.NoError(t, err)

	counted := &countingLog{Log: f.log, latest: make(map[string]int)}
	restarted := New(counted, Options{Now: func() time.Time { return t0 }}, nil)

	for range 3 {
		_, err := restarted.RunFor(ctx, "req-unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 1, counted.reads("run-done"), "a terminal run is read once")
	assert.Equal(t, 3, counted.reads("run-live"))

	id, err := restarted.RunFor(ctx, "req-done")
	require.NoError(t, err)
	assert.Equal(t, "run-done", id)
	_, err = restarted.Resolve(ctx, "req-done", state.ApprovalApproved, "bob")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestGate_ConcurrentResolveHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.awaiting(t, "run-1", state.ApprovalRequest{ID: "req-1", ActionDescription: "rebrand"})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.gate.Resolve(context.Background(), "req-1", state.ApprovalApproved, "alice")
		}()
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	}
	assert.Equal(t, 1, wins)
}
