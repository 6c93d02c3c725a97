package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRunning(t *testing.T, budget int64, workers ...string) Run {
	t.Helper()
	plan := make([]PlanStep, len(workers))
	for i, w := range workers {
		plan[i] = PlanStep{WorkerID: w}
	}
	r := New("run-1", Objective{Description: "test", Constraints: Constraints{BudgetCeiling: budget}}, t0)
	r, err := ApplyAll(r, SetPlan{Plan: plan}, Transition{To: StatusRunning})
	require.NoError(t, err)
	return r
}

func TestNew(t *testing.T) {
	deadline := t0.Add(time.Hour)
	r := New("r", Objective{Constraints: Constraints{BudgetCeiling: 50, Deadline: &deadline}}, t0.In(time.FixedZone("X", 3600)))

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, int64(50), r.BudgetRemaining)
	assert.Equal(t, int64(0), r.Version)
	assert.Equal(t, time.UTC, r.CreatedAt.Location())
	assert.NotSame(t, &deadline, r.Objective.Constraints.Deadline)
}

func TestApply_LeavesInputUntouched(t *testing.T) {
	r := newRunning(t, 100, "a", "b")
	before := r.Clone()

	next, err := Apply(r, AppendOutput{Output: Output{Step: 0, WorkerID: "a", Summary: "done", Cost: 10}})
	require.NoError(t, err)

	assert.Equal(t, before, r)
	assert.Len(t, next.Outputs, 1)
	assert.Equal(t, r.Version+1, next.Version)
}

func TestApply_FailureReturnsOriginal(t *testing.T) {
	r := newRunning(t, 10, "a")

	next, err := Apply(r, DecrementBudget{Amount: 11})
	require.Error(t, err)
	assert.Equal(t, r, next)
}

func TestApply_NilMutation(t *testing.T) {
	_, err := Apply(Run{Status: StatusRunning}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_TerminalRejectsEverything(t *testing.T) {
	r := newRunning(t, 10, "a")
	r, err := Apply(r, Transition{To: StatusCancelled, Reason: "stop"})
	require.NoError(t, err)

	for _, m := range []Mutation{
		AdvanceCursor{},
		DecrementBudget{Amount: 0},
		Transition{To: StatusRunning},
		AppendOutput{Output: Output{WorkerID: "a"}},
	} {
		_, err := Apply(r, m)
		assert.ErrorIs(t, err, ErrInvalidTransition, m.Kind())
	}
}

func TestSetPlan(t *testing.T) {
	tests := []struct {
		name    string
		plan    []PlanStep
		wantErr bool
	}{
		{name: "single step", plan: []PlanStep{{WorkerID: "a"}}},
		{name: "empty plan", plan: nil, wantErr: true},
		{name: "missing worker", plan: []PlanStep{{WorkerID: ""}}, wantErr: true},
		{name: "bad input json", plan: []PlanStep{{WorkerID: "a", Input: json.RawMessage(`{`)}}, wantErr: true},
		{name: "contiguous group", plan: []PlanStep{{WorkerID: "a", Group: "g"}, {WorkerID: "b", Group: "g"}, {WorkerID: "c"}}},
		{name: "split group", plan: []PlanStep{{WorkerID: "a", Group: "g"}, {WorkerID: "b"}, {WorkerID: "c", Group: "g"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New("r", Objective{}, t0)
			_, err := Apply(r, SetPlan{Plan: tt.plan})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSetPlan_OnlyOnce(t *testing.T) {
	r := New("r", Objective{}, t0)
	r, err := Apply(r, SetPlan{Plan: []PlanStep{{WorkerID: "a"}}})
	require.NoError(t, err)

	_, err = Apply(r, SetPlan{Plan: []PlanStep{{WorkerID: "b"}}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetPlan_CompactsInput(t *testing.T) {
	r := New("r", Objective{}, t0)
	r, err := Apply(r, SetPlan{Plan: []PlanStep{{WorkerID: "a", Input: json.RawMessage("{ \"k\" : 1 }")}}})
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(r.Plan[0].Input))
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		reason  string
		wantErr bool
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, reason: "planner"},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted, wantErr: true},
		{name: "running to cancelled", from: StatusRunning, to: StatusCancelled, reason: "user"},
		{name: "failed without reason", from: StatusRunning, to: StatusFailed, wantErr: true},
		{name: "running to pending", from: StatusRunning, to: StatusPending, wantErr: true},
		{name: "unknown status", from: StatusRunning, to: Status("paused"), wantErr: true},
		{name: "awaiting to running", from: StatusAwaitingApproval, to: StatusRunning, wantErr: true},
		{name: "awaiting to cancelled", from: StatusAwaitingApproval, to: StatusCancelled, reason: "user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Run{ID: "r", Status: tt.from, Plan: []PlanStep{{WorkerID: "a"}}}
			if tt.from == StatusAwaitingApproval {
				r.PendingApprovals = []ApprovalRequest{{ID: "ap", RunID: "r", Status: ApprovalPending}}
			}
			next, err := Apply(r, Transition{To: tt.to, Reason: tt.reason})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, next.Status)
			assert.Equal(t, tt.reason, next.FailureReason)
		})
	}
}

func TestTransition_CompletedRequiresEndOfPlan(t *testing.T) {
	r := newRunning(t, 10, "a")

	_, err := Apply(r, Transition{To: StatusCompleted})
	require.ErrorIs(t, err, ErrInvalidTransition)

	r, err = ApplyAll(r, AdvanceCursor{}, Transition{To: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)
}

func TestTransition_AwaitingRequiresPendingApproval(t *testing.T) {
	r := newRunning(t, 10, "a")
	_, err := Apply(r, Transition{To: StatusAwaitingApproval})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvanceCursor_StopsAtEnd(t *testing.T) {
	r := newRunning(t, 10, "a")
	r, err := Apply(r, AdvanceCursor{})
	require.NoError(t, err)

	_, err = Apply(r, AdvanceCursor{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDecrementBudget(t *testing.T) {
	r := newRunning(t, 100, "a")

	r, err := Apply(r, DecrementBudget{Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.BudgetRemaining)
	assert.Equal(t, int64(100), r.Spent())

	_, err = Apply(r, DecrementBudget{Amount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var be *BudgetError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, int64(1), be.Requested)
	assert.Equal(t, int64(0), be.Remaining)

	_, err = Apply(r, DecrementBudget{Amount: -5})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMessages_FIFOPerWorker(t *testing.T) {
	r := newRunning(t, 10, "a", "b")
	for i, to := range []string{"b", "a", "b"} {
		var err error
		r, err = Apply(r, EnqueueMessage{Message: Message{
			ID: fmt.Sprintf("m%d", i), FromWorker: "x", ToWorker: to, Type: MessageBroadcast, CreatedAt: t0,
		}})
		require.NoError(t, err)
	}

	inbox := r.InboxFor("b")
	require.Len(t, inbox, 2)
	assert.Equal(t, "m0", inbox[0].ID)
	assert.Equal(t, "m2", inbox[1].ID)
	assert.Equal(t, PriorityNormal, inbox[0].Priority)

	_, err := Apply(r, DequeueMessage{WorkerID: "b", MessageID: "m2"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	r, err = Apply(r, DequeueMessage{WorkerID: "b", MessageID: "m0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(r.InboxFor("b")))
	assert.Equal(t, []string{"m1"}, ids(r.InboxFor("a")))
}

func TestMessages_RequestResponse(t *testing.T) {
	r := newRunning(t, 10, "a", "b")
	r, err := Apply(r, EnqueueMessage{Message: Message{ID: "q1", FromWorker: "a", ToWorker: "b", Type: MessageRequest}})
	require.NoError(t, err)
	r, err = Apply(r, DequeueMessage{WorkerID: "b", MessageID: "q1"})
	require.NoError(t, err)

	// the request is remembered after consumption
	rec, ok := r.FindRequest("q1")
	require.True(t, ok)
	assert.False(t, rec.Answered)

	_, err = Apply(r, EnqueueMessage{Message: Message{ID: "s0", FromWorker: "b", ToWorker: "a", Type: MessageResponse, CorrelationID: "nope"}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	r, err = Apply(r, EnqueueMessage{Message: Message{ID: "s1", FromWorker: "b", ToWorker: "a", Type: MessageResponse, CorrelationID: "q1"}})
	require.NoError(t, err)
	rec, _ = r.FindRequest("q1")
	assert.True(t, rec.Answered)

	_, err = Apply(r, EnqueueMessage{Message: Message{ID: "s2", FromWorker: "b", ToWorker: "a", Type: MessageResponse, CorrelationID: "q1"}})
	assert.ErrorIs(t, err, ErrInvalidTransition, "a request is answered once")

	_, err = Apply(r, EnqueueMessage{Message: Message{ID: "q1", FromWorker: "a", ToWorker: "b", Type: MessageRequest}})
	assert.ErrorIs(t, err, ErrInvalidTransition, "ids are unique")
}

func TestApprovals_ApproveResumes(t *testing.T) {
	r := newRunning(t, 100, "a")
	r, err := ApplyAll(r,
		AddApproval{Request: ApprovalRequest{ID: "ap1", WorkerID: "a", ActionDescription: "spend", EstimatedCost: 40}},
		AddApproval{Request: ApprovalRequest{ID: "ap2", WorkerID: "a", ActionDescription: "ship", RiskLevel: RiskHigh}},
		Transition{To: StatusAwaitingApproval},
	)
	require.NoError(t, err)
	assert.Equal(t, "run-1", r.PendingApprovals[0].RunID)
	assert.Equal(t, RiskMedium, r.PendingApprovals[0].RiskLevel)

	r, err = Apply(r, ResolveApproval{RequestID: "ap1", Decision: ApprovalApproved, DecidedBy: "alice", DecidedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, r.Status, "another request is still pending")

	r, err = Apply(r, ResolveApproval{RequestID: "ap2", Decision: ApprovalApproved, DecidedBy: "bob", DecidedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Len(t, r.ApprovedFor(0, "a"), 2)

	_, err = Apply(r, ResolveApproval{RequestID: "ap1", Decision: ApprovalRejected, DecidedBy: "eve", DecidedAt: t0})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestApprovals_RejectAndExpireFail(t *testing.T) {
	for _, decision := range []ApprovalStatus{ApprovalRejected, ApprovalExpired} {
		t.Run(string(decision), func(t *testing.T) {
			r := newRunning(t, 100, "a")
			r, err := ApplyAll(r,
				AddApproval{Request: ApprovalRequest{ID: "ap1", WorkerID: "a", ActionDescription: "deploy"}},
				Transition{To: StatusAwaitingApproval},
			)
			require.NoError(t, err)

			r, err = Apply(r, ResolveApproval{RequestID: "ap1", Decision: decision, DecidedBy: "ops", DecidedAt: t0})
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, r.Status)
			assert.Equal(t, fmt.Sprintf("approval %s: deploy", decision), r.FailureReason)
			assert.Empty(t, r.PendingApprovals)
			assert.Equal(t, decision, r.ResolvedApprovals[0].Status)
		})
	}
}

func TestApprovals_Validation(t *testing.T) {
	r := newRunning(t, 100, "a")

	_, err := Apply(r, AddApproval{Request: ApprovalRequest{ID: "x", RunID: "other", ActionDescription: "a"}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Apply(r, AddApproval{Request: ApprovalRequest{ID: "x", ActionDescription: "a", RiskLevel: "extreme"}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	r, err = ApplyAll(r,
		AddApproval{Request: ApprovalRequest{ID: "x", ActionDescription: "a"}},
		Transition{To: StatusAwaitingApproval},
	)
	require.NoError(t, err)

	_, err = Apply(r, ResolveApproval{RequestID: "x", Decision: ApprovalApproved, DecidedAt: t0})
	assert.ErrorIs(t, err, ErrInvalidTransition, "approval needs decided_by")

	_, err = Apply(r, ResolveApproval{RequestID: "x", Decision: ApprovalPending, DecidedBy: "a"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Apply(r, ResolveApproval{RequestID: "missing", Decision: ApprovalApproved, DecidedBy: "a"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRun_JSONRoundTrip(t *testing.T) {
	deadline := t0.Add(time.Hour)
	r := New("run-1", Objective{Description: "x", Constraints: Constraints{BudgetCeiling: 90, Deadline: &deadline, Goals: []string{"g"}}}, t0)
	r, err := ApplyAll(r,
		SetPlan{Plan: []PlanStep{{WorkerID: "a", Input: json.RawMessage(`{"k": "v"}`)}, {WorkerID: "b"}}},
		Transition{To: StatusRunning},
		EnqueueMessage{Message: Message{ID: "m", FromWorker: "a", ToWorker: "b", Type: MessageRequest, Payload: json.RawMessage(`[1,2]`), CreatedAt: t0}},
		AppendOutput{Output: Output{WorkerID: "a", Summary: "ok", Cost: 3, Data: json.RawMessage(`{"n":1}`)}},
		DecrementBudget{Amount: 3},
		AdvanceCursor{},
	)
	require.NoError(t, err)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var back Run
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, r, back)
}

func TestApply_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	workers := []string{"a", "b", "c"}

	for iter := 0; iter < 200; iter++ {
		r := New(fmt.Sprintf("r%d", iter), Objective{Constraints: Constraints{BudgetCeiling: int64(rng.Intn(50))}}, t0)
		prevSpent := r.Spent()

		for step := 0; step < 40 && !r.IsTerminal(); step++ {
			m := randomMutation(rng, r, workers, step)
			next, err := Apply(r, m)
			if err != nil {
				assert.Equal(t, r.Version, next.Version)
				continue
			}
			require.NoError(t, next.checkInvariants(), m.Kind())
			assert.Equal(t, r.Version+1, next.Version)
			assert.GreaterOrEqual(t, next.Spent(), prevSpent, "spend never decreases")
			prevSpent = next.Spent()
			r = next
		}
	}
}

func randomMutation(rng *rand.Rand, r Run, workers []string, n int) Mutation {
	w := workers[rng.Intn(len(workers))]
	switch rng.Intn(10) {
	case 0:
		plan := make([]PlanStep, 1+rng.Intn(3))
		for i := range plan {
			plan[i] = PlanStep{WorkerID: workers[rng.Intn(len(workers))]}
		}
		return SetPlan{Plan: plan}
	case 1:
		to := []Status{StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled}[rng.Intn(5)]
		reason := ""
		if rng.Intn(2) == 0 {
			reason = "r"
		}
		return Transition{To: to, Reason: reason}
	case 2:
		return AdvanceCursor{}
	case 3:
		return AppendOutput{Output: Output{Step: r.Cursor, WorkerID: w, Cost: int64(rng.Intn(5))}}
	case 4:
		return DecrementBudget{Amount: int64(rng.Intn(20))}
	case 5:
		return EnqueueMessage{Message: Message{ID: fmt.Sprintf("m%d", n), FromWorker: "x", ToWorker: w, Type: MessageBroadcast}}
	case 6:
		inbox := r.InboxFor(w)
		if len(inbox) == 0 {
			return DequeueMessage{WorkerID: w, MessageID: "none"}
		}
		return DequeueMessage{WorkerID: w, MessageID: inbox[0].ID}
	case 7:
		return AddApproval{Request: ApprovalRequest{ID: fmt.Sprintf("ap%d", n), WorkerID: w, ActionDescription: "act"}}
	default:
		if len(r.PendingApprovals) == 0 {
			return Transition{To: StatusAwaitingApproval}
		}
		d := []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalExpired}[rng.Intn(3)]
		return ResolveApproval{RequestID: r.PendingApprovals[0].ID, Decision: d, DecidedBy: "u", DecidedAt: t0}
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
