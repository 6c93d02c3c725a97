// Package state holds the value model of a workflow run and the pure
// mutations that advance it.
//
// A Run is treated as immutable: Apply never changes its argument, it returns
// a new Run with exactly one logical change applied and its Version bumped.
// Nothing in this package performs I/O.
package state

import (
	"bytes"
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a Run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Constraints bound a run.
type Constraints struct {
	// BudgetCeiling is the starting budget. Costs reported by workers are
	// subtracted from it and it may never go negative.
	BudgetCeiling int64 `json:"budget_ceiling"`

	// Deadline, when set, fails the run at the first step boundary after it.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Goals are named goals handed to workers verbatim.
	Goals []string `json:"goals"`
}

// Objective is the business goal a run works toward.
type Objective struct {
	Description string      `json:"description"`
	Constraints Constraints `json:"constraints"`
}

// PlanStep is one entry of a dispatch plan.
type PlanStep struct {
	WorkerID string          `json:"worker_id"`
	Input    json.RawMessage `json:"input,omitempty"`

	// Group marks independent steps. Contiguous steps sharing a non-empty
	// Group may be fanned out concurrently.
	Group string `json:"group,omitempty"`
}

// Output is the summary a worker produced for one completed step.
type Output struct {
	Step     int             `json:"step"`
	WorkerID string          `json:"worker_id"`
	Summary  string          `json:"summary"`
	Cost     int64           `json:"cost"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// MessageType distinguishes inter-worker messages.
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageBroadcast MessageType = "broadcast"
)

// Priority is advisory metadata on a message. Delivery order is FIFO per
// destination regardless of priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is a unit of communication between workers of one run.
type Message struct {
	ID            string          `json:"id"`
	FromWorker    string          `json:"from_worker"`
	ToWorker      string          `json:"to_worker"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// RequestRecord remembers a request message so that responses can be
// correlated after the request itself has been consumed.
type RequestRecord struct {
	Message  Message `json:"message"`
	Answered bool    `json:"answered"`
}

// RiskLevel classifies an action awaiting approval.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ApprovalStatus is the decision state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a human-in-the-loop decision point raised by a worker.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	Step              int            `json:"step"`
	WorkerID          string         `json:"worker_id"`
	ActionDescription string         `json:"action_description"`
	EstimatedCost     int64          `json:"estimated_cost"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	Status            ApprovalStatus `json:"status"`
	DecidedBy         string         `json:"decided_by,omitempty"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ExpiredAt reports whether the request has an expiry at or before now.
func (r ApprovalRequest) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ParentRef links a child run to the step of the run that spawned it.
type ParentRef struct {
	RunID    string `json:"run_id"`
	Step     int    `json:"step"`
	WorkerID string `json:"worker_id"`
}

// Run is one execution of an objective through a dispatch plan.
type Run struct {
	ID        string     `json:"id"`
	Parent    *ParentRef `json:"parent,omitempty"`
	Objective Objective  `json:"objective"`
	Status    Status     `json:"status"`

	Plan            []PlanStep `json:"plan"`
	Cursor          int        `json:"cursor"`
	Outputs         []Output   `json:"outputs"`
	BudgetRemaining int64      `json:"budget_remaining"`

	PendingMessages []Message       `json:"pending_messages"`
	Requests        []RequestRecord `json:"requests"`

	PendingApprovals  []ApprovalRequest `json:"pending_approvals"`
	ResolvedApprovals []ApprovalRequest `json:"resolved_approvals"`

	FailureReason string `json:"failure_reason,omitempty"`

	// Version counts applied mutations. The checkpoint log uses it to detect
	// unchanged or stale snapshots.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a pending run with an empty plan and the full budget.
func New(id string, obj Objective, createdAt time.Time) Run {
	obj.Constraints.Goals = cloneStrings(obj.Constraints.Goals)
	obj.Constraints.Deadline = cloneTime(obj.Constraints.Deadline)
	return Run{
		ID:              id,
		Objective:       obj,
		Status:          StatusPending,
		BudgetRemaining: obj.Constraints.BudgetCeiling,
		CreatedAt:       createdAt.UTC(),
	}
}

// IsTerminal reports whether the run can no longer change.
func (r Run) IsTerminal() bool { return r.Status.IsTerminal() }

// CurrentStep returns the plan step under the cursor.
func (r Run) CurrentStep() (PlanStep, bool) {
	if r.Cursor < 0 || r.Cursor >= len(r.Plan) {
		return PlanStep{}, false
	}
	return r.Plan[r.Cursor], true
}

// Spent returns how much of the budget ceiling has been consumed.
func (r Run) Spent() int64 {
	return r.Objective.Constraints.BudgetCeiling - r.BudgetRemaining
}

// InboxFor returns the pending messages addressed to worker in FIFO order.
func (r Run) InboxFor(worker string) []Message {
	var inbox []Message
	for _, m := range r.PendingMessages {
		if m.ToWorker == worker {
			inbox = append(inbox, m.clone())
		}
	}
	return inbox
}

// FindRequest returns the recorded request with the given message id.
func (r Run) FindRequest(id string) (RequestRecord, bool) {
	for _, rec := range r.Requests {
		if rec.Message.ID == id {
			return RequestRecord{Message: rec.Message.clone(), Answered: rec.Answered}, true
		}
	}
	return RequestRecord{}, false
}

// FindApproval looks up an approval request by id. pending reports whether
// it is still awaiting a decision.
func (r Run) FindApproval(id string) (req ApprovalRequest, pending bool, ok bool) {
	for _, a := range r.PendingApprovals {
		if a.ID == id {
			return a.clone(), true, true
		}
	}
	for _, a := range r.ResolvedApprovals {
		if a.ID == id {
			return a.clone(), false, true
		}
	}
	return ApprovalRequest{}, false, false
}

// ApprovedFor returns the approved decisions recorded for worker at step.
func (r Run) ApprovedFor(step int, worker string) []ApprovalRequest {
	var out []ApprovalRequest
	for _, a := range r.ResolvedApprovals {
		if a.Step == step && a.WorkerID == worker && a.Status == ApprovalApproved {
			out = append(out, a.clone())
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r Run) Clone() Run {
	c := r
	if r.Parent != nil {
		p := *r.Parent
		c.Parent = &p
	}
	c.Objective.Constraints.Goals = cloneStrings(r.Objective.Constraints.Goals)
	c.Objective.Constraints.Deadline = cloneTime(r.Objective.Constraints.Deadline)

	if r.Plan != nil {
		c.Plan = make([]PlanStep, len(r.Plan))
		for i, s := range r.Plan {
			s.Input = cloneRaw(s.Input)
			c.Plan[i] = s
		}
	}
	if r.Outputs != nil {
		c.Outputs = make([]Output, len(r.Outputs))
		for i, o := range r.Outputs {
			o.Data = cloneRaw(o.Data)
			c.Outputs[i] = o
		}
	}
	if r.PendingMessages != nil {
		c.PendingMessages = make([]Message, len(r.PendingMessages))
		for i, m := range r.PendingMessages {
			c.PendingMessages[i] = m.clone()
		}
	}
	if r.Requests != nil {
		c.Requests = make([]RequestRecord, len(r.Requests))
		for i, rec := range r.Requests {
			c.Requests[i] = RequestRecord{Message: rec.Message.clone(), Answered: rec.Answered}
		}
	}
	c.PendingApprovals = cloneApprovals(r.PendingApprovals)
	c.ResolvedApprovals = cloneApprovals(r.ResolvedApprovals)
	return c
}

func (m Message) clone() Message {
	m.Payload = cloneRaw(m.Payload)
	return m
}

func (a ApprovalRequest) clone() ApprovalRequest {
	a.DecidedAt = cloneTime(a.DecidedAt)
	a.ExpiresAt = cloneTime(a.ExpiresAt)
	return a
}

func cloneApprovals(in []ApprovalRequest) []ApprovalRequest {
	if in == nil {
		return nil
	}
	out := make([]ApprovalRequest, len(in))
	for i, a := range in {
		out[i] = a.clone()
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// NormalizeRaw compacts a JSON payload so that it survives an encode/decode
// cycle byte for byte. Empty input becomes nil.
func NormalizeRaw(b json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
