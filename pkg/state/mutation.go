package state

import (
	"errors"
	"fmt"
	"time"
)

// Mutation is one logical change to a Run. The set of mutations is closed;
// only the types in this package implement it.
type Mutation interface {
	Kind() string
	apply(r *Run) error
}

// Apply returns a copy of run with m applied and Version incremented. run is
// never modified. A mutation that would break an invariant, or any mutation
// of a terminal run, fails with ErrInvalidTransition and run is returned
// unchanged.
func Apply(run Run, m Mutation) (Run, error) {
	if m == nil {
		return run, fmt.Errorf("%w: nil mutation", ErrInvalidTransition)
	}
	if run.Status.IsTerminal() {
		return run, reject(m, &run, "run is terminal")
	}

	next := run.Clone()
	if err := m.apply(&next); err != nil {
		return run, err
	}
	if err := next.checkInvariants(); err != nil {
		return run, &TransitionError{Mutation: m.Kind(), Status: run.Status, Reason: err.Error()}
	}
	next.Version = run.Version + 1
	return next, nil
}

// ApplyAll applies mutations in order, stopping at the first failure. The
// returned Run reflects every mutation applied before the failure.
func ApplyAll(run Run, ms ...Mutation) (Run, error) {
	for _, m := range ms {
		next, err := Apply(run, m)
		if err != nil {
			return run, err
		}
		run = next
	}
	return run, nil
}

func (r *Run) checkInvariants() error {
	if r.Cursor < 0 || r.Cursor > len(r.Plan) {
		return fmt.Errorf("cursor %d outside plan of length %d", r.Cursor, len(r.Plan))
	}
	if r.BudgetRemaining < 0 {
		return fmt.Errorf("budget remaining %d is negative", r.BudgetRemaining)
	}
	if r.Status == StatusCompleted {
		if r.Cursor != len(r.Plan) {
			return fmt.Errorf("completed with cursor %d of %d", r.Cursor, len(r.Plan))
		}
		if len(r.PendingApprovals) > 0 {
			return errors.New("completed with pending approvals")
		}
	}
	if r.Status == StatusAwaitingApproval && len(r.PendingApprovals) == 0 {
		return errors.New("awaiting approval without a pending request")
	}
	return nil
}

// SetPlan installs the dispatch plan of a pending run. A plan is set once.
type SetPlan struct {
	Plan []PlanStep
}

func (SetPlan) Kind() string { return "set_plan" }

func (m SetPlan) apply(r *Run) error {
	if r.Status != StatusPending {
		return reject(m, r, "plan can only be set while pending")
	}
	if len(r.Plan) > 0 {
		return reject(m, r, "plan already set")
	}
	if len(m.Plan) == 0 {
		return reject(m, r, "plan is empty")
	}

	plan := make([]PlanStep, len(m.Plan))
	closed := make(map[string]bool)
	for i, step := range m.Plan {
		if step.WorkerID == "" {
			return reject(m, r, "step %d has no worker", i)
		}
		input, err := NormalizeRaw(step.Input)
		if err != nil {
			return reject(m, r, "step %d input: %v", i, err)
		}
		if i > 0 && m.Plan[i-1].Group != "" && m.Plan[i-1].Group != step.Group {
			closed[m.Plan[i-1].Group] = true
		}
		if step.Group != "" && closed[step.Group] {
			return reject(m, r, "group %q is not contiguous", step.Group)
		}
		plan[i] = PlanStep{WorkerID: step.WorkerID, Input: input, Group: step.Group}
	}
	r.Plan = plan
	return nil
}

// Transition moves the run to another status. Resuming from
// awaiting_approval is not a Transition; it happens through ResolveApproval.
type Transition struct {
	To     Status
	Reason string
}

func (Transition) Kind() string { return "transition" }

var transitions = map[Status][]Status{
	StatusPending:          {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusFailed, StatusCancelled},
}

func (m Transition) apply(r *Run) error {
	if !m.To.Valid() {
		return reject(m, r, "unknown status %q", m.To)
	}
	allowed := false
	for _, s := range transitions[r.Status] {
		if s == m.To {
			allowed = true
			break
		}
	}
	if !allowed {
		return reject(m, r, "cannot move to %s", m.To)
	}
	if (m.To == StatusFailed || m.To == StatusCancelled) && m.Reason == "" {
		return reject(m, r, "%s requires a reason", m.To)
	}

	r.Status = m.To
	if m.To == StatusFailed || m.To == StatusCancelled {
		r.FailureReason = m.Reason
	}
	return nil
}

// AdvanceCursor moves the cursor to the next plan step.
type AdvanceCursor struct{}

func (AdvanceCursor) Kind() string { return "advance_cursor" }

func (m AdvanceCursor) apply(r *Run) error {
	if r.Status != StatusRunning {
		return reject(m, r, "run is not running")
	}
	if r.Cursor >= len(r.Plan) {
		return reject(m, r, "cursor already at end of plan")
	}
	r.Cursor++
	return nil
}

// AppendOutput records a worker summary.
type AppendOutput struct {
	Output Output
}

func (AppendOutput) Kind() string { return "append_output" }

func (m AppendOutput) apply(r *Run) error {
	if r.Status != StatusRunning {
		return reject(m, r, "run is not running")
	}
	if m.Output.WorkerID == "" {
		return reject(m, r, "output has no worker")
	}
	if m.Output.Cost < 0 {
		return reject(m, r, "negative cost %d", m.Output.Cost)
	}
	data, err := NormalizeRaw(m.Output.Data)
	if err != nil {
		return reject(m, r, "output data: %v", err)
	}
	out := m.Output
	out.Data = data
	r.Outputs = append(r.Outputs, out)
	return nil
}

// DecrementBudget subtracts a cost from the remaining budget.
type DecrementBudget struct {
	Amount int64
}

func (DecrementBudget) Kind() string { return "decrement_budget" }

func (m DecrementBudget) apply(r *Run) error {
	if r.Status != StatusRunning {
		return reject(m, r, "run is not running")
	}
	if m.Amount < 0 {
		return reject(m, r, "negative amount %d", m.Amount)
	}
	if m.Amount > r.BudgetRemaining {
		return &BudgetError{Requested: m.Amount, Remaining: r.BudgetRemaining}
	}
	r.BudgetRemaining -= m.Amount
	return nil
}

// EnqueueMessage appends a message to its destination queue. Requests are
// recorded for later correlation; a response must answer an outstanding
// request.
type EnqueueMessage struct {
	Message Message
}

func (EnqueueMessage) Kind() string { return "enqueue_message" }

func (m EnqueueMessage) apply(r *Run) error {
	if r.Status != StatusRunning {
		return reject(m, r, "run is not running")
	}
	msg := m.Message
	if msg.ID == "" {
		return reject(m, r, "message has no id")
	}
	if msg.FromWorker == "" || msg.ToWorker == "" {
		return reject(m, r, "message %s needs both sender and recipient", msg.ID)
	}
	for _, p := range r.PendingMessages {
		if p.ID == msg.ID {
			return reject(m, r, "duplicate message id %s", msg.ID)
		}
	}
	if _, ok := r.FindRequest(msg.ID); ok {
		return reject(m, r, "duplicate message id %s", msg.ID)
	}
	switch msg.Priority {
	case "":
		msg.Priority = PriorityNormal
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return reject(m, r, "unknown priority %q", msg.Priority)
	}
	payload, err := NormalizeRaw(msg.Payload)
	if err != nil {
		return reject(m, r, "message payload: %v", err)
	}
	msg.Payload = payload
	msg.CreatedAt = msg.CreatedAt.UTC()

	switch msg.Type {
	case MessageRequest:
		r.Requests = append(r.Requests, RequestRecord{Message: msg.clone()})
	case MessageResponse:
		if msg.CorrelationID == "" {
			return reject(m, r, "response %s has no correlation id", msg.ID)
		}
		idx := -1
		for i, rec := range r.Requests {
			if rec.Message.ID == msg.CorrelationID && !rec.Answered {
				idx = i
				break
			}
		}
		if idx < 0 {
			return reject(m, r, "response %s does not match an outstanding request", msg.ID)
		}
		r.Requests[idx].Answered = true
	case MessageBroadcast:
	default:
		return reject(m, r, "unknown message type %q", msg.Type)
	}

	r.PendingMessages = append(r.PendingMessages, msg)
	return nil
}

// DequeueMessage consumes the head of a worker's queue. Consuming anything
// other than the head is rejected so that delivery stays FIFO.
type DequeueMessage struct {
	WorkerID  string
	MessageID string
}

func (DequeueMessage) Kind() string { return "dequeue_message" }

func (m DequeueMessage) apply(r *Run) error {
	if r.Status != StatusRunning {
		return reject(m, r, "run is not running")
	}
	for i, p := range r.PendingMessages {
		if p.ToWorker != m.WorkerID {
			continue
		}
		if p.ID != m.MessageID {
			return reject(m, r, "message %s is not at the head of %s's queue", m.MessageID, m.WorkerID)
		}
		r.PendingMessages = append(r.PendingMessages[:i:i], r.PendingMessages[i+1:]...)
		return nil
	}
	return reject(m, r, "no pending messages for %s", m.WorkerID)
}

// AddApproval queues an approval request on the run.
type AddApproval struct {
	Request ApprovalRequest
}

func (AddApproval) Kind() string { return "add_approval" }

func (m AddApproval) apply(r *Run) error {
	if r.Status != StatusRunning {
		return reject(m, r, "run is not running")
	}
	req := m.Request.clone()
	if req.ID == "" {
		return reject(m, r, "approval request has no id")
	}
	if _, _, exists := r.FindApproval(req.ID); exists {
		return reject(m, r, "duplicate approval request %s", req.ID)
	}
	if req.RunID == "" {
		req.RunID = r.ID
	}
	if req.RunID != r.ID {
		return reject(m, r, "approval request belongs to run %s", req.RunID)
	}
	if req.ActionDescription == "" {
		return reject(m, r, "approval request %s has no action description", req.ID)
	}
	if req.EstimatedCost < 0 {
		return reject(m, r, "negative estimated cost %d", req.EstimatedCost)
	}
	switch req.RiskLevel {
	case "":
		req.RiskLevel = RiskMedium
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return reject(m, r, "unknown risk level %q", req.RiskLevel)
	}
	if req.Status != "" && req.Status != ApprovalPending {
		return reject(m, r, "new approval request must be pending")
	}
	req.Status = ApprovalPending
	req.CreatedAt = req.CreatedAt.UTC()
	r.PendingApprovals = append(r.PendingApprovals, req)
	return nil
}

// ResolveApproval records the decision on a pending approval request.
// Approval resumes the run once no request is left pending; rejection and
// expiry fail it.
type ResolveApproval struct {
	RequestID string
	Decision  ApprovalStatus
	DecidedBy string
	DecidedAt time.Time
}

func (ResolveApproval) Kind() string { return "resolve_approval" }

func (m ResolveApproval) apply(r *Run) error {
	req, pending, ok := r.FindApproval(m.RequestID)
	if ok && !pending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, m.RequestID, req.Status)
	}
	if !ok {
		return reject(m, r, "unknown approval request %s", m.RequestID)
	}
	if r.Status != StatusAwaitingApproval {
		return reject(m, r, "run is not awaiting approval")
	}
	switch m.Decision {
	case ApprovalApproved, ApprovalRejected:
		if m.DecidedBy == "" {
			return reject(m, r, "decision requires decided_by")
		}
	case ApprovalExpired:
	default:
		return reject(m, r, "invalid decision %q", m.Decision)
	}

	decidedAt := m.DecidedAt.UTC()
	req.Status = m.Decision
	req.DecidedBy = m.DecidedBy
	req.DecidedAt = &decidedAt

	for i, a := range r.PendingApprovals {
		if a.ID == m.RequestID {
			r.PendingApprovals = append(r.PendingApprovals[:i:i], r.PendingApprovals[i+1:]...)
			break
		}
	}
	r.ResolvedApprovals = append(r.ResolvedApprovals, req)

	switch m.Decision {
	case ApprovalApproved:
		if len(r.PendingApprovals) == 0 {
			r.Status = StatusRunning
		}
	default:
		r.Status = StatusFailed
		r.FailureReason = fmt.Sprintf("approval %s: %s", m.Decision, req.ActionDescription)
	}
	return nil
}
