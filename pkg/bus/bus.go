// Package bus moves messages between the workers of one run. Queues live in
// the Run itself, so every send and receive is a state mutation and is
// captured by the next checkpoint.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/graphd/pkg/state"
)

// ErrUnmatched is returned when a response does not correlate to a
// recorded request.
var ErrUnmatched = errors.New("bus: unmatched response")

// Send enqueues msg. An empty ID is filled with a UUID and a zero CreatedAt
// with now. A broadcast is delivered as one copy per distinct plan worker
// other than the sender; copies get derived ids.
func Send(run state.Run, msg state.Message, now time.Time) (state.Run, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	switch msg.Type {
	case state.MessageResponse:
		if _, err := Correlate(run, msg); err != nil {
			return run, err
		}
	case state.MessageBroadcast:
		return broadcast(run, msg)
	}

	return state.Apply(run, state.EnqueueMessage{Message: msg})
}

func broadcast(run state.Run, msg state.Message) (state.Run, error) {
	seen := map[string]bool{msg.FromWorker: true}
	for _, step := range run.Plan {
		if seen[step.WorkerID] {
			continue
		}
		seen[step.WorkerID] = true

		cp := msg
		cp.ID = fmt.Sprintf("%s:%s", msg.ID, step.WorkerID)
		cp.ToWorker = step.WorkerID
		next, err := state.Apply(run, state.EnqueueMessage{Message: cp})
		if err != nil {
			return run, err
		}
		run = next
	}
	return run, nil
}

// Receive pops the next message addressed to worker. ok is false when the
// queue is empty.
func Receive(run state.Run, worker string) (next state.Run, msg state.Message, ok bool, err error) {
	inbox := run.InboxFor(worker)
	if len(inbox) == 0 {
		return run, state.Message{}, false, nil
	}
	next, err = state.Apply(run, state.DequeueMessage{WorkerID: worker, MessageID: inbox[0].ID})
	if err != nil {
		return run, state.Message{}, false, err
	}
	return next, inbox[0], true, nil
}

// Peek returns worker's queue without consuming it.
func Peek(run state.Run, worker string) []state.Message {
	return run.InboxFor(worker)
}

// Correlate returns the request a response answers.
func Correlate(run state.Run, response state.Message) (state.Message, error) {
	if response.Type != state.MessageResponse || response.CorrelationID == "" {
		return state.Message{}, fmt.Errorf("%w: message %s is not a correlated response", ErrUnmatched, response.ID)
	}
	rec, ok := run.FindRequest(response.CorrelationID)
	if !ok {
		return state.Message{}, fmt.Errorf("%w: no request %s", ErrUnmatched, response.CorrelationID)
	}
	return rec.Message, nil
}

// Option adjusts an outgoing message.
type Option func(*state.Message)

// WithPriority sets the message priority. The default is normal.
func WithPriority(p state.Priority) Option {
	return func(m *state.Message) { m.Priority = p }
}

// Outbox collects the messages a worker sends during one step. The
// dispatcher delivers them with Flush once the step returns.
type Outbox struct {
	from string
	now  func() time.Time

	mu       sync.Mutex
	messages []state.Message
}

// NewOutbox creates an outbox for worker.
func NewOutbox(worker string, now func() time.Time) *Outbox {
	if now == nil {
		now = time.Now
	}
	return &Outbox{from: worker, now: now}
}

func (o *Outbox) add(typ state.MessageType, to string, payload any, opts []Option) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := state.Message{
		ID:         uuid.New().String(),
		FromWorker: o.from,
		ToWorker:   to,
		Type:       typ,
		Payload:    raw,
		Priority:   state.PriorityNormal,
		CreatedAt:  o.now().UTC(),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()
	return msg.ID, nil
}

// Request sends a request to worker to and returns its message id.
func (o *Outbox) Request(to string, payload any, opts ...Option) (string, error) {
	return o.add(state.MessageRequest, to, payload, opts)
}

// Respond answers req. The response goes back to req's sender.
func (o *Outbox) Respond(req state.Message, payload any, opts ...Option) error {
	opts = append([]Option{func(m *state.Message) { m.CorrelationID = req.ID }}, opts...)
	_, err := o.add(state.MessageResponse, req.FromWorker, payload, opts)
	return err
}

// Broadcast sends payload to every other worker in the plan.
func (o *Outbox) Broadcast(payload any, opts ...Option) error {
	_, err := o.add(state.MessageBroadcast, "", payload, opts)
	return err
}

// Messages returns the collected messages in send order.
func (o *Outbox) Messages() []state.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]state.Message, len(o.messages))
	copy(out, o.messages)
	return out
}

// Flush delivers every message in the outbox to run, in send order.
func Flush(run state.Run, o *Outbox, now time.Time) (state.Run, error) {
	for _, msg := range o.Messages() {
		next, err := Send(run, msg, now)
		if err != nil {
			return run, err
		}
		run = next
	}
	return run, nil
}
