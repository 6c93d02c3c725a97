package state

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a mutation would violate a Run
	// invariant or is not permitted in the run's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrBudgetExceeded is returned when a cost would drive the remaining
	// budget below zero. It also matches ErrInvalidTransition.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrAlreadyResolved is returned when an approval request that already
	// carries a decision is resolved again.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// TransitionError describes a rejected mutation.
type TransitionError struct {
	Mutation string
	Status   Status
	Reason   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s rejected in status %s: %s", ErrInvalidTransition, e.Mutation, e.Status, e.Reason)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// BudgetError is returned by DecrementBudget when the cost exceeds what is
// left.
type BudgetError struct {
	Requested int64
	Remaining int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: requested %d, remaining %d", ErrBudgetExceeded, e.Requested, e.Remaining)
}

// Is lets errors.Is match both ErrBudgetExceeded and ErrInvalidTransition.
func (e *BudgetError) Is(target error) bool {
	return target == ErrBudgetExceeded || target == ErrInvalidTransition
}

func reject(m Mutation, r *Run, format string, args ...any) error {
	return &TransitionError{Mutation: m.Kind(), Status: r.Status, Reason: fmt.Sprintf(format, args...)}
}
