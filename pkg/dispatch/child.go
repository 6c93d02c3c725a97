package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/event"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

// startChild creates the child run for a RequiresChildDispatch result and
// drives it. The child gets the parent's remaining budget as its ceiling
// and the parent's deadline and goals.
func (d *Dispatcher) startChild(ctx context.Context, parent state.Run, m member, plan []state.PlanStep, o outcome, fr frame) (outcome, error) {
	if fr.depth+1 > d.opts.MaxChildDepth {
		o.failure = ReasonDepthExceeded
		return o, nil
	}
	if err := d.registry.ValidatePlan(plan); err != nil {
		o.failure = fmt.Sprintf("invalid child plan: %v", err)
		return o, nil
	}

	c := parent.Objective.Constraints
	child := state.New(ChildID(parent.ID, m.index, m.reg.ID), state.Objective{
		Description: parent.Objective.Description,
		Constraints: state.Constraints{
			BudgetCeiling: parent.BudgetRemaining,
			Deadline:      c.Deadline,
			Goals:         c.Goals,
		},
	}, d.opts.Now())
	child.Parent = &state.ParentRef{RunID: parent.ID, Step: m.index, WorkerID: m.reg.ID}

	child, err := state.ApplyAll(child,
		state.SetPlan{Plan: plan},
		state.Transition{To: state.StatusRunning},
	)
	if err != nil {
		o.failure = fmt.Sprintf("invalid child plan: %v", err)
		return o, nil
	}

	cp, err := d.log.Append(ctx, child)
	if err != nil {
		return o, err
	}
	d.emit(ctx, event.ForRun(event.RunStarted, child, cp.Sequence, d.opts.Now()))
	d.logger.Debug("child run started",
		zap.String("run_id", child.ID),
		zap.String("parent_run_id", parent.ID),
		zap.Int("steps", len(plan)))

	return d.driveChild(ctx, parent, child, o, fr)
}

// resumeChild re-enters an existing child run. Decisions the parent holds
// for the child's pending approvals are applied first. The worker that
// spawned the child is not executed again, so there are no messages to
// commit for this step.
func (d *Dispatcher) resumeChild(ctx context.Context, parent, child state.Run, o outcome, fr frame) (outcome, error) {
	if fr.depth+1 > d.opts.MaxChildDepth {
		o.failure = ReasonDepthExceeded
		return o, nil
	}
	if child.Status == state.StatusAwaitingApproval {
		var err error
		if child, err = d.applyParentDecisions(ctx, parent, child); err != nil {
			return o, err
		}
	}
	return d.driveChild(ctx, parent, child, o, fr)
}

func (d *Dispatcher) driveChild(ctx context.Context, parent, child state.Run, o outcome, fr frame) (outcome, error) {
	child, err := d.drive(ctx, child, frame{root: fr.root, role: o.reg.ID, depth: fr.depth + 1})
	if err != nil {
		return o, err
	}

	switch child.Status {
	case state.StatusCompleted:
		s, err := consolidate(child)
		if err != nil {
			o.failure = err.Error()
			return o, nil
		}
		o.summary = s
	case state.StatusAwaitingApproval:
		for _, a := range child.PendingApprovals {
			if _, _, known := parent.FindApproval(a.ID); known {
				continue
			}
			a.RunID = ""
			a.Step = o.index
			o.approvals = append(o.approvals, a)
		}
		if len(o.approvals) == 0 {
			o.failure = fmt.Sprintf("child run %s is blocked on approvals already decided", child.ID)
		}
	case state.StatusFailed:
		o.failure = fmt.Sprintf("child run %s failed: %s", child.ID, child.FailureReason)
	case state.StatusCancelled:
		o.cancel = child.FailureReason
	default:
		return o, fmt.Errorf("child run %s stopped in status %s", child.ID, child.Status)
	}
	return o, nil
}

// applyParentDecisions copies the parent's decisions on bubbled approval
// requests down to the child that raised them.
func (d *Dispatcher) applyParentDecisions(ctx context.Context, parent, child state.Run) (state.Run, error) {
	for _, a := range child.PendingApprovals {
		decided, pending, ok := parent.FindApproval(a.ID)
		if !ok || pending {
			continue
		}
		decidedAt := d.opts.Now()
		if decided.DecidedAt != nil {
			decidedAt = *decided.DecidedAt
		}

		next, err := state.Apply(child, state.ResolveApproval{
			RequestID: a.ID,
			Decision:  decided.Status,
			DecidedBy: decided.DecidedBy,
			DecidedAt: decidedAt,
		})
		if err != nil {
			return child, fmt.Errorf("applying decision %s to child run %s: %w", a.ID, child.ID, err)
		}
		child = next

		cp, err := d.log.Append(ctx, child)
		if err != nil {
			return child, err
		}
		e := event.ForRun(event.ApprovalResolved, child, cp.Sequence, d.opts.Now())
		e.RequestID = a.ID
		e.Decision = decided.Status
		e.WorkerID = a.WorkerID
		d.emit(ctx, e)

		if kind, terminal := event.TerminalKind(child.Status); terminal {
			d.emit(ctx, event.ForRun(kind, child, cp.Sequence, d.opts.Now()))
			break
		}
	}
	return child, nil
}

// Settle brings the child runs under a terminal top-level run to a terminal
// state. Decisions root holds for bubbled requests are applied first; a
// child still live after that is cancelled.
func (d *Dispatcher) Settle(ctx context.Context, root state.Run) error {
	if !root.IsTerminal() {
		return nil
	}
	return d.settleChildren(ctx, root, root)
}

// settleChildren walks every step of parent that may have spawned a child.
// A completed child ran all of its steps, so only the others are descended.
func (d *Dispatcher) settleChildren(ctx context.Context, root, parent state.Run) error {
	for i, ps := range parent.Plan {
		child, err := d.log.Latest(ctx, ChildID(parent.ID, i, ps.WorkerID))
		if errors.Is(err, checkpoint.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if child.Status == state.StatusCompleted {
			continue
		}
		if !child.IsTerminal() {
			if child, err = d.settle(ctx, root, child); err != nil {
				return err
			}
		}
		if err := d.settleChildren(ctx, root, child); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) settle(ctx context.Context, root, child state.Run) (state.Run, error) {
	if child.Status == state.StatusAwaitingApproval {
		var err error
		if child, err = d.applyParentDecisions(ctx, root, child); err != nil {
			return child, err
		}
		if child.IsTerminal() {
			return child, nil
		}
	}

	next, err := state.Apply(child, state.Transition{
		To:     state.StatusCancelled,
		Reason: fmt.Sprintf("parent run %s %s", root.ID, root.Status),
	})
	if err != nil {
		return child, fmt.Errorf("settling child run %s: %w", child.ID, err)
	}
	cp, err := d.log.Append(ctx, next)
	if err != nil {
		return child, err
	}
	d.emit(ctx, event.ForRun(event.RunCancelled, next, cp.Sequence, d.opts.Now()))
	d.logger.Info("child run settled",
		zap.String("run_id", next.ID),
		zap.String("root_run_id", root.ID),
		zap.String("root_status", string(root.Status)))
	return next, nil
}
