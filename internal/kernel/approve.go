package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// Approve records a review decision on a gated task. An approve decision in
// REVIEW records the approval and advances to APPROVAL; a second approve in
// APPROVAL closes the task to DONE. A changes_requested decision sends the
// task back one step. The approver must be the gate's authorized group and
// must not be the task's assigned group.
func (k *Kernel) Approve(ctx context.Context, actorGroup, taskID string, version int64, decision, note string) (*persistence.Task, error) {
	switch decision {
	case DecisionApprove, DecisionChangesRequested:
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	task, err := k.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, shared.Deny(shared.CodeNotFound, "task %s not found", taskID)
		}
		return nil, err
	}
	if task.State != policy.StateReview && task.State != policy.StateApproval {
		return nil, k.recordApprovalDeny(ctx, actorGroup, task,
			shared.Deny(shared.CodeTaskNotEligible, "task in %s, approvals apply in REVIEW or APPROVAL", task.State),
			"task not awaiting review")
	}
	if task.Gate == "" {
		return nil, k.recordApprovalDeny(ctx, actorGroup, task,
			shared.Deny(shared.CodeTaskNotEligible, "task has no gate"), policy.ReasonMissingGate)
	}

	verdict := k.gates.CheckApproval(task.Gate, actorGroup, task.AssignedGroup)
	if !verdict.Allowed {
		return nil, k.recordApprovalDeny(ctx, actorGroup, task,
			shared.Deny(shared.CodeNotAuthorized, "%s", verdict.Reason), verdict.Reason)
	}

	var to policy.State
	switch {
	case decision == DecisionChangesRequested && task.State == policy.StateReview:
		to = policy.StateDoing
	case decision == DecisionChangesRequested && task.State == policy.StateApproval:
		to = policy.StateReview
	case task.State == policy.StateReview:
		to = policy.StateApproval
	default: // approve in APPROVAL
		to = policy.StateDone
	}

	if to == policy.StateDone {
		// The closing approval requires a recorded approval from the
		// earlier REVIEW pass; the graph guard enforces it too, but
		// checking here yields the precise denial.
		has, err := k.store.HasApprovalActivity(ctx, task.ID, task.Gate)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, k.recordApprovalDeny(ctx, actorGroup, task,
				shared.Deny(shared.CodeInsufficientApprovals, "no recorded approval for gate %s", task.Gate),
				policy.ReasonMissingApproval)
		}
	}

	updated, err := k.applyTransition(ctx, actorGroup, task, TransitionRequest{
		TaskID:  task.ID,
		Version: version,
		To:      to,
	}, persistence.ActionTransition, "decision="+decision+" gate="+task.Gate)
	if err != nil {
		return nil, err
	}

	// The approval is recorded only after the version-checked transition
	// lands. An approve that loses the CAS race leaves no recorded approval,
	// so a stale caller cannot pre-satisfy the closing guard.
	if decision == DecisionApprove {
		reason := "gate=" + task.Gate
		if note != "" {
			reason += " " + note
		}
		if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
			TaskID:        task.ID,
			ActorGroup:    actorGroup,
			Action:        persistence.ActionApprove,
			FromState:     string(task.State),
			Reason:        reason,
			PolicyVersion: k.gates.Version(),
		}); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (k *Kernel) recordApprovalDeny(ctx context.Context, actorGroup string, task *persistence.Task, denial *shared.Denial, reason string) error {
	if err := audit.Record(ctx, audit.DecisionDeny, persistence.Activity{
		TaskID:        task.ID,
		ActorGroup:    actorGroup,
		Action:        persistence.ActionApprove,
		FromState:     string(task.State),
		Reason:        reason,
		PolicyVersion: k.gates.Version(),
	}); err != nil {
		return err
	}
	return denial
}

// ReportCompletion is the worker's terminal report for a dispatched task.
// Only the task's assigned group (or the admin group) may report. On success
// the task moves DOING->REVIEW carrying the execution summary as evidence.
// On failure the task enters BLOCKED with the failure reason, and its prior
// state is kept so an operator can resume it.
func (k *Kernel) ReportCompletion(ctx context.Context, actorGroup, taskID string, version int64, success bool, summary string) (*persistence.Task, error) {
	task, err := k.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, shared.Deny(shared.CodeNotFound, "task %s not found", taskID)
		}
		return nil, err
	}
	if actorGroup != task.AssignedGroup && !k.gates.IsAdmin(actorGroup) {
		return nil, shared.Deny(shared.CodeNotAuthorized,
			"completion reports for task %s come from %s, not %s", task.ID, task.AssignedGroup, actorGroup)
	}

	if !success {
		// The failure report is still a transition and answers to the same
		// graph: a terminal DONE task cannot be pushed back to BLOCKED.
		verdict := policy.Check(task.State, policy.StateBlocked, policy.Context{PrevState: task.PrevState})
		if !verdict.Allowed {
			if err := audit.Record(ctx, audit.DecisionDeny, persistence.Activity{
				TaskID:        task.ID,
				ActorGroup:    actorGroup,
				Action:        persistence.ActionTransition,
				FromState:     string(task.State),
				ToState:       string(policy.StateBlocked),
				Reason:        verdict.Reason,
				PolicyVersion: k.gates.Version(),
			}); err != nil {
				return nil, err
			}
			return nil, k.denialFor(verdict.Reason)
		}
		reason := summary
		if reason == "" {
			reason = "worker reported failure"
		}
		return k.applyTransition(ctx, actorGroup, task, TransitionRequest{
			TaskID:  task.ID,
			Version: version,
			To:      policy.StateBlocked,
		}, persistence.ActionTransition, reason)
	}

	return k.Transition(ctx, actorGroup, TransitionRequest{
		TaskID:   taskID,
		Version:  version,
		To:       policy.StateReview,
		Evidence: summary,
	})
}
