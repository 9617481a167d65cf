package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// Override force-sets a task's state, bypassing the transition graph. Only
// the administrative group may do it, a reason is mandatory, and the act
// always produces two records: the override activity and a corrective
// follow-up task so the bypass cannot pass unexamined.
func (k *Kernel) Override(ctx context.Context, actorGroup, taskID string, version int64, to policy.State, reason string) (*persistence.Task, error) {
	if !k.gates.IsAdmin(actorGroup) {
		denial := shared.Deny(shared.CodeNotAuthorized, "override requires group %s", k.gates.AdminGroup())
		if err := audit.Record(ctx, audit.DecisionDeny, persistence.Activity{
			TaskID:        taskID,
			ActorGroup:    actorGroup,
			Action:        persistence.ActionOverride,
			ToState:       string(to),
			Reason:        "not admin group",
			PolicyVersion: k.gates.Version(),
		}); err != nil {
			return nil, err
		}
		return nil, denial
	}
	if reason == "" {
		return nil, fmt.Errorf("override requires a reason")
	}
	if _, err := policy.ParseState(string(to)); err != nil {
		return nil, err
	}

	task, err := k.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, shared.Deny(shared.CodeNotFound, "task %s not found", taskID)
		}
		return nil, err
	}

	patch := persistence.TaskPatch{State: &to}
	if to == policy.StateBlocked {
		prev := task.State
		patch.PrevState = &prev
	}
	updated, err := k.store.UpdateTask(ctx, taskID, version, patch)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			return nil, shared.Deny(shared.CodeVersionConflict, "task %s version %d is stale", taskID, version)
		}
		return nil, err
	}

	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		TaskID:        taskID,
		ActorGroup:    actorGroup,
		Action:        persistence.ActionOverride,
		FromState:     string(task.State),
		ToState:       string(to),
		Reason:        reason,
		PolicyVersion: k.gates.Version(),
	}); err != nil {
		return nil, err
	}

	followUp, err := k.Create(ctx, actorGroup,
		fmt.Sprintf("Review override of task %s (%s -> %s)", taskID, task.State, to),
		"corrective", task.Scope, task.ProductID)
	if err != nil {
		k.logger.Error("override follow-up task creation failed", "task_id", taskID, "error", err)
	} else {
		k.logger.Info("override recorded", "task_id", taskID, "to", string(to), "follow_up", followUp.ID)
	}

	k.publish(bus.TopicTaskOverridden, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		FromState: string(task.State),
		ToState:   string(to),
		Group:     actorGroup,
		Version:   updated.Version,
	})
	return updated, nil
}
