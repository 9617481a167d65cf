// Package kernel is the governance core: it validates every task transition
// through the policy engine, persists it with a version-checked write, and
// appends every decision to the audit trail. All coordination happens via
// the store's conditional writes; the kernel holds no in-process task locks.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// Approval decisions accepted by Approve.
const (
	DecisionApprove          = "approve"
	DecisionChangesRequested = "changes_requested"
)

// Kernel mediates all task lifecycle operations.
type Kernel struct {
	store  *persistence.Store
	gates  *policy.GateTable
	bus    *bus.Bus
	logger *slog.Logger

	strictEvidence bool
}

// Config holds the kernel's dependencies.
type Config struct {
	Store          *persistence.Store
	Gates          *policy.GateTable
	Bus            *bus.Bus
	Logger         *slog.Logger
	StrictEvidence bool
}

func New(cfg Config) *Kernel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		store:          cfg.Store,
		gates:          cfg.Gates,
		bus:            cfg.Bus,
		logger:         logger,
		strictEvidence: cfg.StrictEvidence,
	}
}

// Gates exposes the gate table (the dispatch loop and broker consult it).
func (k *Kernel) Gates() *policy.GateTable { return k.gates }

// Store exposes the underlying store for read paths.
func (k *Kernel) Store() *persistence.Store { return k.store }

func (k *Kernel) publish(topic string, payload any) {
	if k.bus != nil {
		k.bus.Publish(topic, payload)
	}
}

// Create makes a new task in INBOX. A PRODUCT-scoped request lacking a
// product_id is coerced to COMPANY, and the coercion itself is recorded as
// an activity so it is visible in the audit trail.
func (k *Kernel) Create(ctx context.Context, actorGroup, title, taskType, scope, productID string) (*persistence.Task, error) {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	switch scope {
	case persistence.ScopeCompany, persistence.ScopeProduct:
	default:
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	if title = strings.TrimSpace(title); title == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	if taskType = strings.TrimSpace(taskType); taskType == "" {
		taskType = "work"
	}

	coerced := false
	if scope == persistence.ScopeProduct && productID == "" {
		scope = persistence.ScopeCompany
		coerced = true
	}
	if scope == persistence.ScopeCompany {
		productID = ""
	}

	task, err := k.store.NewTask(ctx, title, taskType, scope, productID, k.gates.Version(), "{}")
	if err != nil {
		return nil, err
	}
	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		TaskID:        task.ID,
		ActorGroup:    actorGroup,
		Action:        persistence.ActionCreate,
		ToState:       string(policy.StateInbox),
		PolicyVersion: task.PolicyVersion,
	}); err != nil {
		return nil, err
	}
	if coerced {
		if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
			TaskID:        task.ID,
			ActorGroup:    actorGroup,
			Action:        persistence.ActionTransition,
			Reason:        "scope coerced PRODUCT->COMPANY: missing product_id",
			PolicyVersion: task.PolicyVersion,
		}); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// TransitionRequest carries one caller-initiated state change.
type TransitionRequest struct {
	TaskID        string
	Version       int64
	To            policy.State
	Evidence      string
	AssignedGroup string // set on TRIAGED->READY
	Gate          string // set on DOING->REVIEW
}

// Transition performs a policy-checked state change via a conditional write.
// Callers racing on the same version lose with a VersionConflict denial and
// must re-read and retry; that is the normal concurrency path, not an error.
func (k *Kernel) Transition(ctx context.Context, actorGroup string, req TransitionRequest) (*persistence.Task, error) {
	task, err := k.store.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, shared.Deny(shared.CodeNotFound, "task %s not found", req.TaskID)
		}
		return nil, err
	}

	assigned := task.AssignedGroup
	if req.AssignedGroup != "" {
		assigned = req.AssignedGroup
	}
	gate := task.Gate
	if req.Gate != "" {
		gate = req.Gate
	}
	hasEvidence := req.Evidence != "" || task.Evidence != ""

	hasApproval := false
	if task.Gate != "" {
		hasApproval, err = k.store.HasApprovalActivity(ctx, task.ID, task.Gate)
		if err != nil {
			return nil, err
		}
	}

	verdict := policy.Check(task.State, req.To, policy.Context{
		AssignedGroup: assigned,
		Gate:          gate,
		HasEvidence:   hasEvidence,
		HasApproval:   hasApproval,
		PrevState:     task.PrevState,
		StrictMode:    k.strictEvidence,
	})
	if !verdict.Allowed {
		denial := k.denialFor(verdict.Reason)
		if err := audit.Record(ctx, audit.DecisionDeny, persistence.Activity{
			TaskID:        task.ID,
			ActorGroup:    actorGroup,
			Action:        persistence.ActionTransition,
			FromState:     string(task.State),
			ToState:       string(req.To),
			Reason:        verdict.Reason,
			PolicyVersion: k.gates.Version(),
		}); err != nil {
			return nil, err
		}
		return nil, denial
	}

	return k.applyTransition(ctx, actorGroup, task, req, persistence.ActionTransition, verdict.Reason)
}

func (k *Kernel) applyTransition(ctx context.Context, actorGroup string, task *persistence.Task, req TransitionRequest, action, reason string) (*persistence.Task, error) {
	patch := persistence.TaskPatch{State: &req.To}
	if req.To == policy.StateBlocked {
		prev := task.State
		patch.PrevState = &prev
	} else if task.State == policy.StateBlocked {
		empty := policy.State("")
		patch.PrevState = &empty
	}
	if req.AssignedGroup != "" {
		patch.AssignedGroup = &req.AssignedGroup
	}
	if req.Gate != "" {
		patch.Gate = &req.Gate
	}
	if req.Evidence != "" {
		patch.Evidence = &req.Evidence
	}

	updated, err := k.store.UpdateTask(ctx, task.ID, req.Version, patch)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			// Expected under concurrent load; low severity.
			k.logger.Debug("version conflict", "task_id", task.ID, "expected_version", req.Version)
			return nil, shared.Deny(shared.CodeVersionConflict, "task %s version %d is stale", task.ID, req.Version)
		}
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, shared.Deny(shared.CodeNotFound, "task %s not found", task.ID)
		}
		return nil, err
	}

	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		TaskID:        task.ID,
		ActorGroup:    actorGroup,
		Action:        action,
		FromState:     string(task.State),
		ToState:       string(req.To),
		Reason:        reason,
		PolicyVersion: k.gates.Version(),
	}); err != nil {
		return nil, err
	}

	k.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		FromState: string(task.State),
		ToState:   string(req.To),
		Group:     actorGroup,
		Version:   updated.Version,
	})
	return updated, nil
}

func (k *Kernel) denialFor(reason string) *shared.Denial {
	switch reason {
	case policy.ReasonUnknownTransition:
		return shared.Deny(shared.CodeUnknownTransition, "transition not in policy graph")
	default:
		return shared.Deny(shared.CodeTaskNotEligible, "%s", reason)
	}
}

// List returns tasks matching the filter.
func (k *Kernel) List(ctx context.Context, filter persistence.TaskFilter) ([]persistence.Task, error) {
	return k.store.ListTasks(ctx, filter)
}
