// Package broker is the single chokepoint for external access. Every call an
// agent group makes to the outside world passes its gate sequence: request
// signature, capability grant, per-action allow and deny lists, expiry, task
// coupling for L2, collective approval for L3, backpressure, and request-id
// idempotency. Only a call that clears every gate reaches a provider.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	otelx "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/provider"
	"github.com/basket/warden/internal/shared"
)

// Access levels. Grants at L2 and above are time-bounded; L3 additionally
// requires approvals from at least two distinct groups per request.
const (
	LevelRead      = 0
	LevelLowWrite  = 1
	LevelTaskWrite = 2
	LevelCritical  = 3
)

// MaxGrantTTL bounds the expiry of L2 and L3 grants.
const MaxGrantTTL = 7 * 24 * time.Hour

// requiredApprovals is the two-man rule floor for L3 calls.
const requiredApprovals = 2

// SecretFunc resolves a group's signing secret. Empty means no secret.
type SecretFunc func(group string) string

// Broker enforces external-access policy in front of the provider catalog.
type Broker struct {
	store     *persistence.Store
	registry  *provider.Registry
	invoker   provider.Invoker
	gates     *policy.GateTable
	secretFor SecretFunc
	maxCalls  int
	logger    *slog.Logger
	bus       *bus.Bus
	metrics   *otelx.Metrics
}

// Config holds the broker's dependencies.
type Config struct {
	Store            *persistence.Store
	Registry         *provider.Registry
	Invoker          provider.Invoker
	Gates            *policy.GateTable
	SecretFor        SecretFunc
	MaxInFlightCalls int
	Logger           *slog.Logger
	Bus              *bus.Bus
	Metrics          *otelx.Metrics
}

func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxCalls := cfg.MaxInFlightCalls
	if maxCalls <= 0 {
		maxCalls = 4
	}
	secretFor := cfg.SecretFor
	if secretFor == nil {
		secretFor = func(string) string { return "" }
	}
	return &Broker{
		store:     cfg.Store,
		registry:  cfg.Registry,
		invoker:   cfg.Invoker,
		gates:     cfg.Gates,
		secretFor: secretFor,
		maxCalls:  maxCalls,
		logger:    logger,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
	}
}

// CallRequest is one signed external-access request.
type CallRequest struct {
	Group     string         `json:"group"`
	Provider  string         `json:"provider"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	RequestID string         `json:"request_id"`
	Signature string         `json:"signature"`
}

// CallResult is the terminal outcome of a call. Cached marks a replay of an
// earlier request_id.
type CallResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
}

// requestedScope extracts the scope a call asks for from its parameters.
// Grants with an empty scope match any requested scope.
func requestedScope(params map[string]any) string {
	if s, ok := params["scope"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Call runs the full gate sequence and, if every gate passes, executes the
// action through the provider registry. Denials are typed and audited; raw
// parameters never reach audit state, only their hash.
func (b *Broker) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	if req.RequestID == "" {
		return nil, fmt.Errorf("request_id must not be empty")
	}
	if req.Group == "" {
		return nil, fmt.Errorf("group must not be empty")
	}

	rec := persistence.CallRecord{
		RequestID:     req.RequestID,
		Group:         req.Group,
		Provider:      req.Provider,
		Action:        req.Action,
		ParamsHash:    shared.ParamsHash(req.Params),
		TaskID:        req.TaskID,
		PolicyVersion: b.gates.Version(),
	}

	// Gate 1: signature. Verified before anything else so an unauthenticated
	// caller learns nothing about grants or the catalog.
	secret := b.secretFor(req.Group)
	if !verifySignature(secret, req.Signature, req.Group, req.Provider, req.Action, req.Params, req.TaskID, req.RequestID) {
		return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeSignatureInvalid, "signature verification failed for group %s", req.Group))
	}

	// Gate 2: the action must exist in the catalog and the parameters must
	// satisfy its schema. Structural failures never reach policy evaluation.
	act, ok := b.registry.Lookup(req.Provider, req.Action)
	if !ok {
		return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeSchemaViolation, "unknown action %s.%s", req.Provider, req.Action))
	}
	if err := act.ValidateParams(req.Params); err != nil {
		return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeSchemaViolation, "%v", err))
	}

	// Gate 3: capability grant.
	scope := requestedScope(req.Params)
	grant, err := b.store.LookupGrant(ctx, req.Group, req.Provider, scope)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeNoCapability, "no grant for %s on %s", req.Group, req.Provider))
		}
		return nil, err
	}

	// Gate 4: deny wins. An action on the deny list is refused even when the
	// allow list also names it.
	for _, denied := range grant.DeniedActions {
		if denied == req.Action {
			return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeDeniedByPolicy, "action %s is denied by grant", req.Action))
		}
	}

	// Gate 5: allow list. An empty list allows every catalog action.
	if len(grant.AllowedActions) > 0 {
		allowed := false
		for _, a := range grant.AllowedActions {
			if a == req.Action {
				allowed = true
				break
			}
		}
		if !allowed {
			return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeNotInAllowlist, "action %s not in grant allowlist", req.Action))
		}
	}

	// Gate 6: expiry.
	if grant.Expired(time.Now()) {
		return b.denyTerminal(ctx, rec, shared.Deny(shared.CodeExpired, "grant expired at %s", grant.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	// Gate 7: task coupling for L2 and above. The call must name a live task
	// being worked or reviewed, assigned to the calling group. The admin
	// group may call on behalf of any task.
	if grant.AccessLevel >= LevelTaskWrite {
		if denial := b.checkTaskCoupling(ctx, req); denial != nil {
			return b.denyTerminal(ctx, rec, denial)
		}
	}

	// Gate 8: backpressure. Counted before any in-flight lock is taken so a
	// group at its ceiling cannot grow the processing set further.
	inFlight, err := b.store.CountInFlightCalls(ctx, req.Group)
	if err != nil {
		return nil, err
	}
	if inFlight >= b.maxCalls {
		if b.metrics != nil {
			b.metrics.BackpressureRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("group", req.Group)))
		}
		// Retryable: no terminal record, the request_id stays usable.
		return nil, shared.Deny(shared.CodeBackpressure, "group %s has %d calls in flight (ceiling %d)", req.Group, inFlight, b.maxCalls)
	}

	// Gate 9: two-man rule for L3. Until enough distinct groups have
	// approved, the request parks as pending and is denied; the same
	// request_id, resubmitted after the approvals arrive, claims the pending
	// record and executes. The claim doubles as the idempotency lock.
	if grant.AccessLevel >= LevelCritical {
		proceed, res, err := b.checkCollectiveApproval(ctx, rec)
		if err != nil || res != nil {
			return res, err
		}
		if !proceed {
			return nil, shared.Deny(shared.CodeInsufficientApprovals,
				"request %s needs approvals from %d distinct groups", req.RequestID, requiredApprovals)
		}
		return b.execute(ctx, rec, req.Params)
	}

	// Gate 10: request-id idempotency. The insert-if-absent is the exclusive
	// in-flight lock; a replayed terminal request returns its cached result.
	existing, acquired, err := b.store.BeginCall(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !acquired {
		if existing.Terminal() {
			return &CallResult{
				RequestID: existing.RequestID,
				Status:    existing.Status,
				Result:    existing.Result,
				Reason:    existing.Reason,
				Cached:    true,
			}, nil
		}
		return nil, shared.Deny(shared.CodeDuplicateInFlight, "request %s is already processing", req.RequestID)
	}

	return b.execute(ctx, rec, req.Params)
}

// checkTaskCoupling enforces the L2 rule: the call names a task in DOING or
// APPROVAL whose assigned group is the calling group.
func (b *Broker) checkTaskCoupling(ctx context.Context, req CallRequest) *shared.Denial {
	if req.TaskID == "" {
		return shared.Deny(shared.CodeTaskNotEligible, "level 2 call requires a task_id")
	}
	task, err := b.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return shared.Deny(shared.CodeTaskNotEligible, "task %s not found", req.TaskID)
	}
	if task.State != policy.StateDoing && task.State != policy.StateApproval {
		return shared.Deny(shared.CodeTaskNotEligible, "task %s is in %s, not DOING or APPROVAL", req.TaskID, task.State)
	}
	if !b.gates.IsAdmin(req.Group) && task.AssignedGroup != req.Group {
		return shared.Deny(shared.CodeTaskNotEligible, "task %s is assigned to %s, not %s", req.TaskID, task.AssignedGroup, req.Group)
	}
	return nil
}

// checkCollectiveApproval handles the L3 pending flow. Returns proceed=true
// when the request has enough approvals and this caller won the claim to
// execute it. A non-nil result short-circuits Call (cached replay).
func (b *Broker) checkCollectiveApproval(ctx context.Context, rec persistence.CallRecord) (proceed bool, res *CallResult, err error) {
	existing, created, err := b.store.RecordPendingCall(ctx, rec)
	if err != nil {
		return false, nil, err
	}
	if !created && existing.Terminal() {
		return false, &CallResult{
			RequestID: existing.RequestID,
			Status:    existing.Status,
			Result:    existing.Result,
			Reason:    existing.Reason,
			Cached:    true,
		}, nil
	}
	if !created && existing.Status == persistence.CallStatusProcessing {
		return false, nil, shared.Deny(shared.CodeDuplicateInFlight, "request %s is already processing", rec.RequestID)
	}

	count, err := b.store.CountDistinctCallApprovals(ctx, rec.RequestID)
	if err != nil {
		return false, nil, err
	}
	if count < requiredApprovals {
		return false, nil, nil
	}

	claimed, err := b.store.ClaimPendingCall(ctx, rec.RequestID)
	if err != nil {
		return false, nil, err
	}
	if !claimed {
		return false, nil, shared.Deny(shared.CodeDuplicateInFlight, "request %s is already processing", rec.RequestID)
	}
	return true, nil, nil
}

// checkApproverCapability verifies that a group approving an L3 request
// holds a live grant on the provider. An approval carries the same weight as
// a call, so a grant that deny-lists the action strips the group's standing
// to approve it, regardless of any other grant it holds.
func (b *Broker) checkApproverCapability(ctx context.Context, group, providerName, action string) *shared.Denial {
	grants, err := b.store.ListGrants(ctx, group)
	if err != nil {
		b.logger.Error("broker: list approver grants", "group", group, "error", err)
		return shared.Deny(shared.CodeNoCapability, "cannot resolve grants for approving group %s", group)
	}
	now := time.Now()
	live := false
	for _, g := range grants {
		if g.Provider != providerName || g.Expired(now) {
			continue
		}
		for _, denied := range g.DeniedActions {
			if denied == action {
				return shared.Deny(shared.CodeDeniedByPolicy, "action %s is denied for approving group %s", action, group)
			}
		}
		live = true
	}
	if !live {
		return shared.Deny(shared.CodeNoCapability, "approving group %s holds no grant on %s", group, providerName)
	}
	return nil
}

// execute runs the provider action and completes the call record exactly
// once. The broker holds the in-flight lock at this point.
func (b *Broker) execute(ctx context.Context, rec persistence.CallRecord, params map[string]any) (*CallResult, error) {
	start := time.Now()
	result, invokeErr := b.invoker.Invoke(ctx, rec.Provider, rec.Action, params)
	elapsed := time.Since(start).Seconds()

	status := persistence.CallStatusSuccess
	reason := ""
	if invokeErr != nil {
		status = persistence.CallStatusError
		reason = invokeErr.Error()
		result = ""
	}

	if err := b.store.CompleteCall(ctx, rec.RequestID, status, result, reason); err != nil {
		return nil, err
	}
	if err := audit.Record(ctx, decisionFor(status), persistence.Activity{
		TaskID:        rec.TaskID,
		ActorGroup:    rec.Group,
		Action:        persistence.ActionExtCall,
		Reason:        fmt.Sprintf("%s.%s status=%s params_sha256=%s", rec.Provider, rec.Action, status, rec.ParamsHash),
		PolicyVersion: rec.PolicyVersion,
	}); err != nil {
		return nil, err
	}

	if b.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("provider", rec.Provider),
			attribute.String("status", status),
		)
		b.metrics.BrokerCalls.Add(ctx, 1, attrs)
		b.metrics.CallDuration.Record(ctx, elapsed, attrs)
	}
	if b.bus != nil {
		b.bus.Publish(bus.TopicBrokerCall, bus.BrokerCallEvent{
			RequestID: rec.RequestID,
			Group:     rec.Group,
			Provider:  rec.Provider,
			Action:    rec.Action,
			Status:    status,
			Reason:    reason,
		})
	}
	b.logger.Info("external call completed",
		"request_id", rec.RequestID, "group", rec.Group,
		"provider", rec.Provider, "action", rec.Action,
		"status", status, "duration_s", elapsed)

	return &CallResult{RequestID: rec.RequestID, Status: status, Result: result, Reason: reason}, nil
}

func decisionFor(status string) string {
	if status == persistence.CallStatusSuccess {
		return audit.DecisionAllow
	}
	return audit.DecisionError
}

// denyTerminal records a non-retryable denial: a terminal denied call row,
// an audit activity, metrics, and a bus event. Replays of the request_id get
// the same denial back from the idempotency cache.
func (b *Broker) denyTerminal(ctx context.Context, rec persistence.CallRecord, denial *shared.Denial) (*CallResult, error) {
	if err := b.store.RecordDeniedCall(ctx, rec, denial.Code+": "+denial.Reason); err != nil {
		return nil, err
	}
	if err := audit.Record(ctx, audit.DecisionDeny, persistence.Activity{
		TaskID:        rec.TaskID,
		ActorGroup:    rec.Group,
		Action:        persistence.ActionExtCall,
		Reason:        fmt.Sprintf("%s.%s denied=%s params_sha256=%s", rec.Provider, rec.Action, denial.Code, rec.ParamsHash),
		PolicyVersion: rec.PolicyVersion,
	}); err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.BrokerDenials.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", rec.Provider),
			attribute.String("code", denial.Code),
		))
	}
	if b.bus != nil {
		b.bus.Publish(bus.TopicBrokerCall, bus.BrokerCallEvent{
			RequestID: rec.RequestID,
			Group:     rec.Group,
			Provider:  rec.Provider,
			Action:    rec.Action,
			Status:    persistence.CallStatusDenied,
			Reason:    denial.Code,
		})
	}
	b.logger.Warn("external call denied",
		"request_id", rec.RequestID, "group", rec.Group,
		"provider", rec.Provider, "action", rec.Action, "code", denial.Code)
	return nil, denial
}

// ApproveCall records one group's approval of a pending L3 request. The
// approving group must differ from the requesting group and must itself hold
// a live capability on the provider; deny wins on approvals too. Returns the
// number of distinct approving groups so far.
func (b *Broker) ApproveCall(ctx context.Context, requestID, approvingGroup string) (int, error) {
	if approvingGroup == "" {
		return 0, fmt.Errorf("approving group must not be empty")
	}
	rec, err := b.store.GetCall(ctx, requestID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return 0, shared.Deny(shared.CodeNotFound, "request %s not found", requestID)
		}
		return 0, err
	}
	if rec.Status != persistence.CallStatusPending {
		return 0, shared.Deny(shared.CodeTaskNotEligible, "request %s is %s, approvals apply while pending", requestID, rec.Status)
	}
	if approvingGroup == rec.Group {
		return 0, shared.Deny(shared.CodeNotAuthorized, "requesting group cannot approve its own call")
	}
	if denial := b.checkApproverCapability(ctx, approvingGroup, rec.Provider, rec.Action); denial != nil {
		return 0, denial
	}
	if err := b.store.AddCallApproval(ctx, requestID, approvingGroup); err != nil {
		return 0, err
	}
	count, err := b.store.CountDistinctCallApprovals(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if err := audit.Record(ctx, audit.DecisionAllow, persistence.Activity{
		TaskID:        rec.TaskID,
		ActorGroup:    approvingGroup,
		Action:        persistence.ActionApprove,
		Reason:        fmt.Sprintf("call=%s approvals=%d/%d", requestID, count, requiredApprovals),
		PolicyVersion: b.gates.Version(),
	}); err != nil {
		return 0, err
	}
	return count, nil
}
