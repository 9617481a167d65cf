// Package ipc is warden's operation surface: a store-backed request queue
// with typed envelopes. Producers enqueue signed operation envelopes; the
// consumer loop routes each to the kernel or broker and enqueues a typed
// reply. Envelope ids make the whole surface idempotent end to end.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/warden/internal/broker"
	"github.com/basket/warden/internal/kernel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/policy"
	"github.com/basket/warden/internal/shared"
)

// Queue names. Replies go to the request's reply_to queue.
const (
	RequestQueue = "warden.requests"
)

// Operation names accepted on the request queue.
const (
	OpCreate           = "create"
	OpTransition       = "transition"
	OpApprove          = "approve"
	OpOverride         = "override"
	OpReportCompletion = "report_completion"
	OpList             = "list"
	OpCall             = "call"
	OpApproveCall      = "approve_call"
	OpGrant            = "grant"
	OpRevoke           = "revoke"
	OpListGrants       = "list_grants"
	OpAudit            = "audit"
)

// Envelope is one request on the wire.
type Envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Op         string          `json:"op"`
	ActorGroup string          `json:"actor_group"`
	TraceID    string          `json:"trace_id,omitempty"`
	ReplyTo    string          `json:"reply_to,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Response is the typed reply to one envelope.
type Response struct {
	EnvelopeID string          `json:"envelope_id"`
	OK         bool            `json:"ok"`
	Denial     *DenialBody     `json:"denial,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// DenialBody carries a typed refusal so callers can branch on the code.
type DenialBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Request payloads.
type CreateRequest struct {
	Title     string `json:"title"`
	Type      string `json:"type,omitempty"`
	Scope     string `json:"scope"`
	ProductID string `json:"product_id,omitempty"`
}

type TransitionRequest struct {
	TaskID        string `json:"task_id"`
	Version       int64  `json:"version"`
	To            string `json:"to"`
	Evidence      string `json:"evidence,omitempty"`
	AssignedGroup string `json:"assigned_group,omitempty"`
	Gate          string `json:"gate,omitempty"`
}

type ApproveRequest struct {
	TaskID   string `json:"task_id"`
	Version  int64  `json:"version"`
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

type OverrideRequest struct {
	TaskID  string `json:"task_id"`
	Version int64  `json:"version"`
	To      string `json:"to"`
	Reason  string `json:"reason"`
}

type ReportCompletionRequest struct {
	TaskID  string `json:"task_id"`
	Version int64  `json:"version"`
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
}

type ListRequest struct {
	State         string `json:"state,omitempty"`
	AssignedGroup string `json:"assigned_group,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type ApproveCallRequest struct {
	RequestID string `json:"request_id"`
}

type RevokeRequest struct {
	Group    string `json:"group"`
	Provider string `json:"provider"`
	Scope    string `json:"scope,omitempty"`
}

type ListGrantsRequest struct {
	Group string `json:"group,omitempty"`
}

type AuditRequest struct {
	TaskID string `json:"task_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Config holds the consumer's dependencies.
type Config struct {
	Store  *persistence.Store
	Kernel *kernel.Kernel
	Broker *broker.Broker
	Logger *slog.Logger

	// PollInterval between empty-queue polls. Defaults to 500ms.
	PollInterval time.Duration

	// RedeliverAfter is the stale-claim redelivery window. Defaults to 2m.
	RedeliverAfter time.Duration
}

// Consumer drains the request queue and routes envelopes.
type Consumer struct {
	store  *persistence.Store
	kernel *kernel.Kernel
	broker *broker.Broker
	logger *slog.Logger

	pollInterval   time.Duration
	redeliverAfter time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	redeliver := cfg.RedeliverAfter
	if redeliver <= 0 {
		redeliver = 2 * time.Minute
	}
	return &Consumer{
		store:          cfg.Store,
		kernel:         cfg.Kernel,
		broker:         cfg.Broker,
		logger:         logger,
		pollInterval:   poll,
		redeliverAfter: redeliver,
	}
}

// Start begins draining the queue in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info("ipc consumer started", "queue", RequestQueue)
}

// Stop cancels the consumer and waits for it to exit.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("ipc consumer stopped")
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.store.Dequeue(ctx, RequestQueue, c.redeliverAfter)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				c.logger.Error("ipc: dequeue", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pollInterval):
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

// handle processes one claimed message. Delivery is at-least-once: the
// consumed marker is written only after the envelope's effects have run, so
// a crash mid-handling redelivers and re-executes the operation (the version
// checks and request-id locks absorb the repeat). A marker without an ack
// means the effects ran; the redelivered copy is acked without re-executing.
func (c *Consumer) handle(ctx context.Context, msg *persistence.QueueMessage) {
	done, err := c.store.Consumed(ctx, msg.EnvelopeID)
	if err != nil {
		c.logger.Error("ipc: consumed lookup", "envelope_id", msg.EnvelopeID, "error", err)
		return
	}
	if done {
		if err := c.store.Ack(ctx, msg.ID); err != nil {
			c.logger.Error("ipc: ack redelivered", "envelope_id", msg.EnvelopeID, "error", err)
		}
		return
	}

	var env Envelope
	resp := Response{EnvelopeID: msg.EnvelopeID}
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		resp.Error = "malformed envelope: " + err.Error()
	} else {
		if env.TraceID == "" {
			env.TraceID = shared.NewTraceID()
		}
		resp = c.Route(shared.WithTraceID(ctx, env.TraceID), env)
	}

	if _, err := c.store.MarkConsumed(ctx, msg.EnvelopeID); err != nil {
		// Leave the message claimed; redelivery re-runs the operation.
		c.logger.Error("ipc: mark consumed", "envelope_id", msg.EnvelopeID, "error", err)
		return
	}

	if env.ReplyTo != "" {
		body, err := json.Marshal(resp)
		if err == nil {
			err = c.store.Enqueue(ctx, env.ReplyTo, msg.EnvelopeID+".reply", string(body))
		}
		if err != nil {
			c.logger.Error("ipc: enqueue reply", "envelope_id", msg.EnvelopeID, "error", err)
		}
	}
	if err := c.store.Ack(ctx, msg.ID); err != nil {
		c.logger.Error("ipc: ack", "envelope_id", msg.EnvelopeID, "error", err)
	}
}

// Route executes one envelope and builds its reply. Exported so in-process
// callers (the CLI) can use the same surface without the queue.
func (c *Consumer) Route(ctx context.Context, env Envelope) Response {
	result, err := c.dispatch(ctx, env)
	resp := Response{EnvelopeID: env.EnvelopeID}
	if err != nil {
		if denial, ok := shared.AsDenial(err); ok {
			resp.Denial = &DenialBody{Code: denial.Code, Reason: denial.Reason}
		} else {
			resp.Error = err.Error()
		}
		return resp
	}
	resp.OK = true
	if result != nil {
		body, merr := json.Marshal(result)
		if merr != nil {
			resp.OK = false
			resp.Error = "marshal result: " + merr.Error()
			return resp
		}
		resp.Result = body
	}
	return resp
}

func (c *Consumer) dispatch(ctx context.Context, env Envelope) (any, error) {
	if env.ActorGroup == "" {
		return nil, fmt.Errorf("actor_group must not be empty")
	}
	ctx = shared.WithActorGroup(ctx, env.ActorGroup)

	switch env.Op {
	case OpCreate:
		var req CreateRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		return c.kernel.Create(ctx, env.ActorGroup, req.Title, req.Type, req.Scope, req.ProductID)

	case OpTransition:
		var req TransitionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		to, err := policy.ParseState(req.To)
		if err != nil {
			return nil, err
		}
		return c.kernel.Transition(ctx, env.ActorGroup, kernel.TransitionRequest{
			TaskID:        req.TaskID,
			Version:       req.Version,
			To:            to,
			Evidence:      req.Evidence,
			AssignedGroup: req.AssignedGroup,
			Gate:          req.Gate,
		})

	case OpApprove:
		var req ApproveRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		return c.kernel.Approve(ctx, env.ActorGroup, req.TaskID, req.Version, req.Decision, req.Note)

	case OpOverride:
		var req OverrideRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		to, err := policy.ParseState(req.To)
		if err != nil {
			return nil, err
		}
		return c.kernel.Override(ctx, env.ActorGroup, req.TaskID, req.Version, to, req.Reason)

	case OpReportCompletion:
		var req ReportCompletionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		return c.kernel.ReportCompletion(ctx, env.ActorGroup, req.TaskID, req.Version, req.Success, req.Summary)

	case OpList:
		var req ListRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
			}
		}
		filter := persistence.TaskFilter{
			AssignedGroup: req.AssignedGroup,
			ProductID:     req.ProductID,
			Limit:         req.Limit,
		}
		if req.State != "" {
			state, err := policy.ParseState(req.State)
			if err != nil {
				return nil, err
			}
			filter.State = state
		}
		return c.kernel.List(ctx, filter)

	case OpCall:
		var req broker.CallRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		if req.Group == "" {
			req.Group = env.ActorGroup
		}
		return c.broker.Call(ctx, req)

	case OpApproveCall:
		var req ApproveCallRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		count, err := c.broker.ApproveCall(ctx, req.RequestID, env.ActorGroup)
		if err != nil {
			return nil, err
		}
		return map[string]int{"approvals": count}, nil

	case OpGrant:
		var req broker.GrantRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		return c.broker.Grant(ctx, env.ActorGroup, req)

	case OpRevoke:
		var req RevokeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
		}
		return nil, c.broker.Revoke(ctx, env.ActorGroup, req.Group, req.Provider, req.Scope)

	case OpListGrants:
		var req ListGrantsRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
			}
		}
		return c.broker.Grants(ctx, req.Group)

	case OpAudit:
		var req AuditRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return nil, fmt.Errorf("decode %s payload: %w", env.Op, err)
			}
		}
		return c.store.ListActivities(ctx, req.TaskID, req.Limit)

	default:
		return nil, fmt.Errorf("unknown operation %q", env.Op)
	}
}
