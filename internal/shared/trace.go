package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actorGroupKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActorGroup attaches the calling group to the context.
func WithActorGroup(ctx context.Context, group string) context.Context {
	return context.WithValue(ctx, actorGroupKey{}, group)
}

// ActorGroup extracts the calling group from context. Returns "" if absent.
func ActorGroup(ctx context.Context) string {
	if v, ok := ctx.Value(actorGroupKey{}).(string); ok {
		return v
	}
	return ""
}
