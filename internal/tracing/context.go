// Package tracing carries request identity through context.Context and
// wraps OpenTelemetry span creation.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey identifies one inbound request end to end.
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey identifies one orchestrated turn.
	TurnIDKey ContextKey = "turn_id"
	// SessionKeyKey is the conversation the work belongs to.
	SessionKeyKey ContextKey = "session_key"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string {
	v, _ := ctx.Value(TurnIDKey).(string)
	return v
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	v, _ := ctx.Value(SessionKeyKey).(string)
	return v
}

// NewRequestContext returns ctx with a fresh trace ID unless one is already set.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// NewTurnContext tags ctx with the session and a fresh turn ID.
func NewTurnContext(ctx context.Context, sessionKey string) context.Context {
	ctx = NewRequestContext(ctx)
	ctx = WithSessionKey(ctx, sessionKey)
	return WithTurnID(ctx, uuid.New().String())
}
