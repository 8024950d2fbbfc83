package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type cardIDKey struct{}
type sessionIDKey struct{}
type sprintKey struct{}
type workerIDKey struct{}

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

// WithCardID attaches a card_id to the context.
func WithCardID(ctx context.Context, cardID string) context.Context {
	return context.WithValue(ctx, cardIDKey{}, cardID)
}

// CardID extracts card_id from context. Returns "" if absent.
func CardID(ctx context.Context) string {
	if v, ok := ctx.Value(cardIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a pairing session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSprint attaches the active sprint number to the context.
func WithSprint(ctx context.Context, sprint int) context.Context {
	return context.WithValue(ctx, sprintKey{}, sprint)
}

// Sprint extracts the sprint number (0 if absent).
func Sprint(ctx context.Context) int {
	if v, ok := ctx.Value(sprintKey{}).(int); ok {
		return v
	}
	return 0
}

// WithWorkerID attaches the pulling worker's id to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}
