package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type chainIDKey struct{}
type channelKey struct{}

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

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChainID attaches a chain_id to the context.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, chainIDKey{}, chainID)
}

// ChainID extracts chain_id from context. Returns "" if absent.
func ChainID(ctx context.Context) string {
	if v, ok := ctx.Value(chainIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChannel attaches the broadcast channel name to the context.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// Channel extracts the broadcast channel name. Returns "" if absent.
func Channel(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the correlation ids carried by ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := TaskID(ctx); id != "" {
		attrs = append(attrs, "task_id", id)
	}
	if id := ChainID(ctx); id != "" {
		attrs = append(attrs, "chain_id", id)
	}
	if ch := Channel(ctx); ch != "" {
		attrs = append(attrs, "channel", ch)
	}
	return attrs
}
