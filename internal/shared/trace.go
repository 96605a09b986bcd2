package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type agentKey struct{}

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

// WithAgent attaches the acting agent's name to the context.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

// Agent extracts the acting agent's name from context. Returns "" if absent.
func Agent(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok {
		return v
	}
	return ""
}

// NewTaskID generates a task id with the short-reference prefix convention.
func NewTaskID() string {
	return "btask_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// TaskRef returns the user-facing short reference: the first 8 characters of
// the task id.
func TaskRef(taskID string) string {
	if len(taskID) > 8 {
		return taskID[:8]
	}
	return taskID
}
