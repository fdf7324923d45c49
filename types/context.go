package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID   contextKey = "trace_id"
	keySessionID contextKey = "session_id"
	keyAgentID   contextKey = "agent_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithSessionID adds the orchestration session to context.
func WithSessionID(ctx context.Context, id SessionID) context.Context {
	return context.WithValue(ctx, keySessionID, id)
}

// SessionIDFrom extracts the session id from context.
func SessionIDFrom(ctx context.Context) (SessionID, bool) {
	v, ok := ctx.Value(keySessionID).(SessionID)
	return v, ok && v != ""
}

// WithAgentID records which node a collaborator call is made on behalf of.
func WithAgentID(ctx context.Context, id AgentID) context.Context {
	return context.WithValue(ctx, keyAgentID, id)
}

// AgentIDFrom extracts the agent id from context.
func AgentIDFrom(ctx context.Context) (AgentID, bool) {
	v, ok := ctx.Value(keyAgentID).(AgentID)
	return v, ok && v != ""
}
