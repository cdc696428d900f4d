package coord

import "context"

type ctxKey int

const agentIDKey ctxKey = iota

// WithAgentID returns a context carrying the bus identity of the agent
// driving an execution.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentIDFromContext returns the agent bus identity stored by WithAgentID.
// Executors use this to publish progress and discoveries as the agent.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(agentIDKey).(string)
	return id, ok
}
