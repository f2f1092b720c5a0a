package ensemble

import "context"

// correlationKey is the context key for the per-workflow correlation id.
type correlationKey struct{}

// WithCorrelationID returns a child context carrying the correlation id.
// The scheduler sets it once per workflow; tasks, retries, and LLM calls
// inherit it through their contexts.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, or "" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}
