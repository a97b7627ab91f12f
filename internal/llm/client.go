// Package llm provides the model backend used by the agent loop and the
// heuristic that picks a model tier for each request.
package llm

import "context"

// Backend is the model backend contract. Implementations perform exactly
// one call per Complete and do not retry; retry policy belongs to the
// caller.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
