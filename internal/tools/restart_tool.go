package tools

import (
	"context"
	"fmt"
)

// Restarter relaunches the hosting service so code changes take effect,
// arranging for the conversation to be resumed afterwards.
type Restarter interface {
	Restart(ctx context.Context, conversationID string) error
}

// RestartTool builds the "restart" capability. A successful call ends
// the agent loop; the process is expected to exit shortly after.
func RestartTool(r Restarter) *Tool {
	return &Tool{
		Name: "restart",
		Description: "Restart the zipper service to apply code changes. The conversation resumes automatically " +
			"once the service is healthy again; if it fails to start, the working tree is stashed and the service restarted.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Terminal: true,
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			id := ConversationIDFromContext(ctx)
			if id == "" {
				return "", fmt.Errorf("no conversation id available, cannot resume after restart")
			}
			if err := r.Restart(ctx, id); err != nil {
				return "", fmt.Errorf("restart: %w", err)
			}
			return "restarting...", nil
		},
	}
}
