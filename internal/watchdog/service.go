package watchdog

import (
	"context"

	"github.com/nugget/zipper/internal/api"
)

// APIService adapts an api.Client to Service. Resume prompts are tagged
// with the restart_watcher source.
type APIService struct {
	Client *api.Client
}

// Healthy probes the service's status endpoint.
func (s APIService) Healthy(ctx context.Context) bool {
	return s.Client.Healthy(ctx)
}

// Submit posts prompt to the conversation and returns the answer text.
func (s APIService) Submit(ctx context.Context, conversationID, prompt string) (string, error) {
	res, err := s.Client.Chat(ctx, api.ChatRequest{
		Prompt:         prompt,
		ConversationID: conversationID,
		Source:         api.SourceWatcher,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
