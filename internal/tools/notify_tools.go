package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/zipper/internal/notify"
)

// Notifier accepts a notification for asynchronous delivery.
type Notifier interface {
	Enqueue(msg notify.Message)
}

// ThreadLookup returns the external thread reference of a conversation,
// or "" when it has none.
type ThreadLookup func(conversationID string) string

// NotifyTool builds the "notify" capability. Messages go to the calling
// conversation's thread when lookup finds one.
func NotifyTool(n Notifier, lookup ThreadLookup) *Tool {
	return &Tool{
		Name:        "notify",
		Description: "Send a message to the user's notification channel. Use for progress updates or when a long-running task finishes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Message text.",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			message := strings.TrimSpace(stringArg(args, "message"))
			if message == "" {
				return "", fmt.Errorf("message required")
			}
			msg := notify.Message{Text: message}
			if id := ConversationIDFromContext(ctx); id != "" && lookup != nil {
				msg.ThreadRef = lookup(id)
			}
			n.Enqueue(msg)
			return "ok", nil
		},
	}
}
