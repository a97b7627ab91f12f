// Package notify delivers messages to the operator's notification
// channel. Delivery is asynchronous through a Queue that retries failed
// sends until they succeed or the target is known to be unreachable.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrUnresolvable marks a permanent delivery failure, such as a deleted
// channel. The Queue drops a message whose send fails with it.
var ErrUnresolvable = errors.New("notification target unresolvable")

// Message is one notification. ThreadRef optionally targets a specific
// thread or channel instead of the sink's default.
type Message struct {
	Text      string `json:"message"`
	ThreadRef string `json:"thread_id,omitempty"`
}

// Sink delivers a message synchronously.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// LogSink writes notifications to the log. It is the sink used when no
// channel is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Send logs the message at info level.
func (s LogSink) Send(ctx context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "thread", msg.ThreadRef, "message", msg.Text)
	return nil
}
