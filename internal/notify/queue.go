package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultRetryInterval is the fixed backoff between delivery attempts.
const DefaultRetryInterval = 5 * time.Second

// Queue is an unbounded in-memory FIFO with a single consumer. Messages
// are delivered at least once and in order: the head is retried until it
// is delivered or its target is unresolvable.
type Queue struct {
	sink     Sink
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []Message
	wake    chan struct{}
}

// NewQueue creates a queue draining into sink. Call Run to start
// delivery.
func NewQueue(sink Sink, interval time.Duration, logger *slog.Logger) *Queue {
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sink:     sink,
		interval: interval,
		logger:   logger.With("component", "notify"),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds msg to the tail of the queue. It never blocks.
func (q *Queue) Enqueue(msg Message) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of undelivered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) head() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Message{}, false
	}
	return q.pending[0], true
}

func (q *Queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[0] = Message{}
	q.pending = q.pending[1:]
}

// Run delivers queued messages until ctx is cancelled. Undelivered
// messages remain queued when it returns.
func (q *Queue) Run(ctx context.Context) error {
	for {
		msg, ok := q.head()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		err := q.deliver(ctx, msg)
		switch {
		case err == nil:
			q.pop()
		case errors.Is(err, ErrUnresolvable):
			q.logger.Warn("dropping notification, target unresolvable",
				"thread", msg.ThreadRef, "error", err)
			q.pop()
		default:
			// Only cancellation ends the retry loop.
			return err
		}
	}
}

func (q *Queue) deliver(ctx context.Context, msg Message) error {
	attempt := 0
	return retry.Do(ctx, retry.NewConstant(q.interval), func(ctx context.Context) error {
		attempt++
		err := q.sink.Send(ctx, msg)
		if err == nil {
			q.logger.Debug("notification delivered", "thread", msg.ThreadRef, "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrUnresolvable) {
			return err
		}
		q.logger.Warn("notification delivery failed, will retry",
			"thread", msg.ThreadRef, "attempt", attempt, "retry_in", q.interval, "error", err)
		return retry.RetryableError(err)
	})
}
