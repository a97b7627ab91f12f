// Package watchdog recovers from self-triggered restarts. A detached
// watchdog process waits for the service to go down and come back, then
// resumes the conversation that asked for the restart. If the service
// does not come back, it stashes the working tree, restarts again and
// reports the failure; if that fails too it escalates to the operator.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nugget/zipper/internal/notify"
	"github.com/nugget/zipper/internal/prompts"
)

// Outcome is the terminal state of a watch.
type Outcome string

const (
	// OutcomeResumed: the service came back and the conversation was
	// told the restart succeeded.
	OutcomeResumed Outcome = "resumed"
	// OutcomeRecovered: the first start failed, the rollback worked and
	// the conversation was told about the failure.
	OutcomeRecovered Outcome = "recovered"
	// OutcomeEscalated: the service stayed down after rollback.
	OutcomeEscalated Outcome = "escalated"
)

// Report summarizes a finished watch.
type Report struct {
	Outcome        Outcome `json:"outcome"`
	RollbackOutput string  `json:"rollback_output,omitempty"`
	Answer         string  `json:"answer,omitempty"`
}

// Service is the watched service's external surface.
type Service interface {
	// Healthy reports whether the service is ready for requests.
	Healthy(ctx context.Context) bool
	// Submit sends a prompt to a conversation through the service's
	// request entry point and returns the answer.
	Submit(ctx context.Context, conversationID, prompt string) (string, error)
}

// Rollback restores the last committed state of the working tree in a
// recoverable way and returns the tool's output.
type Rollback interface {
	Rollback(ctx context.Context) (string, error)
}

// ServiceRestarter restarts the watched service.
type ServiceRestarter interface {
	RestartService(ctx context.Context) error
}

// ThreadLookup returns a conversation's external thread reference.
type ThreadLookup func(conversationID string) string

// Timings are the polling parameters of a watch.
type Timings struct {
	WaitDownAttempts int
	WaitDownInterval time.Duration
	PollInterval     time.Duration
	StartupTimeout   time.Duration
	SettleDelay      time.Duration
	ResumeTimeout    time.Duration
	NotifyAttempts   uint64
	NotifyInterval   time.Duration
}

// DefaultTimings returns the production polling parameters.
func DefaultTimings() Timings {
	return Timings{
		WaitDownAttempts: 10,
		WaitDownInterval: time.Second,
		PollInterval:     2 * time.Second,
		StartupTimeout:   45 * time.Second,
		SettleDelay:      3 * time.Second,
		ResumeTimeout:    5 * time.Minute,
		NotifyAttempts:   5,
		NotifyInterval:   notify.DefaultRetryInterval,
	}
}

// withDefaults fills zero fields from DefaultTimings.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.WaitDownAttempts <= 0 {
		t.WaitDownAttempts = d.WaitDownAttempts
	}
	if t.WaitDownInterval <= 0 {
		t.WaitDownInterval = d.WaitDownInterval
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.StartupTimeout <= 0 {
		t.StartupTimeout = d.StartupTimeout
	}
	if t.SettleDelay < 0 {
		t.SettleDelay = 0
	}
	if t.ResumeTimeout <= 0 {
		t.ResumeTimeout = d.ResumeTimeout
	}
	if t.NotifyAttempts == 0 {
		t.NotifyAttempts = d.NotifyAttempts
	}
	if t.NotifyInterval <= 0 {
		t.NotifyInterval = d.NotifyInterval
	}
	return t
}

// Deps are the watchdog's collaborators. Sink and Lookup may be nil.
type Deps struct {
	Service   Service
	Rollback  Rollback
	Restarter ServiceRestarter
	Sink      notify.Sink
	Lookup    ThreadLookup
}

// Watchdog runs the recovery state machine.
type Watchdog struct {
	deps    Deps
	timings Timings
	logger  *slog.Logger
}

// New creates a watchdog.
func New(deps Deps, timings Timings, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		deps:    deps,
		timings: timings.withDefaults(),
		logger:  logger.With("component", "watchdog"),
	}
}

var errNotReady = errors.New("service not ready")

// Watch runs to a terminal outcome. There is no cancellation point other
// than ctx, which production callers never cancel.
func (w *Watchdog) Watch(ctx context.Context, conversationID string) Report {
	log := w.logger.With("conversation", conversationID)
	log.Info("watching restart")

	w.waitDown(ctx)

	if w.waitUp(ctx) {
		log.Info("service came back up")
		answer := w.resume(ctx, conversationID, prompts.RestartSucceeded())
		return Report{Outcome: OutcomeResumed, Answer: answer}
	}

	log.Warn("service did not come up, rolling back", "timeout", w.timings.StartupTimeout)
	stash, err := w.deps.Rollback.Rollback(ctx)
	if err != nil {
		log.Error("rollback failed", "error", err, "output", stash)
		stash = fmt.Sprintf("%s\n(rollback error: %v)", stash, err)
	}

	if err := w.deps.Restarter.RestartService(ctx); err != nil {
		log.Error("service restart after rollback failed", "error", err)
	}

	if w.waitUp(ctx) {
		log.Info("service recovered on previous code")
		answer := w.resume(ctx, conversationID, prompts.RestartRolledBack(stash))
		return Report{Outcome: OutcomeRecovered, RollbackOutput: stash, Answer: answer}
	}

	log.Error("service still down after rollback, escalating")
	w.notify(ctx, conversationID, prompts.RestartEscalation(conversationID, stash))
	return Report{Outcome: OutcomeEscalated, RollbackOutput: stash}
}

// waitDown polls until the old process stops answering, giving up after
// WaitDownAttempts. Either way the watch continues.
func (w *Watchdog) waitDown(ctx context.Context) {
	for attempt := range w.timings.WaitDownAttempts {
		if !w.deps.Service.Healthy(ctx) {
			w.logger.Debug("service went down", "attempt", attempt+1)
			return
		}
		if !sleep(ctx, w.timings.WaitDownInterval) {
			return
		}
	}
	w.logger.Warn("service never appeared to go down", "attempts", w.timings.WaitDownAttempts)
}

// waitUp polls health every PollInterval until healthy or StartupTimeout
// elapses.
func (w *Watchdog) waitUp(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, w.timings.StartupTimeout)
	defer cancel()

	err := retry.Do(ctx, retry.NewConstant(w.timings.PollInterval), func(ctx context.Context) error {
		if w.deps.Service.Healthy(ctx) {
			return nil
		}
		return retry.RetryableError(errNotReady)
	})
	return err == nil
}

// resume waits out the settle delay, submits prompt within
// ResumeTimeout and forwards the answer to the notification channel.
// Exactly one notification is sent.
func (w *Watchdog) resume(ctx context.Context, conversationID, prompt string) string {
	sleep(ctx, w.timings.SettleDelay)

	submitCtx, cancel := context.WithTimeout(ctx, w.timings.ResumeTimeout)
	answer, err := w.deps.Service.Submit(submitCtx, conversationID, prompt)
	cancel()
	if err != nil {
		w.logger.Error("resume request failed", "conversation", conversationID, "error", err)
		w.notify(ctx, conversationID, fmt.Sprintf(
			"Zipper restarted, but resuming conversation `%s` failed: %v", conversationID, err))
		return ""
	}
	if answer == "" {
		w.notify(ctx, conversationID, fmt.Sprintf(
			"Zipper restarted and conversation `%s` resumed, but the reply had no text.", conversationID))
		return ""
	}
	w.notify(ctx, conversationID, answer)
	return answer
}

// notify delivers text synchronously, retrying transient failures. The
// watchdog exits afterwards, so there is no queue to hand off to.
func (w *Watchdog) notify(ctx context.Context, conversationID, text string) {
	if w.deps.Sink == nil {
		w.logger.Info("no notification channel configured", "message", text)
		return
	}
	msg := notify.Message{Text: text}
	if w.deps.Lookup != nil {
		msg.ThreadRef = w.deps.Lookup(conversationID)
	}

	backoff := retry.WithMaxRetries(w.timings.NotifyAttempts, retry.NewConstant(w.timings.NotifyInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := w.deps.Sink.Send(ctx, msg)
		if err == nil || errors.Is(err, notify.ErrUnresolvable) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		w.logger.Error("notification delivery failed", "conversation", conversationID, "error", err)
	}
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
