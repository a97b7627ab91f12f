// Package agent implements the core agent loop: it drives the model
// through tool-use rounds against a conversation's active version until
// the model produces a final answer or a tool asks for a restart.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/zipper/internal/llm"
	"github.com/nugget/zipper/internal/usage"
)

// Outcome is how a Run ended.
type Outcome string

const (
	// OutcomeFinalAnswer means the model stopped with a final answer.
	OutcomeFinalAnswer Outcome = "final_answer"
	// OutcomeRestartRequested means a terminal tool (restart) succeeded
	// and the hosting process is about to go away.
	OutcomeRestartRequested Outcome = "restart_requested"
)

// Result is the outcome of one Run.
type Result struct {
	ConversationID string  `json:"conversation_id"`
	Text           string  `json:"result"`
	Outcome        Outcome `json:"outcome"`
	Model          string  `json:"model,omitempty"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
}

// BackendError reports a failed model call. The user turn that preceded
// the call has already been rolled back when Run returns it.
type BackendError struct {
	Model string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("model backend (%s): %v", e.Model, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// UsageRecorder persists token usage for model calls. *usage.Store
// satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// recordUsage writes one usage record. Failures are logged and
// otherwise ignored.
func recordUsage(ctx context.Context, rec UsageRecorder, logger *slog.Logger, conversationID, model, purpose string, resp *llm.Response) {
	if rec == nil {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	err := rec.Record(context.WithoutCancel(ctx), usage.Record{
		ConversationID: conversationID,
		Model:          model,
		Purpose:        purpose,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	})
	if err != nil {
		logger.Warn("failed to record usage",
			"conversation", conversationID, "purpose", purpose, "error", err)
	}
}
