package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/llm"
	"github.com/nugget/zipper/internal/prompts"
	"github.com/nugget/zipper/internal/usage"
)

// CompactionConfig controls compaction behavior.
type CompactionConfig struct {
	Model     string // Model used for the summary call
	Threshold int    // Compact once the active version has this many turns
	Keep      int    // Recent turns carried over verbatim
	MaxTokens int    // Summary length cap
}

// DefaultCompactionConfig returns the stock thresholds.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Model:     "claude-sonnet-4-6",
		Threshold: 20,
		Keep:      6,
		MaxTokens: 1024,
	}
}

// Compactor summarizes old turns into the conversation's running summary
// and starts a new version holding only the most recent turns.
type Compactor struct {
	store   conversation.Store
	backend llm.Backend
	config  CompactionConfig
	usage   UsageRecorder
	logger  *slog.Logger
}

// NewCompactor creates a new compactor.
func NewCompactor(store conversation.Store, backend llm.Backend, config CompactionConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:   store,
		backend: backend,
		config:  config,
		logger:  logger.With("component", "compaction"),
	}
}

// SetUsageRecorder records token usage of summarization calls.
func (c *Compactor) SetUsageRecorder(rec UsageRecorder) {
	c.usage = rec
}

// NeedsCompaction reports whether v has reached the turn threshold.
func (c *Compactor) NeedsCompaction(v *conversation.Version) bool {
	return len(v.Turns) >= c.config.Threshold && len(v.Turns) > c.config.Keep
}

// Compact summarizes all but the last Keep turns of the active version
// when the threshold is met. On failure the active version is left
// untouched. It reports whether a new version was created.
func (c *Compactor) Compact(ctx context.Context, conversationID string) (bool, error) {
	v, err := c.store.ActiveVersion(conversationID)
	if err != nil {
		return false, err
	}
	if !c.NeedsCompaction(v) {
		return false, nil
	}

	cut := len(v.Turns) - c.config.Keep
	old, keep := v.Turns[:cut], v.Turns[cut:]

	c.logger.Debug("compacting conversation",
		"conversation", conversationID,
		"version", v.Ordinal,
		"summarized_turns", len(old),
		"kept_turns", len(keep),
	)

	summary, err := c.summarize(ctx, conversationID, old)
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}

	next, err := c.store.CreateVersion(conversationID, prompts.CombineSummaries(v.Summary, summary), keep)
	if err != nil {
		return false, fmt.Errorf("create version: %w", err)
	}

	c.logger.Info("conversation compacted",
		"conversation", conversationID,
		"version", next.Ordinal,
		"summarized_turns", len(old),
	)
	return true, nil
}

func (c *Compactor) summarize(ctx context.Context, conversationID string, turns []conversation.Turn) (string, error) {
	serialized, err := json.Marshal(turns)
	if err != nil {
		return "", fmt.Errorf("serialize turns: %w", err)
	}

	resp, err := c.backend.Complete(ctx, llm.Request{
		Model:     c.config.Model,
		System:    prompts.CompactionInstruction,
		Turns:     []conversation.Turn{conversation.UserText(string(serialized))},
		MaxTokens: c.config.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	recordUsage(ctx, c.usage, c.logger, conversationID, c.config.Model, usage.PurposeCompaction, resp)

	summary := strings.TrimSpace(resp.Turn().FirstText())
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}
