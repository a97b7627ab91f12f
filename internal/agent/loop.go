package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/iter"

	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/llm"
	"github.com/nugget/zipper/internal/prompts"
	"github.com/nugget/zipper/internal/tools"
	"github.com/nugget/zipper/internal/usage"
)

// Dispatcher runs tool invocations. *tools.Registry satisfies it.
type Dispatcher interface {
	Specs() []llm.ToolSpec
	Dispatch(ctx context.Context, name string, input json.RawMessage) (tools.Result, error)
	// Terminal reports whether a successful call to name ends the loop.
	Terminal(name string) bool
}

// Config controls loop behavior.
type Config struct {
	// Tiers are the selectable models, cheapest (default) first.
	Tiers []llm.Tier
	// SystemPromptPath is the base prompt file, re-read on every Run so
	// edits take effect without a restart.
	SystemPromptPath string
	ProjectRoot      string
	// ParallelTools dispatches the tool calls of one turn concurrently.
	// Results keep request order either way.
	ParallelTools bool
}

// Loop is the agent execution loop. It assumes at most one Run per
// conversation at a time; callers serialize.
type Loop struct {
	store     conversation.Store
	backend   llm.Backend
	tools     Dispatcher
	compactor *Compactor
	usage     UsageRecorder
	cfg       Config
	logger    *slog.Logger
}

// NewLoop creates a loop. compactor may be nil to disable compaction.
func NewLoop(store conversation.Store, backend llm.Backend, dispatcher Dispatcher, compactor *Compactor, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:     store,
		backend:   backend,
		tools:     dispatcher,
		compactor: compactor,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
	}
}

// SetUsageRecorder records token usage of every model call the loop
// makes.
func (l *Loop) SetUsageRecorder(rec UsageRecorder) {
	l.usage = rec
}

// Run submits prompt to the conversation and drives the model until it
// gives a final answer or a terminal tool succeeds.
func (l *Loop) Run(ctx context.Context, conversationID, prompt string) (*Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	version, err := l.store.ActiveVersion(conversationID)
	if err != nil {
		return nil, err
	}

	turns := conversation.Sanitize(version.Turns)
	if len(turns) != len(version.Turns) {
		l.logger.Warn("repaired conversation history",
			"conversation", conversationID,
			"dropped_turns", len(version.Turns)-len(turns),
		)
		if err := l.store.ReplaceTurns(conversationID, turns); err != nil {
			return nil, fmt.Errorf("persist sanitized turns: %w", err)
		}
	}

	// A resumed request may already be the last turn.
	pendingUser := false
	if !isLastUserText(turns, prompt) {
		turn := conversation.UserText(prompt)
		if err := l.store.AppendTurn(conversationID, turn); err != nil {
			return nil, fmt.Errorf("append prompt: %w", err)
		}
		turns = append(turns, turn)
		pendingUser = true
	}

	base, err := prompts.LoadSystemPrompt(l.cfg.SystemPromptPath, l.cfg.ProjectRoot)
	if err != nil {
		l.logger.Warn("system prompt unreadable, using fallback", "path", l.cfg.SystemPromptPath, "error", err)
		base = prompts.FallbackSystemPrompt
	}
	system := prompts.ComposeSystemPrompt(base, version.Summary)
	if err := l.store.SetSystemPrompt(conversationID, system); err != nil {
		return nil, fmt.Errorf("persist system prompt: %w", err)
	}

	l.logger.Info("agent loop started",
		"conversation", conversationID,
		"turns", len(turns),
		"version", version.Ordinal,
	)

	ctx = tools.WithConversationID(ctx, conversationID)
	result := &Result{ConversationID: conversationID}
	start := time.Now()

	for iteration := 0; ; iteration++ {
		tier := llm.SelectTier(l.cfg.Tiers, latestUserText(turns))

		resp, err := l.backend.Complete(ctx, llm.Request{
			Model:  tier.Model,
			System: system,
			Tools:  l.tools.Specs(),
			Turns:  turns,
		})
		if err != nil {
			if pendingUser {
				if popErr := l.store.PopLastTurn(conversationID); popErr != nil {
					l.logger.Error("failed to roll back user turn",
						"conversation", conversationID, "error", popErr)
				}
			}
			l.logger.Error("model call failed",
				"conversation", conversationID,
				"model", tier.Model,
				"iteration", iteration,
				"error", err,
			)
			return nil, &BackendError{Model: tier.Model, Err: err}
		}
		pendingUser = false
		recordUsage(ctx, l.usage, l.logger, conversationID, tier.Model, usage.PurposeAgent, resp)

		assistant := resp.Turn()
		if err := l.store.AppendTurn(conversationID, assistant); err != nil {
			return nil, fmt.Errorf("append assistant turn: %w", err)
		}
		turns = append(turns, assistant)

		result.Model = resp.Model
		if result.Model == "" {
			result.Model = tier.Model
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		uses := assistant.ToolUses()
		if resp.StopReason != llm.StopToolUse || len(uses) == 0 {
			result.Text = assistant.FirstText()
			result.Outcome = OutcomeFinalAnswer
			break
		}

		blocks, terminal := l.runTools(ctx, conversationID, uses)
		toolTurn := conversation.Turn{Role: conversation.RoleUser, Blocks: blocks}
		if err := l.store.AppendTurn(conversationID, toolTurn); err != nil {
			return nil, fmt.Errorf("append tool results: %w", err)
		}
		turns = append(turns, toolTurn)
		pendingUser = true

		if terminal != "" {
			l.logger.Info("terminal tool succeeded, ending loop",
				"conversation", conversationID,
				"iteration", iteration,
			)
			result.Text = terminal
			result.Outcome = OutcomeRestartRequested
			return result, nil
		}
	}

	l.logger.Info("agent loop completed",
		"conversation", conversationID,
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if l.compactor != nil {
		if _, err := l.compactor.Compact(ctx, conversationID); err != nil {
			l.logger.Warn("compaction skipped",
				"conversation", conversationID, "error", err)
		}
	}

	return result, nil
}

const notRunAfterRestart = "not run: restart in progress"

// toolOutcome is one dispatched invocation.
type toolOutcome struct {
	use     conversation.Block
	res     tools.Result
	err     error
	elapsed time.Duration
	skipped bool
}

// runTools dispatches every invocation of one assistant turn and records
// a trace entry for each. It returns the tool_result blocks in request
// order and, if a terminal tool succeeded, that tool's output. Requests
// after a successful terminal tool are answered without being run.
func (l *Loop) runTools(ctx context.Context, conversationID string, uses []conversation.Block) ([]conversation.Block, string) {
	dispatch := func(use *conversation.Block) toolOutcome {
		start := time.Now()
		res, err := l.tools.Dispatch(ctx, use.Name, use.Input)
		return toolOutcome{use: *use, res: res, err: err, elapsed: time.Since(start)}
	}

	var outcomes []toolOutcome
	if l.cfg.ParallelTools && len(uses) > 1 && !l.anyTerminal(uses) {
		outcomes = iter.Map(uses, dispatch)
	} else {
		outcomes = make([]toolOutcome, 0, len(uses))
		for i := range uses {
			o := dispatch(&uses[i])
			outcomes = append(outcomes, o)
			if o.err == nil && o.res.Terminal {
				for _, skipped := range uses[i+1:] {
					outcomes = append(outcomes, toolOutcome{use: skipped, skipped: true})
				}
				break
			}
		}
	}

	blocks := make([]conversation.Block, 0, len(outcomes))
	terminal := ""
	for _, o := range outcomes {
		if o.skipped {
			l.logger.Warn("tool not run after terminal tool",
				"conversation", conversationID, "tool", o.use.Name)
			blocks = append(blocks, conversation.ToolResultBlock(o.use.ID, notRunAfterRestart, true))
			continue
		}
		entry := conversation.TraceEntry{
			ToolName:   o.use.Name,
			Args:       o.use.Input,
			Output:     o.res.Text,
			DurationMS: o.elapsed.Milliseconds(),
			Status:     conversation.TraceOK,
		}
		content := o.res.Text
		if o.err != nil {
			entry.Status = conversation.TraceError
			entry.Error = o.err.Error()
			entry.Output = o.err.Error()
			content = "error: " + o.err.Error()

			level := slog.LevelWarn
			if errors.Is(o.err, tools.ErrUnknownCapability) {
				level = slog.LevelError
			}
			l.logger.Log(ctx, level, "tool failed",
				"conversation", conversationID,
				"tool", o.use.Name,
				"error", o.err,
			)
		}
		if _, err := l.store.AppendTrace(conversationID, entry); err != nil {
			l.logger.Error("failed to append trace entry",
				"conversation", conversationID, "tool", o.use.Name, "error", err)
		}

		blocks = append(blocks, conversation.ToolResultBlock(o.use.ID, content, o.err != nil))
		if o.err == nil && o.res.Terminal && terminal == "" {
			terminal = o.res.Text
		}
	}
	return blocks, terminal
}

// anyTerminal reports whether any request names a terminal tool.
func (l *Loop) anyTerminal(uses []conversation.Block) bool {
	for _, u := range uses {
		if l.tools.Terminal(u.Name) {
			return true
		}
	}
	return false
}

// isLastUserText reports whether the final turn is a plain user turn
// carrying exactly prompt.
func isLastUserText(turns []conversation.Turn, prompt string) bool {
	if len(turns) == 0 {
		return false
	}
	last := turns[len(turns)-1]
	return last.Role == conversation.RoleUser && !last.IsStructured() && last.Text == prompt
}

// latestUserText returns the text of the most recent user turn that has
// any, for tier selection.
func latestUserText(turns []conversation.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != conversation.RoleUser {
			continue
		}
		if text := turns[i].AllText(); text != "" {
			return text
		}
	}
	return ""
}
