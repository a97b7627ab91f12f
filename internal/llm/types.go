package llm

import (
	"log/slog"

	"github.com/nugget/zipper/internal/conversation"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// StopReason tells the loop what to do with a response. It has exactly
// two values; every backend-specific reason maps onto one of them.
type StopReason string

const (
	// StopFinalAnswer means the model is done and its text is the answer.
	StopFinalAnswer StopReason = "final_answer"
	// StopToolUse means the model is waiting on tool results.
	StopToolUse StopReason = "tool_use"
)

// ToolSpec describes one capability offered to the model. Parameters is a
// JSON Schema object ({"type":"object","properties":...,"required":...}).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one model invocation.
type Request struct {
	Model     string
	System    string
	Tools     []ToolSpec
	Turns     []conversation.Turn
	MaxTokens int
}

// Response is the normalized result of a model invocation. Blocks are
// plain structured content, free of backend-specific types.
type Response struct {
	StopReason   StopReason
	Blocks       []conversation.Block
	Model        string
	InputTokens  int
	OutputTokens int
}

// Turn returns the response as an assistant turn ready to persist.
func (r *Response) Turn() conversation.Turn {
	blocks := r.Blocks
	if blocks == nil {
		blocks = []conversation.Block{}
	}
	return conversation.Turn{Role: conversation.RoleAssistant, Blocks: blocks}
}
