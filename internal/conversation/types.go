// Package conversation provides the durable, versioned conversation log:
// metadata, immutable-once-superseded versions of the turn history, and an
// append-only tool execution trace. It also provides Sanitize, which
// repairs turn sequences left inconsistent by an interrupted tool cycle.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when a conversation id does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrIdentityExhausted is returned by Create when every collision
	// suffix for a title's slug is already taken.
	ErrIdentityExhausted = errors.New("conversation identity exhausted")
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusClosed
}

// BlockType discriminates the content blocks of a structured turn.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one typed piece of a structured turn. Which fields are set
// depends on Type: Text for text blocks; ID, Name and Input for tool_use;
// ToolUseID, Content and IsError for tool_result.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock returns a tool invocation request block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns a tool result block answering the request id.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Turn is one message in the exchange. Content is either plain text
// (Blocks is nil) or a sequence of typed blocks.
//
// On the wire and in storage a turn is {"role": ..., "content": ...}
// where content is a JSON string or an array of blocks.
type Turn struct {
	Role   Role
	Text   string
	Blocks []Block
}

// UserText returns a plain-text user turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Text: text}
}

// AssistantText returns a plain-text assistant turn.
func AssistantText(text string) Turn {
	return Turn{Role: RoleAssistant, Text: text}
}

// IsStructured reports whether the turn carries typed blocks.
func (t Turn) IsStructured() bool {
	return t.Blocks != nil
}

// ToolUses returns the tool invocation request blocks in order.
func (t Turn) ToolUses() []Block {
	var out []Block
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// HasToolUse reports whether the turn contains a tool invocation request.
func (t Turn) HasToolUse() bool {
	for _, b := range t.Blocks {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// HasToolResult reports whether the turn contains a tool result.
func (t Turn) HasToolResult() bool {
	for _, b := range t.Blocks {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}

// FirstText returns the first text of the turn: the plain text for an
// unstructured turn, otherwise the first text block. Empty if none.
func (t Turn) FirstText() string {
	if !t.IsStructured() {
		return t.Text
	}
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			return b.Text
		}
	}
	return ""
}

// AllText joins every text block (or the plain text) with newlines.
func (t Turn) AllText() string {
	if !t.IsStructured() {
		return t.Text
	}
	var parts []string
	for _, b := range t.Blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type turnJSON struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON encodes the turn with string or block-array content.
func (t Turn) MarshalJSON() ([]byte, error) {
	var content []byte
	var err error
	if t.IsStructured() {
		content, err = json.Marshal(t.Blocks)
	} else {
		content, err = json.Marshal(t.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(turnJSON{Role: t.Role, Content: content})
}

// UnmarshalJSON accepts content as either a string or a block array.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw turnJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = Turn{Role: raw.Role}

	content := bytes.TrimSpace(raw.Content)
	switch {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
		return nil
	case content[0] == '"':
		return json.Unmarshal(content, &t.Text)
	case content[0] == '[':
		t.Blocks = []Block{}
		return json.Unmarshal(content, &t.Blocks)
	default:
		return fmt.Errorf("turn content must be a string or an array, got %s", content)
	}
}

// Conversation is the metadata record of one conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	Status    Status    `json:"status"`
	Summary   string    `json:"summary"`
	ThreadRef string    `json:"thread_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is a snapshot unit of a conversation's history. Only the
// highest-ordinal version is active; earlier versions never change.
type Version struct {
	Ordinal      int       `json:"version"`
	Summary      string    `json:"summary"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Turns        []Turn    `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
}

// TraceStatus records whether a tool invocation returned normally.
type TraceStatus string

const (
	TraceOK    TraceStatus = "ok"
	TraceError TraceStatus = "error"
)

// TraceEntry records one tool invocation.
type TraceEntry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	ToolName   string          `json:"tool"`
	Args       json.RawMessage `json:"args"`
	Output     string          `json:"output"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Status     TraceStatus     `json:"status"`
}

// Store is the durable conversation log. Writes to one conversation are
// read-modify-write and assume a single writer per conversation id;
// distinct conversations may be written concurrently.
type Store interface {
	// Create allocates a slug id from title and writes the metadata
	// record plus an empty version 0.
	Create(title, source, threadRef string) (string, error)
	Get(id string) (*Conversation, error)
	// List returns every conversation, most recently updated first.
	List() ([]Conversation, error)
	SetStatus(id string, status Status) error

	// ActiveVersion returns the highest-ordinal version, creating an
	// empty version 0 if the conversation has none.
	ActiveVersion(id string) (*Version, error)
	Versions(id string) ([]Version, error)
	AppendTurn(id string, turn Turn) error
	PopLastTurn(id string) error
	ReplaceTurns(id string, turns []Turn) error
	SetSystemPrompt(id, prompt string) error
	// CreateVersion appends a new active version holding summary and
	// turns, and records summary on the conversation.
	CreateVersion(id, summary string, turns []Turn) (*Version, error)

	// AppendTrace assigns the entry an id and timestamp and stores it.
	AppendTrace(id string, entry TraceEntry) (TraceEntry, error)
	Trace(id string) ([]TraceEntry, error)
}
