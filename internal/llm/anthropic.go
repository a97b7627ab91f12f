package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/httpkit"
)

const defaultMaxTokens = 8096

// AnthropicConfig configures an AnthropicBackend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// AnthropicBackend calls the Anthropic Messages API through the official
// SDK.
type AnthropicBackend struct {
	client    anthropic.Client
	maxTokens int
	logger    *slog.Logger
}

// NewAnthropicBackend creates a backend. The SDK's own retries are
// disabled.
func NewAnthropicBackend(cfg AnthropicConfig, logger *slog.Logger) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	// Large prompts can take a long time before headers arrive; ctx
	// carries the overall deadline.
	client := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(120*time.Second),
	)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(client),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		maxTokens: cfg.MaxTokens,
		logger:    logger.With("provider", "anthropic"),
	}, nil
}

// Complete sends one Messages API request.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertTurns(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	if b.logger.Enabled(ctx, LevelTrace) {
		if payload, err := json.Marshal(params); err == nil {
			b.logger.Log(ctx, LevelTrace, "anthropic request", "payload", string(payload))
		}
	}

	start := time.Now()
	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	b.logger.Debug("anthropic call completed",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
	)

	out := &Response{
		StopReason:   mapStopReason(resp.StopReason),
		Model:        string(resp.Model),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Blocks:       []conversation.Block{},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Blocks = append(out.Blocks, conversation.TextBlock(block.Text))
		case "tool_use":
			input := json.RawMessage(block.Input)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.Blocks = append(out.Blocks, conversation.ToolUseBlock(block.ID, block.Name, input))
		}
	}

	return out, nil
}

// mapStopReason folds the API's stop reasons into the two the loop acts on.
func mapStopReason(reason anthropic.StopReason) StopReason {
	if reason == anthropic.StopReasonToolUse {
		return StopToolUse
	}
	return StopFinalAnswer
}

func convertTurns(turns []conversation.Turn) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(turns))

	for _, t := range turns {
		var content []anthropic.ContentBlockParamUnion
		if !t.IsStructured() {
			if t.Text != "" {
				content = append(content, anthropic.NewTextBlock(t.Text))
			}
		} else {
			for _, blk := range t.Blocks {
				switch blk.Type {
				case conversation.BlockText:
					if blk.Text != "" {
						content = append(content, anthropic.NewTextBlock(blk.Text))
					}
				case conversation.BlockToolUse:
					input := blk.Input
					if len(input) == 0 {
						input = json.RawMessage("{}")
					}
					content = append(content, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    blk.ID,
							Name:  blk.Name,
							Input: input,
						},
					})
				case conversation.BlockToolResult:
					content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
				}
			}
		}

		// The API rejects messages with no content.
		if len(content) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if t.Role == conversation.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: content})
	}

	return messages
}

func convertTools(tools []ToolSpec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))

	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(t.Parameters["required"])

		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		}
	}

	return result
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
