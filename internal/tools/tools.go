// Package tools is the capability dispatcher: a static catalog of named,
// schema-described tools the model may call, plus the built-in plugins
// (file, bash, search, notify, task, restart).
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nugget/zipper/internal/llm"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// Terminal marks a tool whose successful return ends the agent loop
	// (the process is about to go away).
	Terminal bool                                                           `json:"-"`
	Handler  func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Result is the outcome of one dispatch.
type Result struct {
	Text     string
	Terminal bool
	Duration time.Duration
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a tool, replacing any tool with the same name. Tool
// schemas are program constants, so Register panics if Parameters is not
// a valid JSON Schema.
func (r *Registry) Register(t *Tool) {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
		t.Parameters = params
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
	if err != nil {
		panic(fmt.Sprintf("tool %s: invalid parameter schema: %v", t.Name, err))
	}
	r.tools[t.Name] = t
	r.schemas[t.Name] = schema
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Terminal reports whether name is registered as a terminal tool.
func (r *Registry) Terminal(name string) bool {
	t := r.tools[name]
	return t != nil && t.Terminal
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the catalog sent with every model request, sorted by name
// so the request is stable across calls.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return specs
}

// Dispatch validates input against the tool's schema and runs its
// handler. Unknown names fail with *UnknownCapabilityError. A handler
// error is returned as-is alongside the elapsed time; callers turn it
// into tool-result text.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	tool := r.tools[name]
	if tool == nil {
		return Result{}, &UnknownCapabilityError{Name: name}
	}

	input = bytes.TrimSpace(input)
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		input = json.RawMessage("{}")
	}

	if err := r.validate(name, input); err != nil {
		return Result{}, err
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return Result{}, &InvalidArgumentsError{Tool: name, Reasons: []string{err.Error()}}
	}

	start := time.Now()
	text, err := tool.Handler(ctx, args)
	elapsed := time.Since(start)

	r.logger.Debug("tool dispatched",
		"tool", name,
		"duration_ms", elapsed.Milliseconds(),
		"error", err != nil,
	)
	r.logger.Log(ctx, llm.LevelTrace, "tool payload", "tool", name, "args", string(input), "output", text)

	if err != nil {
		return Result{Text: text, Duration: elapsed}, err
	}
	return Result{Text: text, Terminal: tool.Terminal, Duration: elapsed}, nil
}

func (r *Registry) validate(name string, input json.RawMessage) error {
	result, err := r.schemas[name].Validate(gojsonschema.NewBytesLoader(input))
	if err != nil {
		return &InvalidArgumentsError{Tool: name, Reasons: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	reasons := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		if e.Field() == "(root)" {
			reasons = append(reasons, e.Description())
		} else {
			reasons = append(reasons, e.Field()+": "+e.Description())
		}
	}
	return &InvalidArgumentsError{Tool: name, Reasons: reasons}
}

// stringArg returns args[key] as a string, or "".
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// intArg returns args[key] as an int, or def when absent. JSON numbers
// decode as float64.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
