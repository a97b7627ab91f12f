package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/llm"
	"github.com/nugget/zipper/internal/tools"
)

var testTiers = []llm.Tier{
	{Name: "haiku", Model: "claude-haiku"},
	{Name: "sonnet", Model: "claude-sonnet", Keywords: []string{"sonnet"}},
	{Name: "opus", Model: "claude-opus", Keywords: []string{"opus"}},
}

type scripted struct {
	resp *llm.Response
	err  error
}

// scriptedBackend replays canned responses in order and records every
// request it receives.
type scriptedBackend struct {
	mu       sync.Mutex
	script   []scripted
	requests []llm.Request
}

func (b *scriptedBackend) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req.Turns = append([]conversation.Turn(nil), req.Turns...)
	b.requests = append(b.requests, req)
	if len(b.script) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := b.script[0]
	b.script = b.script[1:]
	return next.resp, next.err
}

func finalAnswer(text string) scripted {
	return scripted{resp: &llm.Response{
		StopReason:   llm.StopFinalAnswer,
		Blocks:       []conversation.Block{conversation.TextBlock(text)},
		InputTokens:  10,
		OutputTokens: 5,
	}}
}

func toolCall(uses ...conversation.Block) scripted {
	return scripted{resp: &llm.Response{
		StopReason:   llm.StopToolUse,
		Blocks:       append([]conversation.Block{conversation.TextBlock("working on it")}, uses...),
		InputTokens:  10,
		OutputTokens: 5,
	}}
}

func use(id, name, input string) conversation.Block {
	return conversation.ToolUseBlock(id, name, json.RawMessage(input))
}

func backendFailure() scripted {
	return scripted{err: errors.New("529 overloaded")}
}

type harness struct {
	store    *conversation.SQLiteStore
	backend  *scriptedBackend
	registry *tools.Registry
	loop     *Loop
	convID   string
}

func newHarness(t *testing.T, cfg Config, script ...scripted) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := conversation.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.Create("Fix bug", "test", "")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Tiers == nil {
		cfg.Tiers = testTiers
	}
	if cfg.SystemPromptPath == "" {
		cfg.SystemPromptPath = filepath.Join(t.TempDir(), "missing.md")
	}

	backend := &scriptedBackend{script: script}
	registry := tools.NewRegistry(nil)
	registry.Register(&tools.Tool{
		Name: "echo",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	registry.Register(&tools.Tool{
		Name: "explode",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("kaboom")
		},
	})

	h := &harness{store: store, backend: backend, registry: registry, convID: id}
	h.loop = NewLoop(store, backend, registry, nil, cfg, nil)
	return h
}

func (h *harness) turns(t *testing.T) []conversation.Turn {
	t.Helper()
	v, err := h.store.ActiveVersion(h.convID)
	if err != nil {
		t.Fatal(err)
	}
	return v.Turns
}

func TestRun_FinalAnswer(t *testing.T) {
	h := newHarness(t, Config{}, finalAnswer("Hello there."))

	res, err := h.loop.Run(context.Background(), h.convID, "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Hello there." || res.Outcome != OutcomeFinalAnswer {
		t.Errorf("result = %+v", res)
	}
	if res.Model != "claude-haiku" || res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Errorf("model/tokens = %+v", res)
	}

	turns := h.turns(t)
	if len(turns) != 2 || turns[0].Text != "hi" || turns[1].Role != conversation.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}

	req := h.backend.requests[0]
	if req.System != "You are Zipper, a self-building AI assistant." {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Tools) != 2 {
		t.Errorf("tools sent = %d, want 2", len(req.Tools))
	}
	v, _ := h.store.ActiveVersion(h.convID)
	if v.SystemPrompt != req.System {
		t.Errorf("persisted system prompt = %q", v.SystemPrompt)
	}
}

func TestRun_FinalAnswerWithoutText(t *testing.T) {
	h := newHarness(t, Config{}, scripted{resp: &llm.Response{StopReason: llm.StopFinalAnswer, Blocks: []conversation.Block{}}})
	res, err := h.loop.Run(context.Background(), h.convID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
}

func TestRun_ToolRound(t *testing.T) {
	h := newHarness(t, Config{},
		toolCall(use("tu_1", "echo", `{"text":"pong"}`)),
		finalAnswer("echo said pong"),
	)

	res, err := h.loop.Run(context.Background(), h.convID, "ping")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "echo said pong" || res.InputTokens != 20 {
		t.Errorf("result = %+v", res)
	}

	turns := h.turns(t)
	if len(turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(turns))
	}
	result := turns[2]
	if result.Role != conversation.RoleUser || len(result.Blocks) != 1 {
		t.Fatalf("tool result turn = %+v", result)
	}
	if b := result.Blocks[0]; b.ToolUseID != "tu_1" || b.Content != "pong" || b.IsError {
		t.Errorf("tool result = %+v", b)
	}

	second := h.backend.requests[1]
	if len(second.Turns) != 3 || !second.Turns[2].HasToolResult() {
		t.Errorf("second request turns = %+v", second.Turns)
	}

	trace, err := h.store.Trace(h.convID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trace) != 1 || trace[0].ToolName != "echo" || trace[0].Status != conversation.TraceOK || trace[0].Output != "pong" {
		t.Errorf("trace = %+v", trace)
	}
}

func TestRun_ToolFailuresReachTheModel(t *testing.T) {
	h := newHarness(t, Config{},
		toolCall(
			use("tu_1", "explode", `{}`),
			use("tu_2", "teleport", `{}`),
			use("tu_3", "echo", `{}`),
		),
		finalAnswer("recovered"),
	)

	res, err := h.loop.Run(context.Background(), h.convID, "try things")
	if err != nil {
		t.Fatalf("tool failures must not abort the loop: %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q", res.Text)
	}

	blocks := h.turns(t)[2].Blocks
	if len(blocks) != 3 {
		t.Fatalf("result blocks = %+v", blocks)
	}
	for i, want := range []string{"kaboom", "unknown capability", "text"} {
		if !blocks[i].IsError || !strings.Contains(blocks[i].Content, want) {
			t.Errorf("block %d = %+v, want error mentioning %q", i, blocks[i], want)
		}
	}

	trace, _ := h.store.Trace(h.convID)
	if len(trace) != 3 {
		t.Fatalf("trace entries = %d, want 3", len(trace))
	}
	for _, e := range trace {
		if e.Status != conversation.TraceError || e.Error == "" {
			t.Errorf("trace entry = %+v, want error status", e)
		}
	}
}

func TestRun_EveryToolRequestAnswered(t *testing.T) {
	h := newHarness(t, Config{},
		toolCall(use("a", "echo", `{"text":"1"}`), use("b", "echo", `{"text":"2"}`)),
		toolCall(use("c", "explode", `{}`)),
		finalAnswer("done"),
	)
	if _, err := h.loop.Run(context.Background(), h.convID, "go"); err != nil {
		t.Fatal(err)
	}

	for _, req := range h.backend.requests {
		for i, turn := range req.Turns {
			uses := turn.ToolUses()
			if len(uses) == 0 {
				continue
			}
			if i+1 >= len(req.Turns) {
				t.Fatalf("request ends with an unanswered tool use")
			}
			answered := map[string]bool{}
			for _, b := range req.Turns[i+1].Blocks {
				if b.Type == conversation.BlockToolResult {
					answered[b.ToolUseID] = true
				}
			}
			for _, u := range uses {
				if !answered[u.ID] {
					t.Errorf("tool use %s not answered in the following turn", u.ID)
				}
			}
		}
	}
}

func TestRun_BackendFailureRollsBack(t *testing.T) {
	h := newHarness(t, Config{}, finalAnswer("first"), backendFailure())

	if _, err := h.loop.Run(context.Background(), h.convID, "one"); err != nil {
		t.Fatal(err)
	}
	before := len(h.turns(t))

	_, err := h.loop.Run(context.Background(), h.convID, "two")
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want BackendError", err)
	}
	if be.Model != "claude-haiku" || !strings.Contains(be.Error(), "529") {
		t.Errorf("BackendError = %v", be)
	}
	if after := len(h.turns(t)); after != before {
		t.Errorf("turns after failed call = %d, want %d", after, before)
	}
}

func TestRun_BackendFailureMidLoop(t *testing.T) {
	h := newHarness(t, Config{},
		toolCall(use("tu_1", "echo", `{"text":"x"}`)),
		backendFailure(),
		finalAnswer("fresh start"),
	)

	if _, err := h.loop.Run(context.Background(), h.convID, "start"); err == nil {
		t.Fatal("expected backend error")
	}
	turns := h.turns(t)
	if len(turns) != 2 || !turns[1].HasToolUse() {
		t.Fatalf("turns after mid-loop failure = %+v", turns)
	}

	// The next run repairs the dangling tool use before calling the model.
	if _, err := h.loop.Run(context.Background(), h.convID, "start"); err != nil {
		t.Fatal(err)
	}
	req := h.backend.requests[2]
	if len(req.Turns) != 1 || req.Turns[0].Text != "start" {
		t.Errorf("repaired request turns = %+v", req.Turns)
	}
}

func TestRun_SanitizesOnEntry(t *testing.T) {
	h := newHarness(t, Config{}, finalAnswer("ok"))
	h.store.AppendTurn(h.convID, conversation.Turn{Role: conversation.RoleUser, Blocks: []conversation.Block{
		conversation.ToolResultBlock("orphan", "stale", false),
	}})
	h.store.AppendTurn(h.convID, conversation.UserText("earlier question"))
	h.store.AppendTurn(h.convID, conversation.Turn{Role: conversation.RoleAssistant, Blocks: []conversation.Block{
		use("lost", "echo", `{"text":"?"}`),
	}})

	if _, err := h.loop.Run(context.Background(), h.convID, "again"); err != nil {
		t.Fatal(err)
	}
	req := h.backend.requests[0]
	if len(req.Turns) != 2 || req.Turns[0].Text != "earlier question" || req.Turns[1].Text != "again" {
		t.Errorf("request turns = %+v", req.Turns)
	}
}

func TestRun_ResumedPromptNotDuplicated(t *testing.T) {
	h := newHarness(t, Config{}, backendFailure(), finalAnswer("ok"))
	h.store.AppendTurn(h.convID, conversation.UserText("pending"))

	// Failure on a prompt that was already stored must not remove it.
	if _, err := h.loop.Run(context.Background(), h.convID, "pending"); err == nil {
		t.Fatal("expected error")
	}
	if turns := h.turns(t); len(turns) != 1 {
		t.Fatalf("turns = %d, want the stored prompt kept", len(turns))
	}

	if _, err := h.loop.Run(context.Background(), h.convID, "pending"); err != nil {
		t.Fatal(err)
	}
	if turns := h.turns(t); len(turns) != 2 {
		t.Errorf("turns = %d, want 2", len(turns))
	}
}

func TestRun_SelectsTierFromLatestUserText(t *testing.T) {
	h := newHarness(t, Config{},
		toolCall(use("tu_1", "echo", `{"text":"x"}`)),
		finalAnswer("done"),
	)
	if _, err := h.loop.Run(context.Background(), h.convID, "Please use OPUS for this"); err != nil {
		t.Fatal(err)
	}
	for i, req := range h.backend.requests {
		if req.Model != "claude-opus" {
			t.Errorf("request %d model = %s, want claude-opus", i, req.Model)
		}
	}
}

func TestRun_RestartIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, toolCall(use("tu_r", "restart", `{}`)), finalAnswer("never sent"))
	var gotID string
	h.registry.Register(&tools.Tool{
		Name:     "restart",
		Terminal: true,
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			gotID = tools.ConversationIDFromContext(ctx)
			return "restarting...", nil
		},
	})

	res, err := h.loop.Run(context.Background(), h.convID, "apply my change")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRestartRequested || res.Text != "restarting..." {
		t.Errorf("result = %+v", res)
	}
	if len(h.backend.requests) != 1 {
		t.Errorf("backend calls = %d, want 1", len(h.backend.requests))
	}
	if gotID != h.convID {
		t.Errorf("tool saw conversation %q", gotID)
	}
	if turns := h.turns(t); !turns[len(turns)-1].HasToolResult() {
		t.Error("restart result should be recorded")
	}
}

func TestRun_ToolsAfterRestartNotRun(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			h := newHarness(t, Config{ParallelTools: parallel},
				toolCall(
					use("tu_r", "restart", `{}`),
					use("tu_after", "after", `{}`),
				),
				finalAnswer("never sent"),
			)
			h.registry.Register(&tools.Tool{
				Name:     "restart",
				Terminal: true,
				Handler: func(context.Context, map[string]any) (string, error) {
					return "restarting...", nil
				},
			})
			var calls int
			h.registry.Register(&tools.Tool{
				Name: "after",
				Handler: func(context.Context, map[string]any) (string, error) {
					calls++
					return "ran", nil
				},
			})

			res, err := h.loop.Run(context.Background(), h.convID, "apply and clean up")
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != OutcomeRestartRequested {
				t.Errorf("outcome = %s", res.Outcome)
			}
			if calls != 0 {
				t.Errorf("tool after restart ran %d time(s)", calls)
			}

			turns := h.turns(t)
			blocks := turns[len(turns)-1].Blocks
			if len(blocks) != 2 {
				t.Fatalf("tool results = %d, want one per request", len(blocks))
			}
			if b := blocks[1]; b.ToolUseID != "tu_after" || !b.IsError || b.Content != "not run: restart in progress" {
				t.Errorf("skipped result = %+v", b)
			}
			trace, _ := h.store.Trace(h.convID)
			if len(trace) != 1 || trace[0].ToolName != "restart" {
				t.Errorf("trace = %+v, want only the restart", trace)
			}
		})
	}
}

func TestRun_ParallelToolsKeepOrder(t *testing.T) {
	h := newHarness(t, Config{ParallelTools: true},
		toolCall(
			use("slow", "sleep", `{"ms":80,"tag":"slow"}`),
			use("fast", "sleep", `{"ms":1,"tag":"fast"}`),
		),
		finalAnswer("done"),
	)
	var mu sync.Mutex
	var finished []string
	h.registry.Register(&tools.Tool{
		Name: "sleep",
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			time.Sleep(time.Duration(args["ms"].(float64)) * time.Millisecond)
			mu.Lock()
			finished = append(finished, args["tag"].(string))
			mu.Unlock()
			return args["tag"].(string), nil
		},
	})

	if _, err := h.loop.Run(context.Background(), h.convID, "race"); err != nil {
		t.Fatal(err)
	}
	if strings.Join(finished, ",") != "fast,slow" {
		t.Errorf("tools did not run concurrently: finished %v", finished)
	}
	blocks := h.turns(t)[2].Blocks
	if blocks[0].ToolUseID != "slow" || blocks[1].ToolUseID != "fast" {
		t.Errorf("result order = %s,%s; want request order", blocks[0].ToolUseID, blocks[1].ToolUseID)
	}
	trace, _ := h.store.Trace(h.convID)
	if trace[0].Output != "slow" || trace[1].Output != "fast" {
		t.Errorf("trace order = %s,%s", trace[0].Output, trace[1].Output)
	}
}

func TestRun_SystemPromptFromFileAndSummary(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "system_prompts", "main.md")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("Work in {{project_directory}}."), 0o644)

	h := newHarness(t, Config{SystemPromptPath: path, ProjectRoot: root}, finalAnswer("ok"))
	if _, err := h.store.CreateVersion(h.convID, "Earlier we fixed the parser.", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := h.loop.Run(context.Background(), h.convID, "continue"); err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("Work in %s.\n\n## Conversation History\nEarlier we fixed the parser.", root)
	if got := h.backend.requests[0].System; got != want {
		t.Errorf("system = %q, want %q", got, want)
	}
}

func TestRun_RequiresPromptAndConversation(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.loop.Run(context.Background(), h.convID, "  "); err == nil {
		t.Error("empty prompt should fail")
	}
	if _, err := h.loop.Run(context.Background(), "nope", "hi"); !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if len(h.backend.requests) != 0 {
		t.Error("backend must not be called")
	}
}
