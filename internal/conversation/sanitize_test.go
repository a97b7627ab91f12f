package conversation

import (
	"encoding/json"
	"reflect"
	"testing"
)

func toolCall(ids ...string) Turn {
	t := Turn{Role: RoleAssistant, Blocks: []Block{TextBlock("working on it")}}
	for _, id := range ids {
		t.Blocks = append(t.Blocks, ToolUseBlock(id, "bash", json.RawMessage(`{}`)))
	}
	return t
}

func toolResults(ids ...string) Turn {
	t := Turn{Role: RoleUser, Blocks: []Block{}}
	for _, id := range ids {
		t.Blocks = append(t.Blocks, ToolResultBlock(id, "ok", false))
	}
	return t
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		turns []Turn
		want  []Turn
	}{
		{
			name:  "empty",
			turns: nil,
			want:  []Turn{},
		},
		{
			name:  "clean exchange untouched",
			turns: []Turn{UserText("hi"), AssistantText("hello")},
			want:  []Turn{UserText("hi"), AssistantText("hello")},
		},
		{
			name:  "complete tool cycle untouched",
			turns: []Turn{UserText("ls"), toolCall("a"), toolResults("a")},
			want:  []Turn{UserText("ls"), toolCall("a"), toolResults("a")},
		},
		{
			name:  "unanswered trailing request dropped",
			turns: []Turn{UserText("ls"), toolCall("a")},
			want:  []Turn{UserText("ls")},
		},
		{
			name:  "orphan trailing result dropped",
			turns: []Turn{UserText("ls"), AssistantText("done"), toolResults("a")},
			want:  []Turn{UserText("ls"), AssistantText("done")},
		},
		{
			name:  "result answering the wrong request dropped then request dropped",
			turns: []Turn{UserText("ls"), toolCall("a"), toolResults("b")},
			want:  []Turn{UserText("ls")},
		},
		{
			name:  "partial answer is not a match",
			turns: []Turn{UserText("ls"), toolCall("a", "b"), toolResults("a")},
			want:  []Turn{UserText("ls")},
		},
		{
			name:  "leading results dropped",
			turns: []Turn{toolResults("x"), toolResults("y"), UserText("start"), AssistantText("ok")},
			want:  []Turn{UserText("start"), AssistantText("ok")},
		},
		{
			name:  "all repairs at once",
			turns: []Turn{toolResults("x"), UserText("go"), toolCall("a"), toolResults("a"), toolCall("b")},
			want:  []Turn{UserText("go"), toolCall("a"), toolResults("a")},
		},
		{
			name:  "only orphans",
			turns: []Turn{toolResults("x")},
			want:  []Turn{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.turns)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Sanitize() =\n%+v\nwant\n%+v", got, tt.want)
			}
			if again := Sanitize(got); !reflect.DeepEqual(again, got) {
				t.Errorf("Sanitize not idempotent:\n%+v\n%+v", got, again)
			}
		})
	}
}

func TestSanitize_DoesNotModifyInput(t *testing.T) {
	in := []Turn{UserText("ls"), toolCall("a")}
	Sanitize(in)
	if len(in) != 2 || !in[1].HasToolUse() {
		t.Errorf("input modified: %+v", in)
	}
}

func TestSanitize_EveryRequestAnswered(t *testing.T) {
	in := []Turn{
		toolResults("z"),
		UserText("a"), toolCall("1", "2"), toolResults("2", "1"),
		AssistantText("done"),
		UserText("b"), toolCall("3"), toolResults("4"),
	}
	out := Sanitize(in)

	for i, turn := range out {
		if !isToolRequest(turn) {
			continue
		}
		if i+1 >= len(out) {
			t.Fatalf("request at %d has no following turn", i)
		}
		if !answersPrevious(out[:i+2]) {
			t.Errorf("request at %d not answered by next turn", i)
		}
	}
}
