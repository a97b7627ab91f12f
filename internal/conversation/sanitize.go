package conversation

// Sanitize repairs a turn sequence whose tool invocation/result pairing
// was broken by an interrupted run. It never modifies its input.
//
// The following repairs are applied until none applies:
//   - a trailing assistant turn with a tool_use request is dropped, since
//     nothing answered it;
//   - a trailing user turn of tool results is dropped unless the turn
//     before it is an assistant turn whose requests it answers exactly;
//   - leading user turns of tool results are dropped.
//
// Because the repairs run to a fixed point, Sanitize(Sanitize(x)) equals
// Sanitize(x).
func Sanitize(turns []Turn) []Turn {
	out := append([]Turn(nil), turns...)

	for {
		switch {
		case len(out) > 0 && isToolRequest(out[len(out)-1]):
			out = out[:len(out)-1]

		case len(out) > 0 && isToolResultTurn(out[len(out)-1]) && !answersPrevious(out):
			out = out[:len(out)-1]

		case len(out) > 0 && isToolResultTurn(out[0]):
			out = out[1:]

		default:
			if out == nil {
				out = []Turn{}
			}
			return out
		}
	}
}

func isToolRequest(t Turn) bool {
	return t.Role == RoleAssistant && t.HasToolUse()
}

func isToolResultTurn(t Turn) bool {
	return t.Role == RoleUser && t.HasToolResult()
}

// answersPrevious reports whether the last turn's tool results address
// exactly the requests of the turn before it.
func answersPrevious(turns []Turn) bool {
	if len(turns) < 2 {
		return false
	}
	prev := turns[len(turns)-2]
	if !isToolRequest(prev) {
		return false
	}

	requested := make(map[string]bool)
	for _, b := range prev.ToolUses() {
		requested[b.ID] = true
	}

	answered := make(map[string]bool)
	for _, b := range turns[len(turns)-1].Blocks {
		if b.Type != BlockToolResult {
			continue
		}
		if !requested[b.ToolUseID] {
			return false
		}
		answered[b.ToolUseID] = true
	}
	return len(answered) == len(requested)
}
