package prompts

import "strings"

// CompactionInstruction is the system prompt for the auxiliary model call
// that summarizes turns being compacted away. The turns themselves are
// sent as the user message, serialized as JSON.
const CompactionInstruction = "Summarize the following conversation concisely, preserving key decisions, actions taken, and outcomes."

// CombineSummaries joins a prior running summary with a newly generated
// one.
func CombineSummaries(prior, next string) string {
	return strings.TrimSpace(prior + "\n\n" + next)
}
