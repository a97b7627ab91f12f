// Package prompts contains the prompt text Zipper sends to models and to
// its own request entry point.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The one exception is the base system prompt, which operators
// edit as system_prompts/main.md in the project root.
//
// Convention: each prompt category gets its own file (system.go,
// compaction.go, restart.go) with exported functions that accept the
// dynamic parts and return the fully interpolated prompt string.
package prompts
