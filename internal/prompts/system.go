package prompts

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FallbackSystemPrompt is used when no system prompt file exists.
const FallbackSystemPrompt = "You are Zipper, a self-building AI assistant."

// projectDirectoryPlaceholder is replaced with the project root when the
// system prompt file is loaded.
const projectDirectoryPlaceholder = "{{project_directory}}"

// DefaultSystemPromptPath returns <projectRoot>/system_prompts/main.md.
func DefaultSystemPromptPath(projectRoot string) string {
	return filepath.Join(projectRoot, "system_prompts", "main.md")
}

// LoadSystemPrompt reads the base system prompt from path, substituting
// {{project_directory}} with projectRoot. A missing file yields
// FallbackSystemPrompt; other read errors are returned.
func LoadSystemPrompt(path, projectRoot string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FallbackSystemPrompt, nil
	}
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(data), projectDirectoryPlaceholder, projectRoot), nil
}

// ComposeSystemPrompt appends the conversation's running summary to the
// base prompt. An empty summary leaves base unchanged.
func ComposeSystemPrompt(base, summary string) string {
	if summary == "" {
		return base
	}
	return base + "\n\n## Conversation History\n" + summary
}
