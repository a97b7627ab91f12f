package watchdog

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const stashMessage = "zipper watchdog: auto-stash after failed restart"

// GitStash rolls the project's working tree back to HEAD with git stash,
// keeping the changes recoverable.
type GitStash struct {
	Dir string
}

// Rollback runs git stash push --include-untracked and returns its
// combined output.
func (g GitStash) Rollback(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "stash", "push", "--include-untracked", "-m", stashMessage)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git stash: %w", err)
	}
	return output, nil
}
