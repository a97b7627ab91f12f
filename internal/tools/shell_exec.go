package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	maxShellTimeout   = 5 * time.Minute
	maxShellOutputLen = 10000
)

// ShellExec runs shell commands for the "bash" capability.
type ShellExec struct {
	workingDir     string
	deniedCmds     []string
	defaultTimeout time.Duration
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	WorkingDir     string
	DeniedCmds     []string
	DefaultTimeout time.Duration
}

// DefaultDeniedCmds are blocked unless the config supplies its own list.
func DefaultDeniedCmds() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		"> /dev/sd",
		"chmod -R 777 /",
		":(){ :|:& };:", // Fork bomb
	}
}

// NewShellExec creates a new shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.DeniedCmds == nil {
		cfg.DeniedCmds = DefaultDeniedCmds()
	}
	return &ShellExec{
		workingDir:     cfg.WorkingDir,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// Exec runs command through sh -c and returns stdout followed by stderr,
// with a trailing "exit code: N" line on failure. Empty output is "ok".
// A timeout or a blocked command is an error.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (string, error) {
	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return "", fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > maxShellTimeout {
		timeout = maxShellTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}

	output := stdout.String() + stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", err
		}
		output += fmt.Sprintf("\nexit code: %d", exitErr.ExitCode())
	}

	output = strings.TrimSpace(output)
	if output == "" {
		output = "ok"
	}
	return truncateOutput(output, maxShellOutputLen), nil
}

// truncateOutput truncates output to maxBytes, noting the original size.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + fmt.Sprintf("\n... [truncated, %d chars total]", len(s))
}

// Tool returns the "bash" capability.
func (s *ShellExec) Tool() *Tool {
	return &Tool{
		Name:        "bash",
		Description: "Execute a shell command. Returns stdout and stderr.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to run.",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds. Default 30, maximum 300.",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return s.Exec(ctx, stringArg(args, "command"), intArg(args, "timeout", 0))
		},
	}
}
