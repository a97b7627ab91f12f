package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandRestarter restarts the service by running a command, such as
// systemctl --user restart zipper, and waiting for it.
type CommandRestarter struct {
	Command []string
	Timeout time.Duration
}

// RestartService runs the restart command.
func (c CommandRestarter) RestartService(ctx context.Context) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("no restart command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(c.Command, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Launcher implements the restart capability: it spawns a detached
// watchdog process for the conversation, then triggers the service
// restart, also detached, since the restart kills the calling process.
type Launcher struct {
	// Executable is the zipper binary; empty means os.Executable().
	Executable string
	// ConfigPath is passed to the watchdog with -config when set.
	ConfigPath  string
	ProjectRoot string
	// LogPath receives the watchdog's stdout and stderr.
	LogPath        string
	RestartCommand []string
	// Wrapper is prepended to the watchdog's command line, with {unit},
	// {dir} and {log} replaced. A systemd-run wrapper moves the watchdog
	// out of the service's cgroup so the restart does not kill it.
	Wrapper []string
	Logger  *slog.Logger
}

// Restart spawns the watchdog for conversationID and then the restart
// command. Both processes outlive the caller.
func (l *Launcher) Restart(_ context.Context, conversationID string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(l.RestartCommand) == 0 {
		return fmt.Errorf("no restart command configured")
	}

	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}

	args := []string{}
	if l.ConfigPath != "" {
		args = append(args, "-config", l.ConfigPath)
	}
	args = append(args, "watch", conversationID, l.ProjectRoot)
	argv := append(l.wrapperArgs(), exe)
	argv = append(argv, args...)

	watcher := exec.Command(argv[0], argv[1:]...)
	watcher.Dir = l.ProjectRoot
	if err := l.spawn(watcher); err != nil {
		return fmt.Errorf("spawn watchdog: %w", err)
	}
	logger.Info("watchdog spawned",
		"conversation", conversationID,
		"pid", watcher.Process.Pid,
		"log", l.LogPath,
	)
	watcher.Process.Release()

	restart := exec.Command(l.RestartCommand[0], l.RestartCommand[1:]...)
	if err := l.spawn(restart); err != nil {
		return fmt.Errorf("spawn restart command: %w", err)
	}
	logger.Info("service restart triggered", "command", strings.Join(l.RestartCommand, " "))
	restart.Process.Release()
	return nil
}

// spawn starts cmd in its own session with stdin closed and output
// appended to LogPath.
func (l *Launcher) spawn(cmd *exec.Cmd) error {
	detach(cmd)
	cmd.Stdin = nil

	if l.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(l.LogPath), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(l.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		// The child holds its own descriptor after Start.
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	return cmd.Start()
}

// wrapperArgs expands Wrapper for one watch. Elements naming {log} are
// dropped when there is no log file.
func (l *Launcher) wrapperArgs() []string {
	if len(l.Wrapper) == 0 {
		return nil
	}
	r := strings.NewReplacer(
		"{unit}", "zipper-watch-"+uuid.Must(uuid.NewV7()).String(),
		"{dir}", l.ProjectRoot,
		"{log}", l.LogPath,
	)
	out := make([]string, 0, len(l.Wrapper))
	for _, a := range l.Wrapper {
		if l.LogPath == "" && strings.Contains(a, "{log}") {
			continue
		}
		out = append(out, r.Replace(a))
	}
	return out
}
