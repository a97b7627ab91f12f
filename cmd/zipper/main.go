// Zipper is a self-building AI agent service.
//
// It runs an agent loop behind a small HTTP API, executes scheduled
// tasks, relays notifications to Discord, and can restart itself after
// editing its own code, with a detached watchdog that resumes the
// conversation or rolls the change back. Configuration is loaded from a
// single YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	zipper serve                          Start the API server and task runner
//	zipper watch <conversation> <root>    Recovery watchdog (spawned by restart)
//	zipper ask [-c id] <prompt>           Send one prompt to the running service
//	zipper chat [-c id]                   Interactive session with the running service
//	zipper version                        Print version and build information
//	zipper -o json version                Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/zipper/internal/buildinfo"
	"github.com/nugget/zipper/internal/config"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], so the whole command can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the zipper command. Arguments are
// parsed by hand: the flag package's globals get in the way of calling
// run from parallel tests, and the surface is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to the command.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "watch":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: zipper watch <conversation_id> <project_root>")
		}
		return runWatch(ctx, stdout, configPath, cmdArgs[0], cmdArgs[1])
	case "ask":
		convID, rest, err := conversationFlag(cmdArgs)
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			return fmt.Errorf("usage: zipper ask [-c conversation_id] <prompt>")
		}
		return runAsk(ctx, stdout, stderr, configPath, convID, strings.Join(rest, " "), outputFmt)
	case "chat":
		convID, rest, err := conversationFlag(cmdArgs)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return fmt.Errorf("usage: zipper chat [-c conversation_id]")
		}
		return runChat(ctx, stdout, stderr, configPath, convID)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// conversationFlag extracts "-c id" (or "-c=id") from a subcommand's
// arguments.
func conversationFlag(args []string) (id string, rest []string, err error) {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-c" || args[i] == "--conversation":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("%s requires a conversation id", args[i])
			}
			id = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-c="):
			id = strings.TrimPrefix(args[i], "-c=")
		default:
			rest = append(rest, args[i])
		}
	}
	return id, rest, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Static()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Zipper - self-building AI agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: zipper [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                           Start the API server and task runner")
	fmt.Fprintln(w, "  watch <conversation> <root>     Recovery watchdog (spawned by the restart tool)")
	fmt.Fprintln(w, "  ask [-c id] <prompt>            Send one prompt to the running service")
	fmt.Fprintln(w, "  chat [-c id]                    Interactive session with the running service")
	fmt.Fprintln(w, "  version                         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/zipper/config.yaml, /etc/zipper/config.yaml")
	return nil
}

// loadConfig locates, parses and validates the configuration file.
// Returns the config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the configured logger writing to w.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return config.NewLogger(w, level, cfg.LogFormat), nil
}
