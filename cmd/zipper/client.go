package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/nugget/zipper/internal/agent"
	"github.com/nugget/zipper/internal/api"
	"github.com/nugget/zipper/internal/config"
)

const sourceCLI = "cli"

// chatClient is the part of api.Client the CLI uses.
type chatClient interface {
	Chat(ctx context.Context, req api.ChatRequest) (*agent.Result, error)
}

// lineReader yields one line of user input at a time. *readline.Instance
// satisfies it.
type lineReader interface {
	Readline() (string, error)
}

// serviceURL finds the running service's base URL. Without a config file
// the client falls back to ZIPPER_URL and then the default port, so ask
// and chat work from any directory.
func serviceURL(explicit string) (string, error) {
	if _, err := config.FindConfig(explicit); err != nil {
		if explicit != "" {
			return "", err
		}
		if u := os.Getenv("ZIPPER_URL"); u != "" {
			return u, nil
		}
		return config.Default().Restart.ServiceURL, nil
	}
	cfg, _, err := loadConfig(explicit)
	if err != nil {
		return "", err
	}
	return cfg.Restart.ServiceURL, nil
}

// runAsk handles "zipper ask": one prompt, one answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, convID, prompt, outputFmt string) error {
	url, err := serviceURL(configPath)
	if err != nil {
		return err
	}
	return ask(ctx, stdout, api.NewClient(url), convID, prompt, outputFmt)
}

func ask(ctx context.Context, w io.Writer, client chatClient, convID, prompt, outputFmt string) error {
	res, err := client.Chat(ctx, api.ChatRequest{
		Prompt:         prompt,
		ConversationID: convID,
		Source:         sourceCLI,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "[conversation: %s]\n", res.ConversationID)
	fmt.Fprintln(w, res.Text)
	return nil
}

// runChat handles "zipper chat": a readline session against the running
// service.
func runChat(ctx context.Context, stdout, stderr io.Writer, configPath, convID string) error {
	url, err := serviceURL(configPath)
	if err != nil {
		return err
	}

	rlCfg := &readline.Config{
		Prompt:          "zipper> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          stdout,
		Stderr:          stderr,
	}
	if home, err := os.UserHomeDir(); err == nil {
		rlCfg.HistoryFile = filepath.Join(home, ".zipper_history")
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(stdout, "Connected to", url, "(/new starts a new conversation, /exit quits)")
	return chatLoop(ctx, rl, stdout, api.NewClient(url), convID)
}

// chatLoop reads prompts until EOF or /exit. The first answer fixes the
// conversation id for the rest of the session.
func chatLoop(ctx context.Context, in lineReader, out io.Writer, client chatClient, convID string) error {
	for {
		line, err := in.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return nil
			}
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		prompt := strings.TrimSpace(line)
		switch prompt {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			convID = ""
			fmt.Fprintln(out, "[new conversation]")
			continue
		}

		res, err := client.Chat(ctx, api.ChatRequest{
			Prompt:         prompt,
			ConversationID: convID,
			Source:         sourceCLI,
		})
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if convID == "" {
			convID = res.ConversationID
			fmt.Fprintf(out, "[conversation: %s]\n", convID)
		}
		fmt.Fprintln(out, res.Text)
		if res.Outcome == agent.OutcomeRestartRequested {
			fmt.Fprintln(out, "[zipper is restarting; the watchdog will report back]")
		}
	}
}
