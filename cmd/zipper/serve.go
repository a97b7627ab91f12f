package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/zipper/internal/agent"
	"github.com/nugget/zipper/internal/api"
	"github.com/nugget/zipper/internal/buildinfo"
	"github.com/nugget/zipper/internal/config"
	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/llm"
	"github.com/nugget/zipper/internal/notify"
	"github.com/nugget/zipper/internal/prompts"
	"github.com/nugget/zipper/internal/search"
	"github.com/nugget/zipper/internal/tasks"
	"github.com/nugget/zipper/internal/tools"
	"github.com/nugget/zipper/internal/usage"
	"github.com/nugget/zipper/internal/watchdog"
)

const shutdownTimeout = 10 * time.Second

// runServe handles the "zipper serve" subcommand: it opens the database,
// builds the agent loop with every capability, and runs the API server,
// the notification queue and the task runner until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	logger.Info("starting Zipper",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"project_root", cfg.ProjectRoot,
	)

	if !cfg.Anthropic.Configured() {
		return fmt.Errorf("anthropic.api_key (or ANTHROPIC_API_KEY) is required to serve")
	}

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	convStore, err := conversation.NewSQLiteStore(db)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	taskStore, err := tasks.NewStore(db)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	usageStore, err := usage.NewStore(db, cfg.Models.Pricing)
	if err != nil {
		return fmt.Errorf("usage store: %w", err)
	}

	backend, err := llm.NewAnthropicBackend(llm.AnthropicConfig{
		APIKey:    cfg.Anthropic.APIKey,
		BaseURL:   cfg.Anthropic.BaseURL,
		MaxTokens: cfg.Anthropic.MaxTokens,
	}, logger)
	if err != nil {
		return err
	}

	sink, closeSink, err := newSink(cfg, logger, true)
	if err != nil {
		return err
	}
	defer closeSink()
	queue := notify.NewQueue(sink, cfg.Notify.RetryInterval, logger)

	lookup := threadLookup(convStore)
	registry := tools.NewRegistry(logger)
	registerTools(registry, cfg, cfgPath, queue, lookup, taskStore, usageStore, logger)
	logger.Info("capabilities registered", "tools", registry.Names())

	compaction := agent.DefaultCompactionConfig()
	compaction.Threshold = cfg.Agent.CompactionThreshold
	compaction.Keep = cfg.Agent.CompactionKeep
	if cfg.Models.CompactionModel != "" {
		compaction.Model = cfg.Models.CompactionModel
	}
	compactor := agent.NewCompactor(convStore, backend, compaction, logger)
	compactor.SetUsageRecorder(usageStore)

	promptPath := cfg.Agent.SystemPromptFile
	if promptPath == "" {
		promptPath = prompts.DefaultSystemPromptPath(cfg.ProjectRoot)
	}
	loop := agent.NewLoop(convStore, backend, registry, compactor, agent.Config{
		Tiers:            modelTiers(cfg.Models.Tiers),
		SystemPromptPath: promptPath,
		ProjectRoot:      cfg.ProjectRoot,
		ParallelTools:    cfg.Agent.ParallelTools,
	}, logger)
	loop.SetUsageRecorder(usageStore)
	runner := agent.NewSerialized(loop)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, runner, convStore, logger)
	server.SetNotifier(queue)
	server.SetUsage(usageStore)

	executor := &taskRunner{
		queue:    taskStore,
		convs:    convStore,
		runner:   runner,
		interval: cfg.Tasks.PollInterval,
		logger:   logger.With("component", "tasks"),
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := queue.Run(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		if n := queue.Len(); n > 0 {
			logger.Warn("undelivered notifications dropped at shutdown", "count", n)
		}
		return nil
	})
	g.Go(func() error {
		executor.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Zipper stopped")
	return nil
}

// openDatabase opens (creating if needed) the SQLite database shared by
// the conversation, task and usage stores.
func openDatabase(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, "zipper.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// registerTools installs the built-in capabilities. bash, search and
// cost_summary are optional; the rest are always present.
func registerTools(reg *tools.Registry, cfg *config.Config, cfgPath string, queue *notify.Queue,
	lookup func(string) string, taskStore *tasks.Store, usageStore *usage.Store, logger *slog.Logger) {

	reg.Register(tools.NewFileTools(cfg.ProjectRoot).Tool())

	if cfg.ShellExec.Enabled {
		workDir := cfg.ShellExec.WorkingDir
		if workDir == "" {
			workDir = cfg.ProjectRoot
		}
		reg.Register(tools.NewShellExec(tools.ShellExecConfig{
			WorkingDir:     workDir,
			DeniedCmds:     cfg.ShellExec.DeniedPatterns,
			DefaultTimeout: time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
		}).Tool())
	}

	if cfg.Search.BraveAPIKey != "" {
		reg.Register(tools.SearchTool(search.NewBrave(cfg.Search.BraveAPIKey)))
	}

	reg.Register(tools.NotifyTool(queue, lookup))
	reg.Register(tools.NewTaskTools(taskStore).Tool())
	if usageStore != nil {
		reg.Register(tools.CostSummaryTool(usageStore))
	}

	configAbs := cfgPath
	if abs, err := filepath.Abs(cfgPath); err == nil {
		configAbs = abs
	}
	reg.Register(tools.RestartTool(&watchdog.Launcher{
		ConfigPath:     configAbs,
		ProjectRoot:    cfg.ProjectRoot,
		LogPath:        watchdogLogPath(cfg),
		RestartCommand: cfg.Restart.Command,
		Wrapper:        cfg.Restart.WatchWrapper,
		Logger:         logger,
	}))
}

// newSink builds the notification sink: Discord when a bot is
// configured, else the webhook, else the log. connect opens the Discord
// gateway for channel caching; short-lived processes skip it.
func newSink(cfg *config.Config, logger *slog.Logger, connect bool) (notify.Sink, func(), error) {
	switch {
	case cfg.Notify.Discord.Configured():
		d, err := notify.NewDiscordSink(cfg.Notify.Discord.Token, cfg.Notify.Discord.ChannelID, logger)
		if err != nil {
			return nil, nil, err
		}
		if !connect {
			return d, func() {}, nil
		}
		if err := d.Open(); err != nil {
			// REST delivery still works without the gateway.
			logger.Warn("discord gateway connect failed", "error", err)
			return d, func() {}, nil
		}
		return d, func() { d.Close() }, nil
	case cfg.Notify.WebhookURL != "":
		return notify.NewWebhookSink(cfg.Notify.WebhookURL), func() {}, nil
	default:
		logger.Warn("no notification channel configured; notifications are logged only")
		return notify.LogSink{Logger: logger}, func() {}, nil
	}
}

// threadLookup maps a conversation id to its stored thread reference.
func threadLookup(store conversation.Store) func(string) string {
	return func(id string) string {
		conv, err := store.Get(id)
		if err != nil {
			return ""
		}
		return conv.ThreadRef
	}
}

func modelTiers(cfgTiers []config.TierConfig) []llm.Tier {
	tiers := make([]llm.Tier, len(cfgTiers))
	for i, t := range cfgTiers {
		tiers[i] = llm.Tier{Name: t.Name, Model: t.Model, Keywords: t.Keywords}
	}
	return tiers
}

func watchdogLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "watchdog.log")
}
