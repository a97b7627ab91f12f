package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/nugget/zipper/internal/api"
	"github.com/nugget/zipper/internal/config"
	"github.com/nugget/zipper/internal/conversation"
	"github.com/nugget/zipper/internal/watchdog"
)

// runWatch handles "zipper watch <conversation_id> <project_root>". It
// is spawned detached by the restart capability, with output appended to
// the watchdog log, and always runs to a terminal outcome.
func runWatch(ctx context.Context, stdout io.Writer, configPath, conversationID, projectRoot string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	if abs, err := filepath.Abs(projectRoot); err == nil {
		projectRoot = abs
	}

	var lookup watchdog.ThreadLookup
	if db, err := openDatabase(cfg.DataDir); err != nil {
		logger.Warn("conversation store unavailable, notifications go to the default channel", "error", err)
	} else {
		defer db.Close()
		store, err := conversation.NewSQLiteStore(db)
		if err != nil {
			logger.Warn("conversation store unavailable", "error", err)
		} else {
			lookup = threadLookup(store)
		}
	}

	sink, closeSink, err := newSink(cfg, logger, false)
	if err != nil {
		return err
	}
	defer closeSink()

	wd := watchdog.New(watchdog.Deps{
		Service:   watchdog.APIService{Client: api.NewClient(cfg.Restart.ServiceURL)},
		Rollback:  watchdog.GitStash{Dir: projectRoot},
		Restarter: watchdog.CommandRestarter{Command: cfg.Restart.Command},
		Sink:      sink,
		Lookup:    lookup,
	}, watchTimings(cfg.Restart), logger)

	report := wd.Watch(ctx, conversationID)
	logger.Info("watch finished",
		"conversation", conversationID,
		"outcome", report.Outcome,
		"rollback_output", report.RollbackOutput,
	)
	if report.Outcome == watchdog.OutcomeEscalated {
		return fmt.Errorf("service did not recover; conversation %s needs manual intervention", conversationID)
	}
	return nil
}

func watchTimings(rc config.RestartConfig) watchdog.Timings {
	return watchdog.Timings{
		WaitDownAttempts: rc.WaitDownAttempts,
		WaitDownInterval: rc.WaitDownInterval,
		PollInterval:     rc.PollInterval,
		StartupTimeout:   rc.StartupTimeout,
		SettleDelay:      rc.SettleDelay,
		ResumeTimeout:    rc.ResumeTimeout,
	}
}
