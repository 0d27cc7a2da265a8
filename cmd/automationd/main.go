package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/storekit/automation/internal/action"
	"github.com/storekit/automation/internal/automation"
	"github.com/storekit/automation/internal/config"
	"github.com/storekit/automation/internal/db"
	"github.com/storekit/automation/internal/events"
	"github.com/storekit/automation/internal/records"
	"github.com/storekit/automation/internal/scheduler"
	"github.com/storekit/automation/internal/workflow"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "run" {
		if err := run(); err != nil {
			slog.Error("automationd error", "err", err)
			os.Exit(1)
		}
		return
	}
	fmt.Println("automationd v0.1.0")
	fmt.Println("Usage: automationd run")
}

func run() error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	cron := scheduler.NewCron(cfg.Scheduler.Timezone)

	// Stores: Postgres when a database is configured, memory otherwise.
	var (
		ruleStore   automation.RuleStore
		recordStore automation.RecordStore
		domain      action.RecordStore
	)
	if cfg.Database.URL != "" {
		database, err := db.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		ruleStore = automation.NewPostgresRuleStore(database)
		recordStore = automation.NewPostgresRecordStore(database)
		domain = records.NewPostgresStore(database)
		slog.Info("automationd: using postgres stores")
	} else {
		ruleStore = automation.NewMemoryRuleStore()
		recordStore = automation.NewMemoryRecordStore()
		domain = records.NewMemoryStore()
		slog.Info("automationd: using in-memory stores")
	}

	dispatcher := action.NewDispatcher()
	action.RegisterBuiltins(dispatcher, action.BuiltinConfig{
		Publisher: bus,
		Records:   domain,
		Client: action.NewHTTPClient(action.HTTPClientConfig{
			Timeout:      time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
			MaxRedirects: cfg.HTTP.MaxRedirects,
		}),
		Retry: action.RetryPolicy{
			MaxRetries:    cfg.HTTP.Retries,
			InitialDelay:  time.Second,
			MaxDelay:      5 * time.Minute,
			BackoffFactor: 2.0,
		},
	})

	rules := automation.NewEngine(automation.Config{
		Rules:      ruleStore,
		Records:    recordStore,
		Dispatcher: dispatcher,
		Scheduler:  cron,
		Bus:        bus,
		Limits: automation.Limits{
			GlobalMax: cfg.Dispatch.GlobalMax,
			PerEvent:  cfg.Dispatch.PerEvent,
		},
	})
	if err := rules.Start(ctx); err != nil {
		return fmt.Errorf("engine error: %w", err)
	}
	rules.Attach()

	// Rules drive workflow state through custom actions.
	workflows := workflow.NewEngine(bus)
	dispatcher.Register("workflow_create_instance", workflow.CreateInstanceHandler(workflows))
	dispatcher.Register("workflow_transition", workflow.TransitionHandler(workflows))

	slog.Info("automationd started",
		"rules", len(rules.ListRules()), "timezone", cfg.Scheduler.Timezone)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("automationd: shutting down")
		cron.StopAll()
		rules.Close()
		return nil
	})
	return g.Wait()
}
