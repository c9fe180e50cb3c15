package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/checkpoint"
	"github.com/tidemill/loom/internal/config"
	"github.com/tidemill/loom/internal/exchange"
	"github.com/tidemill/loom/internal/gateway"
	"github.com/tidemill/loom/internal/graph"
	"github.com/tidemill/loom/internal/maintenance"
	otelPkg "github.com/tidemill/loom/internal/otel"
	"github.com/tidemill/loom/internal/scheduler"
	"github.com/tidemill/loom/internal/shared"
	"github.com/tidemill/loom/internal/store"
	"github.com/tidemill/loom/internal/telemetry"
	"github.com/tidemill/loom/internal/worker"
)

// runCommand implements `loom run -graph <file.yaml>`.
func runCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	graphPath := fs.String("graph", "", "path to the task graph submission (YAML)")
	maxConcurrent := fs.Int("max-concurrent", 0, "override the concurrency ceiling")
	_ = fs.Parse(args)

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "run: -graph is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *maxConcurrent > 0 {
		cfg.MaxConcurrent = *maxConcurrent
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	descriptors, err := graph.LoadSubmissionFile(*graphPath)
	if err != nil {
		logger.Error("submission rejected", "path", *graphPath, "error", err)
		fmt.Fprintf(os.Stderr, "invalid submission: %v\n", err)
		return 2
	}

	g := graph.New(shared.NewRunID())
	tasks := make([]*graph.Task, 0, len(descriptors))
	for _, d := range descriptors {
		t := d.Task()
		if t.MaxAttempts == 0 {
			t.MaxAttempts = cfg.MaxAttempts
		}
		tasks = append(tasks, t)
	}
	if err := g.Add(tasks...); err != nil {
		logger.Error("submission rejected", "path", *graphPath, "error", err)
		fmt.Fprintf(os.Stderr, "invalid submission: %v\n", err)
		return 2
	}
	logger.Info("submission accepted", "run_id", g.RunID(), "tasks", len(tasks))

	return executeRun(ctx, cfg, logger, g)
}

// validateCommand implements `loom validate -graph <file.yaml>`: the full
// schema and cycle checks without creating a run.
func validateCommand(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	graphPath := fs.String("graph", "", "path to the task graph submission (YAML)")
	_ = fs.Parse(args)

	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "validate: -graph is required")
		return 2
	}
	descriptors, err := graph.LoadSubmissionFile(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	g := graph.New("validate")
	tasks := make([]*graph.Task, 0, len(descriptors))
	for _, d := range descriptors {
		tasks = append(tasks, d.Task())
	}
	if err := g.Add(tasks...); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		return 1
	}
	fmt.Printf("ok: %d tasks\n", len(tasks))
	return 0
}

// executeRun wires the full stack around an already-built graph and drives
// it to quiescence. Shared by run and resume.
func executeRun(ctx context.Context, cfg config.Config, logger *slog.Logger, g *graph.Graph) int {
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalStartup(logger, "E_DATA_DIR_CREATE", err)
	}
	st, err := store.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	exch, err := exchange.New(cfg.ExchangeDir, int64(cfg.InlinePayloadLimitKB)*1024)
	if err != nil {
		fatalStartup(logger, "E_EXCHANGE_INIT", err)
	}
	if err := exch.ClearStaleLocks(g.RunID()); err != nil {
		logger.Warn("failed to clear stale exchange locks", "error", err)
	}

	registry := worker.NewRegistry()
	if err := registerBuiltins(registry, exch); err != nil {
		fatalStartup(logger, "E_WORKER_REGISTER", err)
	}
	for _, t := range g.Snapshot() {
		if _, ok := registry.Lookup(t.Owner); !ok {
			logger.Error("submission references unknown owner",
				"task_id", t.ID, "owner", t.Owner, "known", registry.Owners())
			fmt.Fprintf(os.Stderr, "invalid submission: task %s has unknown owner %q\n", t.ID, t.Owner)
			return 2
		}
	}
	pool := worker.NewPool(registry)

	coord := scheduler.New(g, pool, scheduler.Options{
		Store:          st,
		Bus:            eventBus,
		Exchange:       exch,
		Admission:      scheduler.NewAdmission(cfg.MaxConcurrent),
		Metrics:        metrics,
		DefaultTimeout: cfg.TaskTimeout(),
		Logger:         logger,
	})

	// config.yaml hot-reload: only the concurrency ceiling applies to a run
	// already in flight; everything else takes effect on the next run.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range confWatcher.Events() {
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					continue
				}
				if newCfg.MaxConcurrent != coord.Admission().Ceiling() {
					coord.Admission().SetCeiling(newCfg.MaxConcurrent)
					logger.Info("concurrency ceiling updated",
						"ceiling", coord.Admission().Ceiling())
				}
			}
		}()
	}

	checkpoints := checkpoint.NewManager(cfg.CheckpointDir(), st, eventBus)
	sweeper, err := maintenance.NewSweeper(maintenance.Config{
		Graph:              g,
		Checkpoints:        checkpoints,
		Store:              st,
		Logger:             logger,
		Metrics:            metrics,
		CheckpointInterval: time.Duration(cfg.Checkpoint.IntervalSeconds) * time.Second,
		Schedule:           cfg.MaintenanceSchedule,
		EventRetention:     time.Duration(cfg.RetentionTaskEventsDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}
	gw := gateway.New(gateway.Config{
		Store:             st,
		Bus:               eventBus,
		Graph:             g,
		RunID:             g.RunID(),
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	go func() {
		if err := gw.Serve(ctx, cfg.BindAddr); err != nil {
			logger.Error("gateway server error", "error", err)
		}
	}()

	res, err := coord.Run(ctx)
	if err != nil {
		logger.Warn("run interrupted", "run_id", res.RunID, "error", err)
	}

	fmt.Printf("run %s: %d completed, %d failed, %d cancelled (%s)\n",
		res.RunID, len(res.Completed), len(res.Failed), len(res.Cancelled),
		res.Elapsed.Round(time.Millisecond))
	for _, id := range res.Failed {
		if t, ok := g.Get(id); ok && t.Err != nil {
			fmt.Printf("  failed %s: %s\n", id, t.Err.Message)
		}
	}

	if err != nil || !res.Succeeded() {
		return 1
	}
	return 0
}

// resumeCommand implements `loom resume -checkpoint <snapshot>`.
func resumeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	snapPath := fs.String("checkpoint", "", "path to a checkpoint snapshot")
	_ = fs.Parse(args)

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "resume: -checkpoint is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	snap, err := checkpoint.Load(*snapPath)
	if err != nil {
		logger.Error("checkpoint rejected", "path", *snapPath, "error", err)
		fmt.Fprintf(os.Stderr, "cannot resume: %v\n", err)
		return 2
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalStartup(logger, "E_DATA_DIR_CREATE", err)
	}
	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	mgr := checkpoint.NewManager(cfg.CheckpointDir(), st, nil)
	g, err := mgr.Resume(ctx, snap)
	st.Close()
	if err != nil {
		logger.Error("resume failed", "path", *snapPath, "error", err)
		fmt.Fprintf(os.Stderr, "cannot resume: %v\n", err)
		return 1
	}
	logger.Info("resuming run", "run_id", g.RunID(), "saved_at", snap.SavedAt,
		"tasks", len(snap.Tasks))

	return executeRun(ctx, cfg, logger, g)
}
