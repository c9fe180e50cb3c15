// Package maintenance runs the background housekeeping for a live run:
// periodic checkpoint flushes on a fixed cadence, and a cron-scheduled sweep
// that prunes the task event ledger to its retention window.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/tidemill/loom/internal/checkpoint"
	"github.com/tidemill/loom/internal/graph"
	obs "github.com/tidemill/loom/internal/otel"
	"github.com/tidemill/loom/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Graph       *graph.Graph
	Checkpoints *checkpoint.Manager
	Store       *store.Store
	Logger      *slog.Logger
	Metrics     *obs.Metrics

	// CheckpointInterval between snapshot flushes. 0 disables periodic
	// flushing.
	CheckpointInterval time.Duration
	// Schedule is the cron expression for the retention sweep.
	Schedule string
	// EventRetention bounds the task_events ledger age. 0 keeps forever.
	EventRetention time.Duration
}

// Sweeper runs the maintenance loop for one run.
type Sweeper struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Schedule != "" {
		if _, err := cronParser.Parse(cfg.Schedule); err != nil {
			return nil, err
		}
	}
	return &Sweeper{cfg: cfg}, nil
}

// Start begins the maintenance loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.cfg.Logger.Info("maintenance sweeper started",
		"checkpoint_interval", s.cfg.CheckpointInterval, "schedule", s.cfg.Schedule)
}

// Stop cancels the loop, waits for it to exit, and takes a final checkpoint.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.flush(context.Background())
	s.cfg.Logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	var flushC <-chan time.Time
	if s.cfg.CheckpointInterval > 0 {
		ticker := time.NewTicker(s.cfg.CheckpointInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	sweepTimer, sweepC := s.nextSweep(time.Now())
	if sweepTimer != nil {
		defer sweepTimer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushC:
			s.flush(ctx)
		case <-sweepC:
			s.sweep(ctx)
			sweepTimer, sweepC = s.nextSweep(time.Now())
		}
	}
}

func (s *Sweeper) nextSweep(now time.Time) (*time.Timer, <-chan time.Time) {
	if s.cfg.Schedule == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(s.cfg.Schedule)
	if err != nil {
		return nil, nil
	}
	t := time.NewTimer(time.Until(sched.Next(now)))
	return t, t.C
}

// flush takes one checkpoint of the run.
func (s *Sweeper) flush(ctx context.Context) {
	if s.cfg.Checkpoints == nil || s.cfg.Graph == nil {
		return
	}
	start := time.Now()
	path, err := s.cfg.Checkpoints.Flush(ctx, s.cfg.Graph)
	if err != nil {
		s.cfg.Logger.Error("checkpoint flush failed", "run_id", s.cfg.Graph.RunID(), "error", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CheckpointDuration.Record(ctx, time.Since(start).Seconds())
	}
	s.cfg.Logger.Debug("checkpoint flushed", "run_id", s.cfg.Graph.RunID(), "path", path,
		"elapsed", time.Since(start))
}

// sweep applies the retention policy to the event ledger.
func (s *Sweeper) sweep(ctx context.Context) {
	if s.cfg.Store == nil || s.cfg.EventRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.EventRetention)
	removed, err := s.cfg.Store.PruneTaskEvents(ctx, cutoff)
	if err != nil {
		s.cfg.Logger.Error("event retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.cfg.Logger.Info("pruned task events", "removed", removed, "cutoff", cutoff)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
