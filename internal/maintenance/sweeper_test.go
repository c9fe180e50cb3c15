package maintenance_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidemill/loom/internal/checkpoint"
	"github.com/tidemill/loom/internal/graph"
	"github.com/tidemill/loom/internal/maintenance"
	"github.com/tidemill/loom/internal/store"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("run-" + t.Name())
	err := g.Add(&graph.Task{ID: "a", Subject: "a", Owner: "w"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return g
}

func TestSweeper_PeriodicCheckpointFlush(t *testing.T) {
	s := openTestStore(t)
	g := testGraph(t)
	dir := t.TempDir()
	mgr := checkpoint.NewManager(dir, s, nil)

	sw, err := maintenance.NewSweeper(maintenance.Config{
		Graph:              g,
		Checkpoints:        mgr,
		Store:              s,
		Logger:             slog.Default(),
		CheckpointInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sw.Start(context.Background())
	defer sw.Stop()

	path := mgr.Path(g.RunID())
	waitFor(t, 3*time.Second, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})

	snap, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if snap.RunID != g.RunID() {
		t.Fatalf("run id = %q, want %q", snap.RunID, g.RunID())
	}
	if len(snap.Tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(snap.Tasks))
	}
}

func TestSweeper_StopTakesFinalCheckpoint(t *testing.T) {
	s := openTestStore(t)
	g := testGraph(t)
	dir := t.TempDir()
	mgr := checkpoint.NewManager(dir, s, nil)

	// No periodic interval: the only flush happens on Stop.
	sw, err := maintenance.NewSweeper(maintenance.Config{
		Graph:       g,
		Checkpoints: mgr,
		Store:       s,
		Logger:      slog.Default(),
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sw.Start(context.Background())
	sw.Stop()

	if _, err := os.Stat(mgr.Path(g.RunID())); err != nil {
		t.Fatalf("expected final checkpoint after Stop: %v", err)
	}
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := maintenance.NewSweeper(maintenance.Config{
		Logger:   slog.Default(),
		Schedule: "not a cron expression",
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC)

	next, err := maintenance.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := maintenance.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
