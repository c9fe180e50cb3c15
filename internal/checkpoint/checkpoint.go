// Package checkpoint persists run snapshots so an interrupted run can resume
// without repeating completed work. A snapshot is a single versioned JSON
// document holding every task record plus the dedup claim table; it is
// written atomically, so a crash mid-flush leaves the previous snapshot
// intact.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/graph"
	"github.com/tidemill/loom/internal/store"
)

// Version is the current snapshot format version. Load accepts any version
// up to and including this one.
const Version = 1

// Snapshot is the serialized run state.
type Snapshot struct {
	Version int           `json:"version"`
	RunID   string        `json:"run_id"`
	SavedAt time.Time     `json:"saved_at"`
	Tasks   []*graph.Task `json:"tasks"`
	Claims  []store.Claim `json:"dedup_claims,omitempty"`
}

// Manager writes and loads snapshots for a run.
type Manager struct {
	dir   string
	store *store.Store
	bus   *bus.Bus // may be nil
}

// NewManager creates a Manager flushing into dir.
func NewManager(dir string, s *store.Store, b *bus.Bus) *Manager {
	return &Manager{dir: dir, store: s, bus: b}
}

// Path returns the snapshot file for a run.
func (m *Manager) Path(runID string) string {
	return filepath.Join(m.dir, runID+".checkpoint.json")
}

// Flush snapshots the graph and claim table to disk. The write is
// tmp-then-rename so readers never observe a partial snapshot.
func (m *Manager) Flush(ctx context.Context, g *graph.Graph) (string, error) {
	snap := Snapshot{
		Version: Version,
		RunID:   g.RunID(),
		SavedAt: time.Now().UTC(),
		Tasks:   g.Snapshot(),
	}
	if m.store != nil {
		claims, err := m.store.ListClaims(ctx)
		if err != nil {
			return "", fmt.Errorf("checkpoint: list claims: %w", err)
		}
		snap.Claims = claims
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", err
	}
	final := m.Path(snap.RunID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicRunCheckpoint, bus.CheckpointEvent{
			RunID: snap.RunID,
			Path:  final,
			Tasks: len(snap.Tasks),
		})
	}
	return final, nil
}

// Load reads and validates a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", path, err)
	}
	if snap.Version < 1 || snap.Version > Version {
		return nil, fmt.Errorf("checkpoint: unsupported snapshot version %d (max %d)", snap.Version, Version)
	}
	if snap.RunID == "" {
		return nil, fmt.Errorf("checkpoint: snapshot %s has no run id", path)
	}
	return &snap, nil
}

// Resume rebuilds the in-memory graph from a snapshot and rehydrates the
// claim table. Tasks checkpointed as in-progress come back ready with their
// attempt counters preserved, so the retry budget survives a restart.
func (m *Manager) Resume(ctx context.Context, snap *Snapshot) (*graph.Graph, error) {
	g, err := graph.Restore(snap.RunID, snap.Tasks)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: restore graph: %w", err)
	}
	if m.store != nil {
		if err := m.store.CreateRun(ctx, snap.RunID); err != nil {
			return nil, err
		}
		for _, c := range snap.Claims {
			if err := m.store.RestoreClaim(ctx, c); err != nil {
				return nil, fmt.Errorf("checkpoint: restore claim %s/%s: %w", c.Namespace, c.Key, err)
			}
		}
	}
	return g, nil
}
