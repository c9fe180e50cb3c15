// Package exchange stores task payloads out-of-band on the filesystem.
// The message path between workers and the coordinator only ever carries
// small ResultRef pointers; payload bytes live here, one private directory
// per task. Sibling writers feeding a shared aggregate each get a private
// part path and an explicit downstream merge task combines them; the layer
// never arbitrates concurrent writes to one path.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/tidemill/loom/internal/graph"
)

// ErrWriteConflict reports a second concurrent writer on one task's payload
// path. This is a programming error in the caller, surfaced loudly instead
// of silently overwriting.
var ErrWriteConflict = errors.New("exchange: concurrent write to task payload")

// ErrStatsTooLarge reports a stats summary exceeding the inline payload
// budget. Summaries ride the message bus; they must stay small.
var ErrStatsTooLarge = errors.New("exchange: stats summary exceeds inline limit")

const payloadName = "payload"

// Layer manages the on-disk payload store for one run directory tree.
type Layer struct {
	root        string
	inlineLimit int64 // max bytes for bus-carried summaries
}

// New creates a Layer rooted at dir. inlineLimit bounds the serialized size
// of stats summaries; zero applies a 64 KiB default.
func New(dir string, inlineLimit int64) (*Layer, error) {
	if dir == "" {
		return nil, fmt.Errorf("exchange: root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create exchange root: %w", err)
	}
	if inlineLimit <= 0 {
		inlineLimit = 64 * 1024
	}
	return &Layer{root: dir, inlineLimit: inlineLimit}, nil
}

// InlineLimit returns the maximum serialized size allowed on the bus.
func (l *Layer) InlineLimit() int64 { return l.inlineLimit }

func (l *Layer) taskDir(runID, taskID string) string {
	return filepath.Join(l.root, runID, taskID)
}

// Put writes a task's payload and returns its record. A retry of the same
// task overwrites the same private path (idempotent); two live writers on
// one task id fail with ErrWriteConflict.
func (l *Layer) Put(runID, taskID string, r io.Reader, stats map[string]string) (graph.ResultRef, error) {
	if stats != nil {
		raw, err := json.Marshal(stats)
		if err != nil {
			return graph.ResultRef{}, fmt.Errorf("marshal stats: %w", err)
		}
		if int64(len(raw)) > l.inlineLimit {
			return graph.ResultRef{}, fmt.Errorf("%w: %d bytes", ErrStatsTooLarge, len(raw))
		}
	}

	dir := l.taskDir(runID, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return graph.ResultRef{}, fmt.Errorf("create task dir: %w", err)
	}

	unlock, err := l.lock(dir)
	if err != nil {
		return graph.ResultRef{}, err
	}
	defer unlock()

	path := filepath.Join(dir, payloadName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return graph.ResultRef{}, fmt.Errorf("create payload: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return graph.ResultRef{}, fmt.Errorf("write payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return graph.ResultRef{}, fmt.Errorf("commit payload: %w", err)
	}

	return graph.ResultRef{
		TaskID:    taskID,
		Path:      path,
		SizeBytes: size,
		Stats:     stats,
	}, nil
}

// lock takes the single-writer latch for a task directory. A held latch
// means another writer is live on the same task id right now.
func (l *Layer) lock(dir string) (func(), error) {
	lockPath := filepath.Join(dir, ".writer")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWriteConflict, dir)
		}
		return nil, fmt.Errorf("acquire writer latch: %w", err)
	}
	_ = f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}

// ClearStaleLocks removes writer latches left behind by an interrupted
// process. Called once on resume, before any task is dispatched.
func (l *Layer) ClearStaleLocks(runID string) error {
	pattern := filepath.Join(l.root, runID, "*", ".writer")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("scan stale locks: %w", err)
	}
	partMatches, err := filepath.Glob(filepath.Join(l.root, runID, "*", "parts", ".writer-*"))
	if err != nil {
		return fmt.Errorf("scan stale part locks: %w", err)
	}
	for _, m := range append(matches, partMatches...) {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock %s: %w", m, err)
		}
	}
	return nil
}

// Get opens a stored payload.
func (l *Layer) Get(ref graph.ResultRef) (io.ReadCloser, error) {
	if ref.Zero() {
		return nil, fmt.Errorf("exchange: zero result ref")
	}
	f, err := os.Open(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("open payload %s: %w", ref.Path, err)
	}
	return f, nil
}

// PutPart writes one writer's slice of a shared aggregate under the owning
// task's parts directory. Each writer id maps to its own private file; the
// combination happens in an explicit downstream merge task.
func (l *Layer) PutPart(runID, taskID, writerID string, r io.Reader) (graph.ResultRef, error) {
	if writerID == "" {
		return graph.ResultRef{}, fmt.Errorf("exchange: writer id is required")
	}
	dir := filepath.Join(l.taskDir(runID, taskID), "parts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return graph.ResultRef{}, fmt.Errorf("create parts dir: %w", err)
	}

	lockPath := filepath.Join(dir, ".writer-"+writerID)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return graph.ResultRef{}, fmt.Errorf("%w: part %s/%s", ErrWriteConflict, taskID, writerID)
		}
		return graph.ResultRef{}, fmt.Errorf("acquire part latch: %w", err)
	}
	_ = lf.Close()
	defer func() { _ = os.Remove(lockPath) }()

	path := filepath.Join(dir, writerID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return graph.ResultRef{}, fmt.Errorf("create part: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return graph.ResultRef{}, fmt.Errorf("write part: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return graph.ResultRef{}, fmt.Errorf("commit part: %w", err)
	}

	return graph.ResultRef{TaskID: taskID, Path: path, SizeBytes: size}, nil
}

// ListParts returns the part records of a task in writer-id order, for the
// downstream merge task.
func (l *Layer) ListParts(runID, taskID string) ([]graph.ResultRef, error) {
	dir := filepath.Join(l.taskDir(runID, taskID), "parts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read parts dir: %w", err)
	}

	var out []graph.ResultRef
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name[0] == '.' || filepath.Ext(name) == ".tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat part %s: %w", name, err)
		}
		out = append(out, graph.ResultRef{
			TaskID:    taskID,
			Path:      filepath.Join(dir, name),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
