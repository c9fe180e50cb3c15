package exchange

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	l, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	return l
}

func TestLayer_PutGetRoundTrip(t *testing.T) {
	l := newTestLayer(t)

	ref, err := l.Put("run-1", "fetch", strings.NewReader("payload bytes"), map[string]string{"items": "3"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref.TaskID != "fetch" || ref.SizeBytes != int64(len("payload bytes")) {
		t.Fatalf("ref = %+v", ref)
	}

	rc, err := l.Get(ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "payload bytes" {
		t.Fatalf("payload = %q", got)
	}
}

func TestLayer_RetryOverwritesSamePath(t *testing.T) {
	l := newTestLayer(t)

	first, err := l.Put("run-1", "a", strings.NewReader("attempt one"), nil)
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := l.Put("run-1", "a", strings.NewReader("attempt two"), nil)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if first.Path != second.Path {
		t.Fatalf("retry produced a second path: %q vs %q", first.Path, second.Path)
	}

	rc, err := l.Get(second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "attempt two" {
		t.Fatalf("payload = %q, want attempt two", got)
	}
}

// blockingReader blocks in Read until released, keeping a writer live.
type blockingReader struct {
	release chan struct{}
	once    sync.Once
	done    bool
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.release
	if r.done {
		return 0, io.EOF
	}
	r.done = true
	copy(p, "x")
	return 1, nil
}

func TestLayer_ConcurrentWriteConflict(t *testing.T) {
	l := newTestLayer(t)

	br := &blockingReader{release: make(chan struct{})}
	errCh := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_, err := l.Put("run-1", "shared", br, nil)
		errCh <- err
	}()
	<-started

	// Second writer on the same task id while the first holds the latch.
	var conflictErr error
	for i := 0; i < 100; i++ {
		_, conflictErr = l.Put("run-1", "shared", strings.NewReader("two"), nil)
		if conflictErr != nil {
			break
		}
	}
	if !errors.Is(conflictErr, ErrWriteConflict) {
		t.Fatalf("err = %v, want ErrWriteConflict", conflictErr)
	}

	close(br.release)
	if err := <-errCh; err != nil {
		t.Fatalf("first writer: %v", err)
	}
}

func TestLayer_StatsTooLargeRejected(t *testing.T) {
	l, err := New(t.TempDir(), 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	big := map[string]string{"summary": strings.Repeat("x", 200)}
	if _, err := l.Put("run-1", "a", strings.NewReader("p"), big); !errors.Is(err, ErrStatsTooLarge) {
		t.Fatalf("err = %v, want ErrStatsTooLarge", err)
	}
}

func TestLayer_PartsPerWriterIsolation(t *testing.T) {
	l := newTestLayer(t)

	var wg sync.WaitGroup
	writers := []string{"w1", "w2", "w3"}
	for _, w := range writers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := l.PutPart("run-1", "merge", id, strings.NewReader("slice from "+id)); err != nil {
				t.Errorf("put part %s: %v", id, err)
			}
		}(w)
	}
	wg.Wait()

	parts, err := l.ListParts("run-1", "merge")
	if err != nil {
		t.Fatalf("list parts: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("len = %d, want 3", len(parts))
	}
	for _, p := range parts {
		rc, err := l.Get(p)
		if err != nil {
			t.Fatalf("get part: %v", err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if !strings.HasPrefix(string(data), "slice from ") {
			t.Fatalf("part payload = %q", data)
		}
	}
}

func TestLayer_DuplicatePartWriterRejected(t *testing.T) {
	l := newTestLayer(t)

	br := &blockingReader{release: make(chan struct{})}
	errCh := make(chan error, 1)
	go func() {
		_, err := l.PutPart("run-1", "merge", "w1", br)
		errCh <- err
	}()

	var conflictErr error
	for i := 0; i < 100; i++ {
		_, conflictErr = l.PutPart("run-1", "merge", "w1", strings.NewReader("dup"))
		if conflictErr != nil {
			break
		}
	}
	if !errors.Is(conflictErr, ErrWriteConflict) {
		t.Fatalf("err = %v, want ErrWriteConflict", conflictErr)
	}
	close(br.release)
	<-errCh
}

func TestLayer_ClearStaleLocks(t *testing.T) {
	l := newTestLayer(t)

	// Simulate a crashed writer: latch exists, no live process.
	br := &blockingReader{release: make(chan struct{})}
	go func() { _, _ = l.Put("run-1", "a", br, nil) }()

	// Wait until the latch is visible, then pretend the process died.
	var conflict bool
	for i := 0; i < 100; i++ {
		if _, err := l.Put("run-1", "a", strings.NewReader("x"), nil); errors.Is(err, ErrWriteConflict) {
			conflict = true
			break
		}
	}
	if !conflict {
		t.Skip("could not observe live latch")
	}

	if err := l.ClearStaleLocks("run-1"); err != nil {
		t.Fatalf("clear stale locks: %v", err)
	}
	if _, err := l.Put("run-1", "a", strings.NewReader("recovered"), nil); err != nil {
		t.Fatalf("put after recovery: %v", err)
	}
	close(br.release)
}
