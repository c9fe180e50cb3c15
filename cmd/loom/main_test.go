package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidemill/loom/internal/exchange"
	"github.com/tidemill/loom/internal/graph"
	"github.com/tidemill/loom/internal/worker"
)

func testExchange(t *testing.T) *exchange.Layer {
	t.Helper()
	exch, err := exchange.New(t.TempDir(), 64*1024)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	return exch
}

func TestRegisterBuiltins(t *testing.T) {
	reg := worker.NewRegistry()
	if err := registerBuiltins(reg, testExchange(t)); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, owner := range []string{"shell", "noop"} {
		if _, ok := reg.Lookup(owner); !ok {
			t.Fatalf("owner %q not registered", owner)
		}
	}
}

func TestShellWorker_RunsSubject(t *testing.T) {
	w := &shellWorker{exch: testExchange(t)}
	out := w.Run(context.Background(), worker.Assignment{
		RunID:   "run-1",
		TaskID:  "hello",
		Subject: "echo hello",
		Attempt: 1,
	})
	if out.Err != nil {
		t.Fatalf("run: %v", out.Err)
	}
	if got := strings.TrimSpace(string(out.Payload)); got != "hello" {
		t.Fatalf("payload = %q, want hello", got)
	}
	if out.Stats["exit_code"] != "0" {
		t.Fatalf("exit_code = %q, want 0", out.Stats["exit_code"])
	}
}

func TestShellWorker_FailureSurfacesStderr(t *testing.T) {
	w := &shellWorker{exch: testExchange(t)}
	out := w.Run(context.Background(), worker.Assignment{
		RunID:   "run-1",
		TaskID:  "boom",
		Subject: "echo nope >&2; exit 3",
	})
	if out.Err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(out.Err.Error(), "nope") {
		t.Fatalf("error = %v, want stderr content", out.Err)
	}
	if out.Stats["exit_code"] != "3" {
		t.Fatalf("exit_code = %q, want 3", out.Stats["exit_code"])
	}
}

func TestShellWorker_ReadsInputsFromExchange(t *testing.T) {
	exch := testExchange(t)
	ref, err := exch.Put("run-1", "upstream", strings.NewReader("from upstream\n"), nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	w := &shellWorker{exch: exch}
	out := w.Run(context.Background(), worker.Assignment{
		RunID:   "run-1",
		TaskID:  "downstream",
		Subject: "cat",
		Inputs:  []graph.ResultRef{ref},
	})
	if out.Err != nil {
		t.Fatalf("run: %v", out.Err)
	}
	if got := string(out.Payload); got != "from upstream\n" {
		t.Fatalf("payload = %q", got)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	doc := `tasks:
  - id: a
    subject: echo a
    owner: shell
  - id: b
    subject: cat
    owner: shell
    blocked_by: [a]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := validateCommand([]string{"-graph", path}); code != 0 {
		t.Fatalf("exit = %d, want 0", code)
	}

	bad := filepath.Join(dir, "cycle.yaml")
	cyc := `tasks:
  - id: a
    owner: shell
    blocked_by: [b]
  - id: b
    owner: shell
    blocked_by: [a]
`
	if err := os.WriteFile(bad, []byte(cyc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := validateCommand([]string{"-graph", bad}); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
}

func TestLoadAuthToken_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOM_AUTH_TOKEN", "")

	tok, err := loadAuthToken(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tok == "" {
		t.Fatal("expected generated token")
	}

	again, err := loadAuthToken(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again != tok {
		t.Fatalf("token changed across loads: %q vs %q", tok, again)
	}
}
