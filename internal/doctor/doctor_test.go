package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidemill/loom/internal/config"
	"github.com/tidemill/loom/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LOOM_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no check named %q in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	if !d.Healthy() {
		t.Fatalf("fresh home should be healthy: %+v", d.Results)
	}
	if got := resultByName(t, d, "Config").Status; got != "PASS" {
		t.Fatalf("config = %s, want PASS", got)
	}
	// No database exists yet.
	if got := resultByName(t, d, "Database").Status; got != "WARN" {
		t.Fatalf("database = %s, want WARN", got)
	}
	if got := resultByName(t, d, "Exchange").Status; got != "PASS" {
		t.Fatalf("exchange = %s, want PASS", got)
	}
}

func TestRun_ExistingDatabase(t *testing.T) {
	cfg := testConfig(t)
	s, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	d := Run(context.Background(), cfg, "test")
	if got := resultByName(t, d, "Database").Status; got != "PASS" {
		t.Fatalf("database = %s, want PASS", got)
	}
}

func TestRun_CorruptDatabaseFails(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.DatabasePath(), []byte("not a database"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := Run(context.Background(), cfg, "test")
	if got := resultByName(t, d, "Database").Status; got != "FAIL" {
		t.Fatalf("database = %s, want FAIL", got)
	}
	if d.Healthy() {
		t.Fatal("diagnosis with a failed check must not be healthy")
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if got := resultByName(t, d, "Config").Status; got != "FAIL" {
		t.Fatalf("config = %s, want FAIL", got)
	}
	if d.Healthy() {
		t.Fatal("nil config must not be healthy")
	}
	if got := resultByName(t, d, "Database").Status; got != "SKIP" {
		t.Fatalf("database = %s, want SKIP", got)
	}
}

func TestCheckWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deep")
	r := checkWritableDir("Probe", dir)
	if r.Status != "PASS" {
		t.Fatalf("status = %s, want PASS (%s)", r.Status, r.Detail)
	}
	if _, err := os.Stat(filepath.Join(dir, ".doctor-probe")); !os.IsNotExist(err) {
		t.Fatal("probe file should be removed")
	}

	if r := checkWritableDir("Probe", ""); r.Status != "FAIL" {
		t.Fatalf("empty dir status = %s, want FAIL", r.Status)
	}
}
