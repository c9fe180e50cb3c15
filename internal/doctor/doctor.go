// Package doctor runs environment diagnostics for the CLI: config, data
// directory permissions, database health, exchange and checkpoint storage,
// and gateway reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tidemill/loom/internal/config"
	"github.com/tidemill/loom/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not count as failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkDatabase,
		checkExchangeDir,
		checkCheckpointDir,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint %s", cfg.Fingerprint()),
	}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data dir", Status: "SKIP", Message: "Config missing"}
	}
	return checkWritableDir("Data dir", cfg.DataDir)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	dbPath := cfg.DatabasePath()
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{Name: "Database", Status: "WARN", Message: "No database yet (created on first run)", Detail: dbPath}
	}
	s, err := store.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Cannot open database", Detail: err.Error()}
	}
	defer s.Close()
	if _, err := s.ListClaims(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Schema query failed", Detail: err.Error()}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Schema healthy", Detail: dbPath}
}

func checkExchangeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Exchange", Status: "SKIP", Message: "Config missing"}
	}
	return checkWritableDir("Exchange", cfg.ExchangeDir)
}

func checkCheckpointDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Checkpoints", Status: "SKIP", Message: "Config missing"}
	}
	return checkWritableDir("Checkpoints", cfg.CheckpointDir())
}

// checkGateway probes the configured bind address. A live gateway is a PASS,
// a free port is a PASS too; only a malformed address fails.
func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	addr := cfg.BindAddr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: "Invalid bind_addr", Detail: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: "Cannot build probe request", Detail: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "PASS", Message: "Port free (no gateway running)", Detail: addr}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Gateway", Status: "WARN",
			Message: fmt.Sprintf("Gateway responded %d", resp.StatusCode), Detail: addr}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: "Gateway reachable", Detail: addr}
}

func checkWritableDir(name, dir string) CheckResult {
	if dir == "" {
		return CheckResult{Name: name, Status: "FAIL", Message: "No directory configured"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: name, Status: "FAIL", Message: "Cannot create directory", Detail: err.Error()}
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: name, Status: "FAIL", Message: "Directory not writable", Detail: err.Error()}
	}
	os.Remove(probe)
	return CheckResult{Name: name, Status: "PASS", Message: "Writable", Detail: dir}
}
