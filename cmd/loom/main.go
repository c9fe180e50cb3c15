package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  %s run -graph <file.yaml>       Execute a task graph to completion
  %s resume -checkpoint <file>    Resume an interrupted run from a snapshot
  %s status [-addr host:port]     Query a running gateway for run status
  %s validate -graph <file.yaml>  Validate a submission without running it
  %s doctor [-json]               Run environment diagnostics

Run '%s <subcommand> -h' for subcommand flags.

ENVIRONMENT VARIABLES:
  LOOM_HOME                Data directory (default: ~/.loom)
  LOOM_MAX_CONCURRENT      Override the concurrency ceiling
  LOOM_TASK_TIMEOUT_SECONDS  Override the default attempt deadline
  LOOM_BIND_ADDR           Override the gateway bind address

EXAMPLES:
  Run a graph:            %s run -graph pipeline.yaml
  Resume after a crash:   %s resume -checkpoint ~/.loom/data/checkpoints/run-1.checkpoint.json
  Check a live run:       %s status
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runCommand(ctx, args[1:]))
	case "resume":
		os.Exit(resumeCommand(ctx, args[1:]))
	case "status":
		os.Exit(statusCommand(ctx, args[1:]))
	case "validate":
		os.Exit(validateCommand(args[1:]))
	case "doctor":
		os.Exit(doctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"loom","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadAuthToken returns the gateway bearer token, generating and persisting
// one on first use.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("LOOM_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
