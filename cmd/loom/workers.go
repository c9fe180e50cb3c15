package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/tidemill/loom/internal/exchange"
	"github.com/tidemill/loom/internal/worker"
)

// registerBuiltins installs the owners the CLI ships with. Embedding
// programs register their own workers instead.
//
//	shell  runs the task subject with `sh -c`; completed dependency payloads
//	       are concatenated onto stdin, stdout becomes the task payload
//	noop   completes immediately with an empty payload
func registerBuiltins(reg *worker.Registry, exch *exchange.Layer) error {
	if err := reg.Register("shell", &shellWorker{exch: exch}); err != nil {
		return err
	}
	return reg.Register("noop", worker.Func(func(context.Context, worker.Assignment) worker.Outcome {
		return worker.Outcome{}
	}))
}

type shellWorker struct {
	exch *exchange.Layer
}

func (w *shellWorker) Run(ctx context.Context, a worker.Assignment) worker.Outcome {
	cmd := exec.CommandContext(ctx, "sh", "-c", a.Subject)
	cmd.Env = append(os.Environ(),
		"LOOM_RUN_ID="+a.RunID,
		"LOOM_TASK_ID="+a.TaskID,
		"LOOM_ATTEMPT="+strconv.Itoa(a.Attempt),
	)

	// Feed completed dependency payloads on stdin, in declaration order.
	// Optional dependencies that never produced a result contribute nothing.
	var readers []io.Reader
	var closers []io.Closer
	for _, ref := range a.Inputs {
		if ref.Path == "" {
			continue
		}
		rc, err := w.exch.Get(ref)
		if err != nil {
			return worker.Outcome{Err: fmt.Errorf("read input %s: %w", ref.TaskID, err)}
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	if len(readers) > 0 {
		cmd.Stdin = io.MultiReader(readers...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	stats := map[string]string{}
	if cmd.ProcessState != nil {
		stats["exit_code"] = strconv.Itoa(cmd.ProcessState.ExitCode())
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return worker.Outcome{Stats: stats, Err: fmt.Errorf("shell: %s", msg)}
	}
	return worker.Outcome{Payload: stdout.Bytes(), Stats: stats}
}
