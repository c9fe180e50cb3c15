// Package worker defines the execution side of the orchestrator: the Worker
// contract that owners implement, the Registry that routes assignments by
// owner, and the Pool that runs admitted assignments concurrently.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tidemill/loom/internal/graph"
)

// Assignment is everything a worker receives for one attempt of one task.
// Inputs carries one ref per declared dependency, in declaration order; an
// optional dependency that did not complete contributes a zero ref.
type Assignment struct {
	RunID   string
	TaskID  string
	Subject string
	Owner   string
	Attempt int
	Inputs  []graph.ResultRef

	// Expand registers child tasks while the parent is still running. The
	// children may depend on any existing task, including the parent.
	Expand func(ctx context.Context, tasks ...*graph.Task) error
}

// Input returns the ref produced by a named dependency, or a zero ref.
func (a Assignment) Input(taskID string) graph.ResultRef {
	for _, r := range a.Inputs {
		if r.TaskID == taskID {
			return r
		}
	}
	return graph.ResultRef{}
}

// Outcome is the result of one attempt. A nil Err with a payload completes
// the task; the coordinator moves the payload into the exchange layer and
// hands dependents only the resulting ref.
type Outcome struct {
	Payload []byte
	Stats   map[string]string
	Err     error
}

// Worker executes assignments. Run must honor ctx cancellation: the
// coordinator cancels the attempt context on deadline expiry and on run
// shutdown, and a worker that ignores it delays retries for its task only.
type Worker interface {
	Run(ctx context.Context, a Assignment) Outcome
}

// Func adapts a function to the Worker interface.
type Func func(ctx context.Context, a Assignment) Outcome

func (f Func) Run(ctx context.Context, a Assignment) Outcome { return f(ctx, a) }

// Registry routes assignments to workers by task owner.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker for an owner. Owners are registered once.
func (r *Registry) Register(owner string, w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner == "" {
		return fmt.Errorf("worker: owner is required")
	}
	if _, ok := r.workers[owner]; ok {
		return fmt.Errorf("worker: owner %q already registered", owner)
	}
	r.workers[owner] = w
	return nil
}

// Lookup returns the worker for an owner.
func (r *Registry) Lookup(owner string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[owner]
	return w, ok
}

// Owners returns the registered owner names.
func (r *Registry) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workers))
	for o := range r.workers {
		out = append(out, o)
	}
	return out
}

// Pool runs assignments on goroutines. Concurrency is bounded upstream by
// the admission controller, so the pool itself is unlimited; it exists to
// give shutdown a single join point.
type Pool struct {
	reg   *Registry
	group errgroup.Group
}

// NewPool creates a pool over a registry.
func NewPool(reg *Registry) *Pool {
	return &Pool{reg: reg}
}

// Submit starts one attempt and delivers its outcome through report. The
// report callback runs on the attempt's goroutine, exactly once, including
// when the worker panics or no worker is registered for the owner.
func (p *Pool) Submit(ctx context.Context, a Assignment, report func(Outcome)) {
	p.group.Go(func() error {
		w, ok := p.reg.Lookup(a.Owner)
		if !ok {
			report(Outcome{Err: fmt.Errorf("no worker registered for owner %q", a.Owner)})
			return nil
		}
		out := runGuarded(ctx, w, a)
		report(out)
		return nil
	})
}

// Wait blocks until every submitted attempt has reported.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

func runGuarded(ctx context.Context, w Worker, a Assignment) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("worker panic on task %s: %v", a.TaskID, r)}
		}
	}()
	return w.Run(ctx, a)
}
