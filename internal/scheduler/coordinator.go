// Package scheduler drives a run: it admits ready tasks under the
// concurrency ceiling, dispatches them to the worker pool, applies the
// failure policy to every report, and decides when the run is finished.
// All graph mutation flows through the single coordinator loop; workers
// never touch the graph directly.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/exchange"
	"github.com/tidemill/loom/internal/graph"
	obs "github.com/tidemill/loom/internal/otel"
	"github.com/tidemill/loom/internal/store"
	"github.com/tidemill/loom/internal/worker"
)

const defaultAttemptTimeout = 5 * time.Minute

// Options configures a Coordinator. Store, Bus, Exchange, and Metrics are
// optional; a nil Admission gets a single-slot controller.
type Options struct {
	Store          *store.Store
	Bus            *bus.Bus
	Exchange       *exchange.Layer
	Admission      *Admission
	Metrics        *obs.Metrics
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// Coordinator owns one run of one graph.
type Coordinator struct {
	g    *graph.Graph
	pool *worker.Pool
	adm  *Admission

	st      *store.Store
	bus     *bus.Bus
	exch    *exchange.Layer
	metrics *obs.Metrics
	log     *slog.Logger

	defaultTimeout time.Duration

	reports chan report
	wake    chan struct{}
	done    chan struct{}

	// inflight tracks live attempts by task id; only the run loop touches it.
	// An entry disappears when the attempt reports or its deadline expires,
	// whichever comes first. stale counts expired attempts whose worker has
	// not reported yet.
	inflight map[string]attemptState
	stale    int
}

type report struct {
	taskID  string
	attempt int
	started time.Time
	out     worker.Outcome
}

type attemptState struct {
	attempt  int
	started  time.Time
	deadline time.Time
}

// New creates a coordinator for one graph and one worker pool.
func New(g *graph.Graph, pool *worker.Pool, opts Options) *Coordinator {
	if opts.Admission == nil {
		opts.Admission = NewAdmission(1)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultAttemptTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		g:              g,
		pool:           pool,
		adm:            opts.Admission,
		st:             opts.Store,
		bus:            opts.Bus,
		exch:           opts.Exchange,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		reports:        make(chan report),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		inflight:       make(map[string]attemptState),
	}
}

// Graph exposes the run's graph for checkpointing and status queries.
func (c *Coordinator) Graph() *graph.Graph { return c.g }

// Admission exposes the admission controller for live ceiling changes.
func (c *Coordinator) Admission() *Admission { return c.adm }

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string
	Counts    graph.Counts
	Completed []string
	Failed    []string
	Cancelled []string
	Elapsed   time.Duration
}

// Succeeded reports whether every task completed.
func (r *RunResult) Succeeded() bool {
	return len(r.Failed) == 0 && len(r.Cancelled) == 0
}

// Run executes the graph to quiescence. It returns the result together with
// ctx.Err() when the run was cancelled; the result then reflects the state
// at cancellation.
func (c *Coordinator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	runID := c.g.RunID()
	defer close(c.done)

	if c.st != nil {
		if err := c.st.CreateRun(ctx, runID); err != nil {
			return nil, err
		}
		if err := c.persistSnapshot(ctx, runID); err != nil {
			return nil, err
		}
	}
	c.log.Info("run started", "run_id", runID, "tasks", c.g.Counts().Total(), "ceiling", c.adm.Ceiling())

	c.fill(ctx)
	for !c.quiescent(ctx) {
		// Arm a timer for the earliest in-flight deadline so a worker that
		// never reports cannot stall the run past it.
		var expireC <-chan time.Time
		var deadlineTimer *time.Timer
		if d, ok := c.nextDeadline(); ok {
			deadlineTimer = time.NewTimer(time.Until(d))
			expireC = deadlineTimer.C
		}
		select {
		case <-ctx.Done():
			if deadlineTimer != nil {
				deadlineTimer.Stop()
			}
			return c.abort(ctx, runID, start)
		case r := <-c.reports:
			c.handleReport(ctx, r)
			c.fill(ctx)
		case <-expireC:
			c.expireOverdue(ctx)
			c.fill(ctx)
		case <-c.wake:
			c.fill(ctx)
		}
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
	}

	res := c.result(runID, start)
	status := "completed"
	if !res.Succeeded() {
		status = "failed"
	}
	if c.st != nil {
		if err := c.st.CompleteRun(ctx, runID, status); err != nil {
			c.log.Warn("complete run", "run_id", runID, "error", err)
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicRunCompleted, res)
	}
	c.log.Info("run finished", "run_id", runID, "status", status,
		"completed", len(res.Completed), "failed", len(res.Failed), "cancelled", len(res.Cancelled),
		"elapsed", res.Elapsed)
	return res, nil
}

// fill dispatches ready tasks until admission is at capacity or the ready
// queue drains. FIFO order is the graph's queue order.
func (c *Coordinator) fill(ctx context.Context) {
	for {
		if !c.adm.TryAdmit() {
			return
		}
		id, ok := c.g.NextReady()
		if !ok {
			c.adm.Release()
			return
		}
		if err := c.startAttempt(ctx, id); err != nil {
			c.adm.Release()
			c.log.Error("dispatch", "task_id", id, "error", err)
		}
	}
}

func (c *Coordinator) startAttempt(ctx context.Context, id string) error {
	_, err := c.g.Transition(id, graph.StatusInProgress, func(t *graph.Task) {
		t.Attempt++
	})
	if err != nil {
		return err
	}
	t, _ := c.g.Get(id)
	c.record(ctx, t, graph.StatusReady, "task.dispatched")
	if c.metrics != nil {
		c.metrics.TasksInFlight.Add(ctx, 1)
	}

	timeout := c.defaultTimeout
	if t.DeadlineSeconds > 0 {
		timeout = time.Duration(t.DeadlineSeconds) * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	a := worker.Assignment{
		RunID:   c.g.RunID(),
		TaskID:  t.ID,
		Subject: t.Subject,
		Owner:   t.Owner,
		Attempt: t.Attempt,
		Inputs:  c.inputs(t),
		Expand: func(ctx context.Context, children ...*graph.Task) error {
			return c.expand(ctx, t.ID, children...)
		},
	}
	started := time.Now()
	attempt := t.Attempt
	c.inflight[t.ID] = attemptState{attempt: attempt, started: started, deadline: started.Add(timeout)}
	c.log.Debug("task dispatched", "run_id", a.RunID, "task_id", t.ID, "attempt", attempt, "timeout", timeout)
	c.pool.Submit(attemptCtx, a, func(out worker.Outcome) {
		cancel()
		select {
		case c.reports <- report{taskID: t.ID, attempt: attempt, started: started, out: out}:
		case <-c.done:
			// The run is over; nobody is listening for this attempt anymore.
		}
	})
	return nil
}

// nextDeadline returns the earliest deadline among in-flight attempts.
func (c *Coordinator) nextDeadline() (time.Time, bool) {
	var min time.Time
	for _, st := range c.inflight {
		if min.IsZero() || st.deadline.Before(min) {
			min = st.deadline
		}
	}
	return min, !min.IsZero()
}

// expireOverdue fails every attempt whose deadline has passed without a
// report. The attempt's worker may still be running; its eventual report
// carries a stale attempt number and is dropped.
func (c *Coordinator) expireOverdue(ctx context.Context) {
	now := time.Now()
	for id, st := range c.inflight {
		if now.Before(st.deadline) {
			continue
		}
		delete(c.inflight, id)
		c.stale++
		c.adm.Release()
		if c.metrics != nil {
			c.metrics.TasksInFlight.Add(ctx, -1)
			c.metrics.TaskDuration.Record(ctx, now.Sub(st.started).Seconds())
		}
		t, ok := c.g.Get(id)
		if !ok {
			continue
		}
		c.log.Warn("attempt deadline expired without a report", "run_id", c.g.RunID(),
			"task_id", id, "attempt", st.attempt)
		c.failAttempt(ctx, t, fmt.Errorf("attempt %d exceeded its deadline: %w", st.attempt, context.DeadlineExceeded))
	}
}

// inputs gathers dependency refs in declaration order. Optional dependencies
// that never completed contribute zero refs, so workers see the full shape
// of their declared inputs.
func (c *Coordinator) inputs(t *graph.Task) []graph.ResultRef {
	if len(t.BlockedBy) == 0 {
		return nil
	}
	out := make([]graph.ResultRef, 0, len(t.BlockedBy))
	for _, dep := range t.BlockedBy {
		if pred, ok := c.g.Get(dep.ID); ok && pred.Status == graph.StatusCompleted && pred.Result != nil {
			out = append(out, *pred.Result)
			continue
		}
		out = append(out, graph.ResultRef{TaskID: dep.ID})
	}
	return out
}

func (c *Coordinator) handleReport(ctx context.Context, r report) {
	st, live := c.inflight[r.taskID]
	if !live || st.attempt != r.attempt {
		// The deadline expired this attempt and its slot was already
		// released; a late outcome, success included, no longer counts.
		c.stale--
		c.log.Debug("report from expired attempt dropped", "task_id", r.taskID, "attempt", r.attempt)
		return
	}
	delete(c.inflight, r.taskID)
	c.adm.Release()
	if c.metrics != nil {
		c.metrics.TasksInFlight.Add(ctx, -1)
		c.metrics.TaskDuration.Record(ctx, time.Since(r.started).Seconds())
	}

	t, ok := c.g.Get(r.taskID)
	if !ok {
		c.log.Error("report for unknown task", "task_id", r.taskID)
		return
	}

	if r.out.Err == nil {
		c.complete(ctx, t, r.out)
		return
	}
	c.failAttempt(ctx, t, r.out.Err)
}

func (c *Coordinator) complete(ctx context.Context, t *graph.Task, out worker.Outcome) {
	var ref graph.ResultRef
	if c.exch != nil {
		var err error
		ref, err = c.exch.Put(c.g.RunID(), t.ID, bytes.NewReader(out.Payload), out.Stats)
		if err != nil {
			c.failAttempt(ctx, t, fmt.Errorf("publish result: %w", err))
			return
		}
	} else {
		ref = graph.ResultRef{TaskID: t.ID, SizeBytes: int64(len(out.Payload)), Stats: out.Stats}
	}

	newlyReady, err := c.g.Transition(t.ID, graph.StatusCompleted, func(t *graph.Task) {
		t.Result = &ref
		t.Err = nil
	})
	if err != nil {
		c.log.Error("complete transition", "task_id", t.ID, "error", err)
		return
	}
	done, _ := c.g.Get(t.ID)
	// Completion is durable before any dependent dispatches.
	c.record(ctx, done, graph.StatusInProgress, "task.completed")
	c.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
		RunID: c.g.RunID(), TaskID: t.ID,
		OldStatus: string(graph.StatusInProgress), NewStatus: string(graph.StatusCompleted),
	})
	if c.metrics != nil {
		c.metrics.TasksCompleted.Add(ctx, 1)
	}
	c.log.Info("task completed", "run_id", c.g.RunID(), "task_id", t.ID,
		"attempt", done.Attempt, "size_bytes", ref.SizeBytes, "newly_ready", len(newlyReady))
	c.recordReady(ctx, newlyReady)
}

func (c *Coordinator) failAttempt(ctx context.Context, t *graph.Task, attemptErr error) {
	d := decide(t, attemptErr)
	if d.Record.Timeout {
		c.publish(bus.TopicTaskTimeout, bus.TaskRetryEvent{
			RunID: c.g.RunID(), TaskID: t.ID, Attempt: t.Attempt, Error: attemptErr.Error(),
		})
	}

	if d.Action == ActionRetry {
		_, err := c.g.Transition(t.ID, graph.StatusReady, func(t *graph.Task) {
			t.Err = d.Record
		})
		if err != nil {
			c.log.Error("retry transition", "task_id", t.ID, "error", err)
			return
		}
		retried, _ := c.g.Get(t.ID)
		c.record(ctx, retried, graph.StatusInProgress, "task.retrying")
		c.publish(bus.TopicTaskRetrying, bus.TaskRetryEvent{
			RunID: c.g.RunID(), TaskID: t.ID, Attempt: t.Attempt, Error: attemptErr.Error(),
		})
		if c.metrics != nil {
			c.metrics.TasksRetried.Add(ctx, 1)
		}
		c.log.Warn("task retrying", "run_id", c.g.RunID(), "task_id", t.ID,
			"attempt", t.Attempt, "max_attempts", t.MaxAttempts, "timeout", d.Record.Timeout, "error", attemptErr)
		return
	}

	newlyReady, err := c.g.Transition(t.ID, graph.StatusFailed, func(t *graph.Task) {
		t.Err = d.Record
	})
	if err != nil {
		c.log.Error("fail transition", "task_id", t.ID, "error", err)
		return
	}
	failed, _ := c.g.Get(t.ID)
	c.record(ctx, failed, graph.StatusInProgress, "task.failed")
	c.publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
		RunID: c.g.RunID(), TaskID: t.ID,
		OldStatus: string(graph.StatusInProgress), NewStatus: string(graph.StatusFailed),
		Reason: attemptErr.Error(),
	})
	if c.metrics != nil {
		c.metrics.TasksFailed.Add(ctx, 1)
	}
	c.log.Error("task failed", "run_id", c.g.RunID(), "task_id", t.ID,
		"attempt", failed.Attempt, "timeout", d.Record.Timeout, "error", attemptErr)

	// Optional dependents of the failed task may have just become ready.
	c.recordReady(ctx, newlyReady)
	c.cascadeCancel(ctx, t.ID)
}

// cascadeCancel cancels every task reachable from the failed root through
// required edges. Optional edges stop the cascade: their dependents run with
// a fallback input instead.
func (c *Coordinator) cascadeCancel(ctx context.Context, rootID string) {
	queue := []string{rootID}
	cancelled := map[string]bool{}
	for len(queue) > 0 {
		pred := queue[0]
		queue = queue[1:]
		for _, depID := range c.g.Dependents(pred) {
			if cancelled[depID] || !c.g.RequiredEdge(depID, pred) {
				continue
			}
			t, ok := c.g.Get(depID)
			if !ok || t.Status.Terminal() || t.Status == graph.StatusInProgress {
				continue
			}
			newlyReady, err := c.g.Transition(depID, graph.StatusCancelled, func(t *graph.Task) {
				t.Err = &graph.FailureRecord{
					Message:    fmt.Sprintf("cancelled: required dependency chain from %s failed", rootID),
					RootTaskID: rootID,
					OccurredAt: time.Now().UTC(),
				}
			})
			if err != nil {
				c.log.Error("cascade cancel", "task_id", depID, "error", err)
				continue
			}
			cancelled[depID] = true
			queue = append(queue, depID)
			cc, _ := c.g.Get(depID)
			c.record(ctx, cc, t.Status, "task.cancelled")
			c.publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{
				RunID: c.g.RunID(), TaskID: depID,
				OldStatus: string(t.Status), NewStatus: string(graph.StatusCancelled),
				Reason: rootID,
			})
			if c.metrics != nil {
				c.metrics.TasksCancelled.Add(ctx, 1)
			}
			// A cancelled task is terminal for its own optional dependents.
			c.recordReady(ctx, newlyReady)
		}
	}
	if len(cancelled) > 0 {
		c.log.Warn("cascade cancelled dependents", "run_id", c.g.RunID(), "root", rootID, "count", len(cancelled))
	}
}

// expand registers dynamically submitted children while their parent runs.
func (c *Coordinator) expand(ctx context.Context, parentID string, children ...*graph.Task) error {
	if len(children) == 0 {
		return nil
	}
	if err := c.g.Add(children...); err != nil {
		return err
	}
	ids := make([]string, 0, len(children))
	for _, child := range children {
		ids = append(ids, child.ID)
		if c.st != nil {
			persisted, _ := c.g.Get(child.ID)
			if err := c.st.InsertTask(ctx, c.g.RunID(), persisted); err != nil {
				return err
			}
		}
	}
	c.publish(bus.TopicGraphExpanded, bus.GraphExpandedEvent{
		RunID: c.g.RunID(), ParentID: parentID, ChildIDs: ids,
	})
	c.log.Info("graph expanded", "run_id", c.g.RunID(), "parent", parentID, "children", len(ids))
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// quiescent reports whether the run is finished. Before concluding, it
// cancels tasks permanently blocked on a dead required dependency: these can
// appear when a child is inserted depending on an already-failed task, which
// the normal cascade never visits.
func (c *Coordinator) quiescent(ctx context.Context) bool {
	if c.adm.InFlight() > 0 || len(c.g.ReadySet()) > 0 {
		return false
	}
	for _, id := range c.g.DeadBlocked() {
		t, ok := c.g.Get(id)
		if !ok {
			continue
		}
		root := ""
		for _, dep := range t.BlockedBy {
			if pred, ok := c.g.Get(dep.ID); ok && !dep.Optional && pred.Status.Terminal() && pred.Status != graph.StatusCompleted {
				root = dep.ID
				break
			}
		}
		newlyReady, err := c.g.Transition(id, graph.StatusCancelled, func(t *graph.Task) {
			t.Err = &graph.FailureRecord{
				Message:    fmt.Sprintf("cancelled: required dependency %s will never complete", root),
				RootTaskID: root,
				OccurredAt: time.Now().UTC(),
			}
		})
		if err != nil {
			c.log.Error("cancel dead-blocked", "task_id", id, "error", err)
			continue
		}
		cc, _ := c.g.Get(id)
		c.record(ctx, cc, t.Status, "task.cancelled")
		c.publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{
			RunID: c.g.RunID(), TaskID: id,
			OldStatus: string(t.Status), NewStatus: string(graph.StatusCancelled),
			Reason: root,
		})
		c.recordReady(ctx, newlyReady)
	}
	if len(c.g.ReadySet()) > 0 {
		return false
	}
	return c.g.Quiescent()
}

// abort drains in-flight attempts after ctx cancellation, then cancels every
// remaining non-terminal task.
func (c *Coordinator) abort(ctx context.Context, runID string, start time.Time) (*RunResult, error) {
	cause := ctx.Err()
	c.log.Warn("run cancelled, draining in-flight attempts", "run_id", runID, "in_flight", c.adm.InFlight())
	for c.adm.InFlight() > 0 {
		r := <-c.reports
		st, live := c.inflight[r.taskID]
		if !live || st.attempt != r.attempt {
			c.stale--
			continue
		}
		delete(c.inflight, r.taskID)
		c.adm.Release()
		if c.metrics != nil {
			c.metrics.TasksInFlight.Add(context.Background(), -1)
		}
	}
	// Workers of expired attempts may still be running; waiting on them
	// would hold the shutdown hostage to workers that already blew their
	// deadline, so only wait when every attempt reported.
	if c.stale == 0 {
		c.pool.Wait()
	}

	bg := context.Background()
	for _, t := range c.g.Snapshot() {
		if t.Status.Terminal() {
			continue
		}
		from := t.Status
		if _, err := c.g.Transition(t.ID, graph.StatusCancelled, func(t *graph.Task) {
			t.Err = &graph.FailureRecord{Message: "run cancelled", OccurredAt: time.Now().UTC()}
		}); err != nil {
			continue
		}
		cc, _ := c.g.Get(t.ID)
		c.record(bg, cc, from, "task.cancelled")
	}
	if c.st != nil {
		_ = c.st.CompleteRun(bg, runID, "cancelled")
	}
	return c.result(runID, start), cause
}

func (c *Coordinator) result(runID string, start time.Time) *RunResult {
	res := &RunResult{
		RunID:   runID,
		Counts:  c.g.Counts(),
		Elapsed: time.Since(start),
	}
	for _, t := range c.g.Snapshot() {
		switch t.Status {
		case graph.StatusCompleted:
			res.Completed = append(res.Completed, t.ID)
		case graph.StatusFailed:
			res.Failed = append(res.Failed, t.ID)
		case graph.StatusCancelled:
			res.Cancelled = append(res.Cancelled, t.ID)
		}
	}
	return res
}

// persistSnapshot inserts any graph task the store has not seen. Resumed
// runs already hold rows for most tasks.
func (c *Coordinator) persistSnapshot(ctx context.Context, runID string) error {
	for _, t := range c.g.Snapshot() {
		existing, err := c.st.GetTask(ctx, runID, t.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := c.st.InsertTask(ctx, runID, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, t *graph.Task, from graph.Status, eventType string) {
	if c.st == nil {
		return
	}
	if err := c.st.RecordTransition(ctx, c.g.RunID(), t, from, eventType); err != nil {
		c.log.Error("record transition", "task_id", t.ID, "event", eventType, "error", err)
	}
}

// recordReady persists blocked-to-ready transitions computed by the graph.
func (c *Coordinator) recordReady(ctx context.Context, ids []string) {
	for _, id := range ids {
		t, ok := c.g.Get(id)
		if !ok {
			continue
		}
		c.record(ctx, t, graph.StatusBlocked, "task.ready")
	}
}

func (c *Coordinator) publish(topic string, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}
