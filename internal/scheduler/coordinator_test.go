package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidemill/loom/internal/bus"
	"github.com/tidemill/loom/internal/graph"
	"github.com/tidemill/loom/internal/store"
	"github.com/tidemill/loom/internal/worker"
)

func newCoordinator(t *testing.T, g *graph.Graph, workers map[string]worker.Func, opts Options) *Coordinator {
	t.Helper()
	reg := worker.NewRegistry()
	for owner, fn := range workers {
		if err := reg.Register(owner, fn); err != nil {
			t.Fatalf("register %s: %v", owner, err)
		}
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	return New(g, worker.NewPool(reg), opts)
}

func mustAdd(t *testing.T, g *graph.Graph, tasks ...*graph.Task) {
	t.Helper()
	if err := g.Add(tasks...); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func echoWorker(out *sync.Map) worker.Func {
	return func(ctx context.Context, a worker.Assignment) worker.Outcome {
		out.Store(a.TaskID, a.Inputs)
		return worker.Outcome{Payload: []byte("out:" + a.TaskID)}
	}
}

func TestCoordinator_DiamondRunsToCompletion(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "a", Owner: "w"},
		&graph.Task{ID: "b", Owner: "w", BlockedBy: []graph.Dep{{ID: "a"}}},
		&graph.Task{ID: "c", Owner: "w", BlockedBy: []graph.Dep{{ID: "a"}}},
		&graph.Task{ID: "d", Owner: "w", BlockedBy: []graph.Dep{{ID: "b"}, {ID: "c"}}},
	)

	var order []string
	var mu sync.Mutex
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			mu.Lock()
			order = append(order, a.TaskID)
			mu.Unlock()
			return worker.Outcome{Payload: []byte(a.TaskID)}
		},
	}, Options{Admission: NewAdmission(4)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded() || len(res.Completed) != 4 {
		t.Fatalf("result = %+v", res)
	}

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] {
		t.Fatalf("a must run before b and c: %v", order)
	}
	if pos["d"] < pos["b"] || pos["d"] < pos["c"] {
		t.Fatalf("d must run after b and c: %v", order)
	}
}

func TestCoordinator_InputsCarryDependencyRefs(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "a", Owner: "w"},
		&graph.Task{ID: "b", Owner: "w", BlockedBy: []graph.Dep{{ID: "a"}}},
	)

	var seen sync.Map
	c := newCoordinator(t, g, map[string]worker.Func{"w": echoWorker(&seen)}, Options{Admission: NewAdmission(2)})
	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	v, ok := seen.Load("b")
	if !ok {
		t.Fatal("b never ran")
	}
	inputs := v.([]graph.ResultRef)
	if len(inputs) != 1 || inputs[0].TaskID != "a" {
		t.Fatalf("b inputs = %+v", inputs)
	}
}

func TestCoordinator_ConcurrencyNeverExceedsCeiling(t *testing.T) {
	g := graph.New("run-1")
	var tasks []*graph.Task
	for i := 0; i < 12; i++ {
		tasks = append(tasks, &graph.Task{ID: fmt.Sprintf("t%02d", i), Owner: "w"})
	}
	mustAdd(t, g, tasks...)

	var inFlight, peak int64
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return worker.Outcome{}
		},
	}, Options{Admission: NewAdmission(3)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Completed) != 12 {
		t.Fatalf("completed = %d", len(res.Completed))
	}
	if atomic.LoadInt64(&peak) > 3 {
		t.Fatalf("peak concurrency %d exceeded ceiling 3", peak)
	}
}

func TestCoordinator_FIFOAdmissionOrder(t *testing.T) {
	g := graph.New("run-1")
	var want []string
	var tasks []*graph.Task
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("t%d", i)
		want = append(want, id)
		tasks = append(tasks, &graph.Task{ID: id, Owner: "w"})
	}
	mustAdd(t, g, tasks...)

	var got []string
	var mu sync.Mutex
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			mu.Lock()
			got = append(got, a.TaskID)
			mu.Unlock()
			return worker.Outcome{}
		},
	}, Options{Admission: NewAdmission(1)})

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestCoordinator_FailureCascadesToRequiredDependents(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "a", Owner: "w"},
		&graph.Task{ID: "b", Owner: "w", BlockedBy: []graph.Dep{{ID: "a"}}},
		&graph.Task{ID: "c", Owner: "w", BlockedBy: []graph.Dep{{ID: "b"}}},
		&graph.Task{ID: "e", Owner: "w"}, // disjoint branch
	)

	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			if a.TaskID == "a" {
				return worker.Outcome{Err: errors.New("broken input")}
			}
			return worker.Outcome{}
		},
	}, Options{Admission: NewAdmission(2)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "a" {
		t.Fatalf("failed = %v", res.Failed)
	}
	sort.Strings(res.Cancelled)
	if len(res.Cancelled) != 2 || res.Cancelled[0] != "b" || res.Cancelled[1] != "c" {
		t.Fatalf("cancelled = %v, want [b c]", res.Cancelled)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "e" {
		t.Fatalf("disjoint branch should complete: %v", res.Completed)
	}

	b, _ := g.Get("b")
	if b.Err == nil || b.Err.RootTaskID != "a" {
		t.Fatalf("cancelled task should reference root failure, got %+v", b.Err)
	}
}

func TestCoordinator_OptionalDependencyFallsBack(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "a", Owner: "w"},
		&graph.Task{ID: "b", Owner: "w", BlockedBy: []graph.Dep{{ID: "a", Optional: true}}},
	)

	var seen sync.Map
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			seen.Store(a.TaskID, a.Inputs)
			if a.TaskID == "a" {
				return worker.Outcome{Err: errors.New("flaky source")}
			}
			return worker.Outcome{}
		},
	}, Options{Admission: NewAdmission(2)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "b" {
		t.Fatalf("b should complete despite optional failure: %+v", res)
	}
	v, _ := seen.Load("b")
	inputs := v.([]graph.ResultRef)
	if len(inputs) != 1 || !inputs[0].Zero() {
		t.Fatalf("b should receive a zero fallback ref, got %+v", inputs)
	}
}

func TestCoordinator_RetriesUntilBudgetExhausted(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g, &graph.Task{ID: "a", Owner: "w", MaxAttempts: 3})

	var attempts int64
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			if atomic.AddInt64(&attempts, 1) < 3 {
				return worker.Outcome{Err: errors.New("transient")}
			}
			return worker.Outcome{Payload: []byte("finally")}
		},
	}, Options{Admission: NewAdmission(1)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("result = %+v", res)
	}
	if n := atomic.LoadInt64(&attempts); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
	a, _ := g.Get("a")
	if a.Attempt != 3 {
		t.Fatalf("recorded attempt = %d, want 3", a.Attempt)
	}
}

func TestCoordinator_DeadlineExpiryRetriesAttempt(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g, &graph.Task{ID: "a", Owner: "w", MaxAttempts: 2, DeadlineSeconds: 1})

	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskTimeout)
	defer b.Unsubscribe(sub)

	var attempts int64
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			if atomic.AddInt64(&attempts, 1) == 1 {
				<-ctx.Done() // cooperative cancellation on deadline expiry
				return worker.Outcome{Err: ctx.Err()}
			}
			return worker.Outcome{Payload: []byte("quick")}
		},
	}, Options{Admission: NewAdmission(1), Bus: b})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("result = %+v", res)
	}

	select {
	case ev := <-sub.Ch():
		te := ev.Payload.(bus.TaskRetryEvent)
		if te.TaskID != "a" || te.Attempt != 1 {
			t.Fatalf("timeout event = %+v", te)
		}
	default:
		t.Fatal("no timeout event published")
	}
}

func TestCoordinator_StuckWorkerFailsAtDeadline(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g, &graph.Task{ID: "stuck", Owner: "w", MaxAttempts: 1})

	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			time.Sleep(2 * time.Second) // ignores ctx entirely
			return worker.Outcome{Payload: []byte("too late")}
		},
	}, Options{Admission: NewAdmission(1), DefaultTimeout: 100 * time.Millisecond})

	start := time.Now()
	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run blocked %v past a 100ms deadline", elapsed)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "stuck" {
		t.Fatalf("failed = %v, want [stuck]", res.Failed)
	}
	if len(res.Completed) != 0 {
		t.Fatalf("completed = %v, a late success must not be committed", res.Completed)
	}
	st, _ := g.Get("stuck")
	if st.Err == nil || !st.Err.Timeout {
		t.Fatalf("failure record = %+v, want timeout", st.Err)
	}
}

func TestCoordinator_LateReportFromExpiredAttemptDropped(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "stuck", Owner: "w", MaxAttempts: 2},
		// Keeps the run loop alive long enough for stuck's first worker to
		// report after its deadline expired.
		&graph.Task{ID: "slow", Owner: "w", DeadlineSeconds: 5},
	)

	var stuckAttempts int64
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			switch a.TaskID {
			case "stuck":
				if atomic.AddInt64(&stuckAttempts, 1) == 1 {
					time.Sleep(300 * time.Millisecond) // past the 100ms deadline
					return worker.Outcome{Payload: []byte("stale success")}
				}
				return worker.Outcome{Payload: []byte("fresh")}
			default:
				time.Sleep(600 * time.Millisecond)
				return worker.Outcome{}
			}
		},
	}, Options{Admission: NewAdmission(2), DefaultTimeout: 100 * time.Millisecond})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("result = %+v", res)
	}
	if n := atomic.LoadInt64(&stuckAttempts); n != 2 {
		t.Fatalf("stuck attempts = %d, want a retry after expiry", n)
	}
	st, _ := g.Get("stuck")
	if st.Attempt != 2 {
		t.Fatalf("committed attempt = %d, want 2 (the stale report must not win)", st.Attempt)
	}
}

func TestCoordinator_DynamicExpansionRunsChildren(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g, &graph.Task{ID: "parent", Owner: "w"})

	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			if a.TaskID == "parent" {
				err := a.Expand(ctx,
					&graph.Task{ID: "child-1", Owner: "w", BlockedBy: []graph.Dep{{ID: "parent"}}},
					&graph.Task{ID: "child-2", Owner: "w", BlockedBy: []graph.Dep{{ID: "child-1"}}},
				)
				if err != nil {
					return worker.Outcome{Err: err}
				}
			}
			return worker.Outcome{Payload: []byte(a.TaskID)}
		},
	}, Options{Admission: NewAdmission(2)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	sort.Strings(res.Completed)
	want := []string{"child-1", "child-2", "parent"}
	if len(res.Completed) != 3 {
		t.Fatalf("completed = %v, want %v", res.Completed, want)
	}
	for i := range want {
		if res.Completed[i] != want[i] {
			t.Fatalf("completed = %v, want %v", res.Completed, want)
		}
	}
}

func TestCoordinator_ExpansionRejectsCycle(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g, &graph.Task{ID: "parent", Owner: "w"})

	var expandErr error
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			expandErr = a.Expand(ctx,
				&graph.Task{ID: "x", Owner: "w", BlockedBy: []graph.Dep{{ID: "y"}}},
				&graph.Task{ID: "y", Owner: "w", BlockedBy: []graph.Dep{{ID: "x"}}},
			)
			return worker.Outcome{}
		},
	}, Options{Admission: NewAdmission(1)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if expandErr == nil {
		t.Fatal("cyclic expansion should be rejected")
	}
	var verr *graph.ValidationError
	if !errors.As(expandErr, &verr) {
		t.Fatalf("expand error type %T", expandErr)
	}
	if len(res.Completed) != 1 {
		t.Fatalf("parent should still complete: %+v", res)
	}
}

func TestCoordinator_ChildOfFailedTaskIsCancelled(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "doomed", Owner: "w"},
		&graph.Task{ID: "spawner", Owner: "w", BlockedBy: []graph.Dep{{ID: "doomed", Optional: true}}},
	)

	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			switch a.TaskID {
			case "doomed":
				return worker.Outcome{Err: errors.New("dead on arrival")}
			case "spawner":
				// Late child depending on an already-failed task: the normal
				// cascade ran before this task existed.
				if err := a.Expand(ctx, &graph.Task{ID: "late", Owner: "w", BlockedBy: []graph.Dep{{ID: "doomed"}}}); err != nil {
					return worker.Outcome{Err: err}
				}
			}
			return worker.Outcome{}
		},
	}, Options{Admission: NewAdmission(1)})

	res, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Cancelled) != 1 || res.Cancelled[0] != "late" {
		t.Fatalf("cancelled = %v, want [late]", res.Cancelled)
	}
	late, _ := g.Get("late")
	if late.Err == nil || late.Err.RootTaskID != "doomed" {
		t.Fatalf("late cancellation record = %+v", late.Err)
	}
}

func TestCoordinator_ContextCancellationStopsRun(t *testing.T) {
	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "a", Owner: "w"},
		&graph.Task{ID: "b", Owner: "w", BlockedBy: []graph.Dep{{ID: "a"}}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(wctx context.Context, a worker.Assignment) worker.Outcome {
			cancel()
			<-wctx.Done()
			return worker.Outcome{Err: wctx.Err()}
		},
	}, Options{Admission: NewAdmission(1)})

	res, err := c.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(res.Cancelled) != 2 {
		t.Fatalf("cancelled = %v, want both tasks", res.Cancelled)
	}
}

func TestCoordinator_PersistsTerminalStateToStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "loom.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	g := graph.New("run-1")
	mustAdd(t, g,
		&graph.Task{ID: "a", Owner: "w"},
		&graph.Task{ID: "b", Owner: "w", BlockedBy: []graph.Dep{{ID: "a"}}},
	)

	c := newCoordinator(t, g, map[string]worker.Func{
		"w": func(ctx context.Context, a worker.Assignment) worker.Outcome {
			return worker.Outcome{Payload: []byte("done")}
		},
	}, Options{Admission: NewAdmission(1), Store: s})

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		row, err := s.GetTask(ctx, "run-1", id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if row == nil || row.Status != graph.StatusCompleted {
			t.Fatalf("stored %s = %+v, want COMPLETED", id, row)
		}
	}
	counts, err := s.Counts(ctx, "run-1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 2 {
		t.Fatalf("stored counts = %+v", counts)
	}
}

func TestAdmission_CeilingLoweringAffectsFutureAdmissions(t *testing.T) {
	a := NewAdmission(4)
	if !a.TryAdmit() || !a.TryAdmit() || !a.TryAdmit() {
		t.Fatal("should admit up to ceiling")
	}

	a.SetCeiling(2)
	if a.TryAdmit() {
		t.Fatal("no admission above the lowered ceiling")
	}
	if a.InFlight() != 3 {
		t.Fatalf("in-flight = %d, running attempts must not be interrupted", a.InFlight())
	}

	a.Release()
	a.Release()
	if !a.TryAdmit() {
		t.Fatal("slot under the new ceiling should admit")
	}
	if a.TryAdmit() {
		t.Fatal("ceiling 2 reached")
	}
}

func TestAdmission_RaisingCeilingReturnsWithheldPermits(t *testing.T) {
	a := NewAdmission(4)
	a.SetCeiling(1)
	if !a.TryAdmit() {
		t.Fatal("one permit should remain under ceiling 1")
	}
	if a.TryAdmit() {
		t.Fatal("withheld permits must not admit")
	}

	a.SetCeiling(3)
	if !a.TryAdmit() || !a.TryAdmit() {
		t.Fatal("raising the ceiling should return withheld permits to the pool")
	}
	if a.TryAdmit() {
		t.Fatal("ceiling 3 reached")
	}
}

func TestAdmission_CeilingClamps(t *testing.T) {
	a := NewAdmission(2)
	a.SetCeiling(100)
	if a.Ceiling() != 2 {
		t.Fatalf("ceiling = %d, hard max is 2", a.Ceiling())
	}
	a.SetCeiling(0)
	if a.Ceiling() != 1 {
		t.Fatalf("ceiling = %d, floor is 1", a.Ceiling())
	}
}
