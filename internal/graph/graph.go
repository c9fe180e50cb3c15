// Package graph holds the task model, the dependency graph, and the
// readiness resolver. The graph is single-writer: every mutation funnels
// through one mutex, and callers outside the lock only ever see clones.
package graph

import (
	"fmt"
	"sync"
	"time"
)

// Graph is the mapping from task id to task plus a reverse dependents index
// maintained incrementally, so readiness re-evaluation after a transition
// touches only the transitioning task's dependents.
//
// Tasks are never structurally deleted; completed and failed tasks stay for
// audit and resume.
type Graph struct {
	mu         sync.Mutex
	runID      string
	tasks      map[string]*Task
	dependents map[string][]string // task id -> ids of tasks blocked by it

	// readyQueue preserves the order tasks entered the ready set, giving the
	// admission controller FIFO fairness. Entries may be stale (task already
	// dispatched); NextReady skips them.
	readyQueue []string
}

// New creates an empty graph for a run.
func New(runID string) *Graph {
	return &Graph{
		runID:      runID,
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// RunID returns the run this graph belongs to.
func (g *Graph) RunID() string { return g.runID }

// Add validates and inserts a batch of tasks atomically. The batch is
// rejected whole on duplicate ids, references to unknown tasks, or cycles.
// Tasks whose dependencies are already satisfied enter the ready set
// immediately; a task with a required dependency that already failed or was
// cancelled stays Blocked and is cancelled by the scheduler.
func (g *Graph) Add(tasks ...*Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	inBatch := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return invalidf(nil, "task id is required")
		}
		if _, ok := g.tasks[t.ID]; ok {
			return invalidf([]string{t.ID}, "duplicate task id")
		}
		if _, ok := inBatch[t.ID]; ok {
			return invalidf([]string{t.ID}, "duplicate task id in submission")
		}
		if t.Owner == "" {
			return invalidf([]string{t.ID}, "task owner is required")
		}
		inBatch[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.BlockedBy {
			if dep.ID == t.ID {
				return invalidf([]string{t.ID}, "task depends on itself")
			}
			if _, inGraph := g.tasks[dep.ID]; inGraph {
				continue
			}
			if _, batched := inBatch[dep.ID]; batched {
				continue
			}
			return invalidf([]string{t.ID, dep.ID}, "dependency references unknown task")
		}
	}

	// Existing tasks never gain new dependencies, so a cycle can only close
	// inside the submitted batch.
	if cyclic := findCycle(inBatch); cyclic != nil {
		return invalidf(cyclic, "dependency cycle")
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.MaxAttempts <= 0 {
			t.MaxAttempts = 1
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		g.tasks[t.ID] = t
		for _, dep := range t.BlockedBy {
			g.dependents[dep.ID] = append(g.dependents[dep.ID], t.ID)
		}
	}
	// Evaluate after the whole batch is indexed so intra-batch edges resolve.
	for _, t := range tasks {
		g.evaluateLocked(t)
	}
	return nil
}

// findCycle runs a three-color DFS over the batch subgraph and returns the
// ids on a cycle, or nil.
func findCycle(batch map[string]*Task) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(batch))
	var stack []string
	var cyclic []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range batch[id].BlockedBy {
			next, ok := batch[dep.ID]
			if !ok {
				continue // edge into the existing graph cannot close a cycle
			}
			switch color[next.ID] {
			case grey:
				for i, s := range stack {
					if s == next.ID {
						cyclic = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(next.ID) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for id := range batch {
		if color[id] == white && visit(id) {
			return cyclic
		}
	}
	return nil
}

// evaluateLocked recomputes a non-terminal, not-in-progress task's readiness.
func (g *Graph) evaluateLocked(t *Task) {
	if t.Status.Terminal() || t.Status == StatusInProgress {
		return
	}

	blocked := false
	for _, dep := range t.BlockedBy {
		pred := g.tasks[dep.ID]
		if dep.Optional {
			if !pred.Status.Terminal() {
				blocked = true
			}
			continue
		}
		switch {
		case pred.Status == StatusCompleted:
			// satisfied
		case pred.Status.Terminal():
			// Required predecessor failed or was cancelled: this task will
			// never run. Cancellation cascades from the scheduler; here we
			// only stop it from ever entering the ready set.
			g.setStatusLocked(t, StatusBlocked)
			return
		default:
			blocked = true
		}
	}

	if blocked {
		g.setStatusLocked(t, StatusBlocked)
		return
	}
	if t.Status != StatusReady {
		g.setStatusLocked(t, StatusReady)
		g.readyQueue = append(g.readyQueue, t.ID)
	}
}

func (g *Graph) setStatusLocked(t *Task, to Status) {
	if t.Status == to {
		return
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
}

// Transition moves a task through its state machine, applying mutate (which
// may set result, error, or attempt) under the lock before the status check
// commits. It returns the ids of dependents that became Ready as a result.
func (g *Graph) Transition(id string, to Status, mutate func(*Task)) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("transition %s: unknown task", id)
	}
	if !canTransition(t.Status, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s for task %s", t.Status, to, id)
	}
	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()

	if to == StatusReady {
		g.readyQueue = append(g.readyQueue, id)
		return nil, nil
	}
	if !to.Terminal() {
		return nil, nil
	}

	// Re-evaluate only this task's dependents: O(out-degree), not O(graph).
	var newlyReady []string
	for _, depID := range g.dependents[id] {
		dep := g.tasks[depID]
		before := dep.Status
		g.evaluateLocked(dep)
		if before != StatusReady && dep.Status == StatusReady {
			newlyReady = append(newlyReady, depID)
		}
	}
	return newlyReady, nil
}

// NextReady pops the oldest task still in the ready set, preserving FIFO
// admission order. ok is false when nothing is ready.
func (g *Graph) NextReady() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.readyQueue) > 0 {
		id := g.readyQueue[0]
		g.readyQueue = g.readyQueue[1:]
		if t, ok := g.tasks[id]; ok && t.Status == StatusReady {
			return id, true
		}
	}
	return "", false
}

// Requeue puts a still-Ready task back at the ready queue's tail. Used when
// admission is at capacity.
func (g *Graph) Requeue(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[id]; ok && t.Status == StatusReady {
		g.readyQueue = append(g.readyQueue, id)
	}
}

// ReadySet returns the ids currently in the ready set, in queue order.
func (g *Graph) ReadySet() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	seen := make(map[string]bool)
	for _, id := range g.readyQueue {
		if seen[id] {
			continue
		}
		if t, ok := g.tasks[id]; ok && t.Status == StatusReady {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// Get returns a clone of the task.
func (g *Graph) Get(id string) (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Dependents returns the ids directly blocked by the given task.
func (g *Graph) Dependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every task reachable through the dependents
// index from id. This is the exact cancellation scope of a failure: nothing
// outside the returned set is affected.
func (g *Graph) TransitiveDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// RequiredEdge reports whether dependent's edge to pred is required.
func (g *Graph) RequiredEdge(dependent, pred string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[dependent]
	if !ok {
		return false
	}
	for _, dep := range t.BlockedBy {
		if dep.ID == pred {
			return !dep.Optional
		}
	}
	return false
}

// Counts returns the status snapshot.
func (g *Graph) Counts() Counts {
	g.mu.Lock()
	defer g.mu.Unlock()

	var c Counts
	for _, t := range g.tasks {
		switch t.Status {
		case StatusPending, StatusBlocked:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Quiescent reports whether no task can make further progress.
func (g *Graph) Quiescent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		switch t.Status {
		case StatusReady, StatusInProgress:
			return false
		case StatusPending, StatusBlocked:
			// Blocked tasks whose predecessors are all terminal can never
			// run again, but the scheduler cancels those explicitly; a
			// blocked task with a live predecessor means work remains.
			if g.hasLivePredecessorLocked(t) {
				return false
			}
		}
	}
	return true
}

func (g *Graph) hasLivePredecessorLocked(t *Task) bool {
	for _, dep := range t.BlockedBy {
		if pred, ok := g.tasks[dep.ID]; ok && !pred.Status.Terminal() {
			return true
		}
	}
	return false
}

// DeadBlocked returns blocked tasks that can never become ready because a
// required predecessor already failed or was cancelled. The scheduler
// cancels these; they arise when a worker registers a child under a
// predecessor that is already dead.
func (g *Graph) DeadBlocked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for _, t := range g.tasks {
		if t.Status != StatusPending && t.Status != StatusBlocked {
			continue
		}
		for _, dep := range t.BlockedBy {
			if dep.Optional {
				continue
			}
			pred := g.tasks[dep.ID]
			if pred.Status.Terminal() && pred.Status != StatusCompleted {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}

// Snapshot returns clones of every task, for checkpointing.
func (g *Graph) Snapshot() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Restore rebuilds a graph from checkpointed tasks. Tasks recorded as
// InProgress come back Ready: an interrupted attempt is retried rather than
// assumed lost or complete. Snapshots are an external input; a truncated or
// hand-edited file gets the same validation a fresh submission does.
func Restore(runID string, tasks []*Task) (*Graph, error) {
	g := New(runID)
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range tasks {
		cp := t.Clone()
		if cp.ID == "" {
			return nil, invalidf(nil, "checkpoint task has no id")
		}
		if cp.Owner == "" {
			return nil, invalidf([]string{cp.ID}, "checkpoint task has no owner")
		}
		if cp.Status == StatusInProgress {
			cp.Status = StatusReady
		}
		if _, ok := g.tasks[cp.ID]; ok {
			return nil, invalidf([]string{cp.ID}, "duplicate task id in checkpoint")
		}
		g.tasks[cp.ID] = cp
	}
	for _, t := range g.tasks {
		for _, dep := range t.BlockedBy {
			if dep.ID == t.ID {
				return nil, invalidf([]string{t.ID}, "checkpoint task depends on itself")
			}
			if _, ok := g.tasks[dep.ID]; !ok {
				return nil, invalidf([]string{t.ID, dep.ID}, "checkpoint dependency references unknown task")
			}
			g.dependents[dep.ID] = append(g.dependents[dep.ID], t.ID)
		}
	}
	if cyclic := findCycle(g.tasks); cyclic != nil {
		return nil, invalidf(cyclic, "dependency cycle in checkpoint")
	}
	for _, t := range g.tasks {
		if t.Status == StatusReady {
			g.readyQueue = append(g.readyQueue, t.ID)
			continue
		}
		g.evaluateLocked(t)
	}
	return g, nil
}
