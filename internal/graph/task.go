package graph

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusBlocked    Status = "BLOCKED"
	StatusReady      Status = "READY"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusBlocked:   {},
		StatusReady:     {},
		StatusCancelled: {},
	},
	StatusBlocked: {
		StatusReady:     {},
		StatusCancelled: {},
	},
	StatusReady: {
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusReady:     {}, // timeout or retry requeue
		StatusCancelled: {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Dep is one edge in a task's blockedBy set. A required edge gates readiness
// on the predecessor completing; an optional edge is satisfied by any terminal
// state of the predecessor, with a fallback (absent) result handed downstream.
type Dep struct {
	ID       string `json:"id" yaml:"id"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// ResultRef points at a payload in the exchange layer. Only the pointer and
// a small stats summary travel through the coordinator.
type ResultRef struct {
	TaskID    string            `json:"task_id"`
	Path      string            `json:"path"`
	SizeBytes int64             `json:"size_bytes"`
	Stats     map[string]string `json:"stats,omitempty"`
}

// Zero reports whether the ref points at nothing (fallback input for an
// optional dependency that did not complete).
func (r ResultRef) Zero() bool { return r.Path == "" }

// FailureRecord is the structured error attached to a Failed task, and
// referenced by the Cancelled records of its dependents.
type FailureRecord struct {
	Message    string    `json:"message"`
	Timeout    bool      `json:"timeout,omitempty"`
	Attempt    int       `json:"attempt"`
	RootTaskID string    `json:"root_task_id,omitempty"` // set on cancellations
	OccurredAt time.Time `json:"occurred_at"`
}

func (f *FailureRecord) Error() string {
	if f == nil {
		return ""
	}
	if f.Timeout {
		return fmt.Sprintf("timeout (attempt %d): %s", f.Attempt, f.Message)
	}
	return f.Message
}

// Task is a unit of work in the graph. Tasks are addressed by stable id,
// never by pointer; the graph is the only mutator.
type Task struct {
	ID        string `json:"id"`
	Subject   string `json:"subject"`
	Owner     string `json:"owner"`
	Status    Status `json:"status"`
	BlockedBy []Dep  `json:"blocked_by,omitempty"`

	Result *ResultRef     `json:"result,omitempty"`
	Err    *FailureRecord `json:"error,omitempty"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
	// DeadlineSeconds bounds a single in-progress attempt. Zero means the
	// coordinator's default timeout applies.
	DeadlineSeconds int `json:"deadline_seconds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand outside the graph's lock.
func (t *Task) Clone() *Task {
	cp := *t
	cp.BlockedBy = append([]Dep(nil), t.BlockedBy...)
	if t.Result != nil {
		r := *t.Result
		if t.Result.Stats != nil {
			r.Stats = make(map[string]string, len(t.Result.Stats))
			for k, v := range t.Result.Stats {
				r.Stats[k] = v
			}
		}
		cp.Result = &r
	}
	if t.Err != nil {
		e := *t.Err
		cp.Err = &e
	}
	return &cp
}

// Counts is the status snapshot served by the observability interface.
type Counts struct {
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Total sums all buckets.
func (c Counts) Total() int {
	return c.Pending + c.Ready + c.InProgress + c.Completed + c.Failed + c.Cancelled
}
