package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/tidemill/loom/internal/graph"
)

// Action is what the failure policy decides for a finished failed attempt.
type Action int

const (
	// ActionRetry requeues the task for another attempt.
	ActionRetry Action = iota
	// ActionFail marks the task failed and cancels its required dependents.
	ActionFail
)

// Decision carries the policy outcome plus the failure record to attach.
type Decision struct {
	Action Action
	Record *graph.FailureRecord
}

// decide classifies one failed attempt. Deadline expiry counts against the
// same attempt budget as an ordinary failure; the distinction is kept on the
// record so operators can tell a slow worker from a broken one.
func decide(t *graph.Task, attemptErr error) Decision {
	rec := &graph.FailureRecord{
		Message:    attemptErr.Error(),
		Timeout:    errors.Is(attemptErr, context.DeadlineExceeded),
		Attempt:    t.Attempt,
		OccurredAt: time.Now().UTC(),
	}
	if t.Attempt < t.MaxAttempts {
		return Decision{Action: ActionRetry, Record: rec}
	}
	return Decision{Action: ActionFail, Record: rec}
}
