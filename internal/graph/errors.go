package graph

import (
	"fmt"
	"strings"
)

// ValidationError rejects a malformed or cyclic submission before any task
// in it reaches the graph.
type ValidationError struct {
	Reason  string
	TaskIDs []string
}

func (e *ValidationError) Error() string {
	if len(e.TaskIDs) == 0 {
		return "invalid submission: " + e.Reason
	}
	return fmt.Sprintf("invalid submission: %s (%s)", e.Reason, strings.Join(e.TaskIDs, ", "))
}

func invalidf(ids []string, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), TaskIDs: ids}
}
