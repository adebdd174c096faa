package task

import "fmt"

// Legal status transitions. Terminal states have no outgoing edges;
// running -> running permits metadata-only updates.
var legalTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusTimeout},
}

// TransitionError reports an illegal status change. The worker treats it as
// fatal for the task and moves the queue entry to the DLQ.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
