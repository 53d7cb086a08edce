package dispatch

import "fmt"

// TaskState is the position of one task in the dispatch state machine.
type TaskState string

// Task states. SENT is terminal unless the channel later confirms delivery.
const (
	StateNew       TaskState = "NEW"
	StateAdmitted  TaskState = "ADMITTED"
	StateRendering TaskState = "RENDERING"
	StateSending   TaskState = "SENDING"
	StateSent      TaskState = "SENT"
	StateDelivered TaskState = "DELIVERED"
	StateRejected  TaskState = "REJECTED"
	StateFailed    TaskState = "FAILED"
)

// Reasons attached to StateRejected.
const (
	RejectDuplicate  = "duplicate"
	RejectSuperseded = "superseded"
	RejectFinalized  = "finalized"
)

// REJECTED is also entered after admission when the record was finalized
// elsewhere or a retried update was superseded.
var transitions = map[TaskState][]TaskState{
	StateNew:       {StateAdmitted, StateRejected},
	StateAdmitted:  {StateRendering, StateSending, StateFailed, StateRejected},
	StateRendering: {StateSending, StateFailed},
	// SENDING loops back to ADMITTED when a transient failure is retried.
	StateSending: {StateSent, StateFailed, StateAdmitted, StateRejected},
	StateSent:    {StateDelivered},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s. SENT is not terminal
// because a confirmation may still arrive.
func (s TaskState) Terminal() bool {
	return len(transitions[s]) == 0
}

type transitionError struct {
	from, to TaskState
}

func (e transitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.from, e.to)
}
