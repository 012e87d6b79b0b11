package dispatch

// State is the position of a request in the dispatch state machine.
type State int

const (
	StateInit State = iota
	StateReadingBody
	StateDispatching
	StateAwaitingSubrequests
	StatePostDispatch
	StateFinalizing
	StateDone
	StateError
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReadingBody:
		return "reading_body"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingSubrequests:
		return "awaiting_subrequests"
	case StatePostDispatch:
		return "post_dispatch"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Outcome is what a single Run call tells the host.
type Outcome int

const (
	// OutcomePending means the request is suspended. The host must call Run
	// again after its next relevant event.
	OutcomePending Outcome = iota
	// OutcomeDone means a response was emitted and the request is finished.
	OutcomeDone
	// OutcomeError means the request failed and a generic error response
	// was attempted.
	OutcomeError
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeDone:
		return "done"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}
