package plugin

// Status is the outcome a plugin reports from Handle or PostSubHandle.
type Status int

const (
	// StatusDone means the result is populated and the request can be finalized.
	StatusDone Status = iota
	// StatusAgain means sub-operations were queued and must be executed first.
	StatusAgain
	// StatusNotFound means the plugin has nothing to serve for this request.
	StatusNotFound
	// StatusError means the plugin failed the request.
	StatusError
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusAgain:
		return "again"
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Plugin is implemented by every request handler.
//
// Init and Destroy are each called exactly once by the Manager. Handle and
// PostSubHandle are called concurrently for different requests and must not
// keep per-request data outside the Context. A non-nil error is always
// treated as StatusError.
type Plugin interface {
	Init(config map[string]string) error
	Destroy() error
	Handle(ctx *Context) (Status, error)
	PostSubHandle(ctx *Context) (Status, error)
}

// Base provides no-op lifecycle methods and a PostSubHandle that returns
// StatusDone. Plugins without multi-round needs embed it and only implement
// Handle.
type Base struct{}

// Init does nothing.
func (Base) Init(map[string]string) error { return nil }

// Destroy does nothing.
func (Base) Destroy() error { return nil }

// PostSubHandle finishes the request after the first round.
func (Base) PostSubHandle(*Context) (Status, error) { return StatusDone, nil }
