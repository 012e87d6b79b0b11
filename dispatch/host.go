package dispatch

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// SubHandle identifies one issued sub-operation. Handles are assigned by
// the host and are only meaningful to the host that issued them.
type SubHandle uint64

// Target is a parsed sub-operation target.
type Target struct {
	Raw  string
	Path string
	Args string
}

// String returns the target as queued by the plugin.
func (t Target) String() string {
	return t.Raw
}

// ParseTarget splits raw at the first '?' into path and args. The target
// must be non-empty, start with '/', and contain no whitespace or control
// bytes.
func ParseTarget(raw string) (Target, error) {
	if raw == "" {
		return Target{}, fmt.Errorf("empty sub-operation target")
	}
	if raw[0] != '/' {
		return Target{}, fmt.Errorf("sub-operation target %q must start with '/'", raw)
	}
	for i := 0; i < len(raw); i++ {
		if b := raw[i]; b <= ' ' || b == 0x7f {
			return Target{}, fmt.Errorf("sub-operation target %q contains byte 0x%02x at %d", raw, b, i)
		}
	}
	path, args, _ := strings.Cut(raw, "?")
	return Target{Raw: raw, Path: path, Args: args}, nil
}

// Response is a complete response handed to the host for emission.
type Response struct {
	Status      int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Host is the I/O surface the engine drives a request through. All methods
// are called from the goroutine running Engine.Run and must not block on
// network I/O.
type Host interface {
	// Request returns the inbound request.
	Request() *http.Request

	// ReadBody returns the full request body once it is available. While
	// the read is still in progress it returns ready == false and the host
	// re-invokes the engine when the read finishes.
	ReadBody() (body []byte, ready bool, err error)

	// IssueSubOperation starts one sub-operation. An error means the host
	// refused it (for example because it is out of resources).
	IssueSubOperation(target Target, payload []byte) (SubHandle, error)

	// IsComplete reports whether the sub-operation has finished.
	IsComplete(h SubHandle) bool

	// CollectResult returns the result of a completed sub-operation.
	CollectResult(h SubHandle) (plugin.SubResult, error)

	// EmitResponse writes the final response.
	EmitResponse(resp Response) error
}

// PluginLookup resolves a plugin name to its shared instance.
// *plugin.Manager implements it.
type PluginLookup interface {
	GetPlugin(name string) (plugin.Plugin, bool)
}

var genericErrorBody = []byte(`{"error":"internal server error","status":500}`)

// errorResponse is the only response a failed request ever produces.
func errorResponse() Response {
	return Response{
		Status:      http.StatusInternalServerError,
		ContentType: "application/json",
		Header:      http.Header{},
		Body:        genericErrorBody,
	}
}

func invalidTarget(err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrPluginLogic, err),
		"Round", "StartRound", "parse target")
}
