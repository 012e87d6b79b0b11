package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/c360/adfront/backend"
	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/natsclient"
)

// statusForError maps a failed sub-operation or exposed exchange onto the
// status the gateway reports for it.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case backend.IsTimeout(err):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, natsclient.ErrCircuitOpen),
		stderrors.Is(err, natsclient.ErrNotConnected),
		stderrors.Is(err, errors.ErrShuttingDown),
		stderrors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// sanitizeError returns a safe error message for external clients.
// Upstream addresses and subjects stay in the logs.
func sanitizeError(err error) string {
	switch statusForError(err) {
	case http.StatusGatewayTimeout:
		return "upstream timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	case http.StatusBadGateway:
		return "bad gateway"
	default:
		return "internal server error"
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": statusCode,
	})
	_, _ = w.Write(data)
}
