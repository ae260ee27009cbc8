// Package api provides the HTTP handlers of the remote checking protocol.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/metrics"
	"github.com/checkrelay/checkrelay/internal/session"
)

// ProtocolVersion is the server's protocol revision. Clients declaring any
// other value are refused with API_MISMATCH.
const ProtocolVersion = 1

// Handler serves the remote checking RPC surface. It holds no protocol state
// of its own: everything routes through the session manager.
type Handler struct {
	mgr     *session.Manager
	runner  analyze.Runner
	metrics *metrics.Metrics
}

// NewHandler creates a new Handler.
func NewHandler(mgr *session.Manager, runner analyze.Runner, m *metrics.Metrics) *Handler {
	return &Handler{mgr: mgr, runner: runner, metrics: m}
}

// errorBody is the structured failure every method returns.
type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
	Extra []string         `json:"extra,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a structured JSON error response.
func Error(w http.ResponseWriter, status int, code domain.ErrorCode, message string, extra ...string) {
	JSON(w, status, errorBody{Error: message, Code: code, Extra: extra})
}

// fail translates an internal error into the wire taxonomy and records it.
// extra carries method-specific detail (e.g. the file paths a failed sync
// still needs) so a client can act on a structured failure.
func (h *Handler) fail(w http.ResponseWriter, method string, err error, extra ...string) {
	status := statusFor(err)
	code := domain.CodeFor(err)
	if h.metrics != nil {
		h.metrics.ErrorsTotal.WithLabelValues(method, string(code)).Inc()
	}
	Error(w, status, code, err.Error(), extra...)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrLocked),
		errors.Is(err, domain.ErrProtocolOrder),
		errors.Is(err, domain.ErrFilesMissing):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) count(method string) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(method).Inc()
	}
}
