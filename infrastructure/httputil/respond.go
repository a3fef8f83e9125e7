// Package httputil provides the small set of HTTP helpers the gateway's
// handlers share: JSON responses, the error envelope, request decoding, and
// client-IP extraction.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/authgateway/gateway/infrastructure/logging"
)

// ErrorResponse is the JSON envelope every error surface uses.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

var pkgLogger = logging.NewFromEnv("httputil")

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		pkgLogger.WithError(err).Warn("write json response")
	}
}

func traceID(w http.ResponseWriter, r *http.Request) string {
	if r != nil {
		if id := logging.GetTraceID(r.Context()); id != "" {
			return id
		}
		if id := r.Header.Get("X-Trace-ID"); id != "" {
			return id
		}
	}
	return w.Header().Get("X-Trace-ID")
}

// WriteErrorResponse writes the standard error envelope. An empty code is
// filled from the status so clients always get a machine-readable value.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}

	id := traceID(w, r)
	if id != "" && w.Header().Get("X-Trace-ID") == "" {
		w.Header().Set("X-Trace-ID", id)
	}

	WriteJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
		TraceID: id,
	})
}

// BadRequest writes a 400 with the standard envelope.
func BadRequest(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, nil, http.StatusBadRequest, "", message, nil)
}

// RespondNoContent writes an empty 204.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
