package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// envelope is the uniform response body.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg, Code: code, Details: details})
}

// respondFault maps the error taxonomy onto HTTP. Busy carries a
// Retry-After header; provider exhaustion carries the per-provider
// reason map in details.
func respondFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.AuthFailed:
		status = http.StatusUnauthorized
	case fault.CrossAgentForbidden:
		status = http.StatusForbidden
	case fault.Busy:
		status = http.StatusTooManyRequests
	case fault.NoProviderAvailable:
		status = http.StatusServiceUnavailable
	case fault.CrossAgentTimeout:
		status = http.StatusGatewayTimeout
	}

	var details any
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(fe.RetryAfter.Seconds()+1)))
			details = map[string]any{"retryAfterMs": fe.RetryAfter.Milliseconds()}
		}
		if len(fe.Details) > 0 {
			details = fe.Details
		}
	}
	respondError(w, status, string(kind), err.Error(), details)
}

// respondNotFound renders a resource miss; lookups translate Validation
// faults through here so unknown IDs read as 404, not 400.
func respondNotFound(w http.ResponseWriter, format string, args ...any) {
	respondError(w, http.StatusNotFound, "not_found", fmt.Sprintf(format, args...), nil)
}

// decode reads a JSON body into dst; a malformed body is a client error.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "validation", "invalid JSON: "+err.Error(), nil)
		return false
	}
	return true
}
