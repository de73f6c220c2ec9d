package dto

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
)

// ErrorBody is the single error shape every endpoint uses.
type ErrorBody struct {
	Type        string         `json:"type"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	RequestID   string         `json:"request_id"`
	Timestamp   string         `json:"timestamp"`
}

// ErrorResponse wraps ErrorBody under the "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the envelope for a typed domain error.
func NewErrorResponse(e *domain.Error, requestID string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{
		Type:        string(e.Category),
		Code:        e.Code,
		Message:     e.Message,
		Details:     e.Details,
		Suggestions: e.Suggestions,
		RequestID:   requestID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}}
}

// debug controls whether WriteError attaches the underlying error string
// to the details. Off in any real deployment; the raw string can leak
// DSNs and hostnames.
var debug bool

// SetDebug toggles the inclusion of internal error identifiers in error
// details.
func SetDebug(on bool) { debug = on }

// WriteError writes the envelope with the status the error's category maps
// to. Untyped errors are flattened to a generic 500 without internal detail.
func WriteError(w http.ResponseWriter, err error, requestID string) {
	e, ok := domain.AsError(err)
	if !ok {
		e = domain.New(domain.CategoryConfiguration, "INTERNAL_ERROR", "internal server error")
	}
	resp := NewErrorResponse(e, requestID)
	if debug {
		details := make(map[string]any, len(resp.Error.Details)+1)
		for k, v := range resp.Error.Details {
			details[k] = v
		}
		details["internal_error"] = err.Error()
		resp.Error.Details = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	json.NewEncoder(w).Encode(resp)
}
