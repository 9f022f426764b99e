package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/chatbridge/internal/permission"
	"github.com/opencode-ai/chatbridge/internal/question"
	"github.com/opencode-ai/chatbridge/internal/session"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeSuperseded          = "SUPERSEDED"
	ErrCodeNoModel             = "NO_MODEL_AVAILABLE"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeAborted             = "ABORTED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// statusFor maps a bridge error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, permission.ErrUnknownHandle),
		errors.Is(err, question.ErrUnknownQuestion):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, session.ErrUnknownModel),
		errors.Is(err, permission.ErrInvalidReply),
		errors.Is(err, question.ErrInvalidIndex):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, ErrCodeSuperseded
	case errors.Is(err, session.ErrAborted):
		return http.StatusConflict, ErrCodeAborted
	case errors.Is(err, session.ErrNoModelAvailable):
		return http.StatusUnprocessableEntity, ErrCodeNoModel
	case errors.Is(err, session.ErrUpstreamUnavailable),
		errors.Is(err, session.ErrPromptRejected),
		errors.Is(err, session.ErrEventStream):
		return http.StatusBadGateway, ErrCodeUpstreamUnavailable
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	}
	return http.StatusInternalServerError, ErrCodeInternalError
}

// writeBridgeError writes err with the status statusFor assigns.
func writeBridgeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err.Error())
}
