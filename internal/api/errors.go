package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/hass-agent/internal/hass"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "hub_unavailable"
	ErrCodeTimeout      = "hub_timeout"
	ErrCodeHubError     = "hub_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// hassErrorStatus maps a session error to an HTTP status and error code.
//
//   - not configured, not connected, unavailable, auth failure, cancelled, closed: 503
//   - timeout, transport lost: 504
//   - hub-reported failure: 502 (404 for not_found)
//   - invalid command: 400
func hassErrorStatus(err error) (int, string) {
	var hubErr *hass.HubError
	switch {
	case errors.Is(err, hass.ErrInvalidCommand):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, hass.ErrEntityNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.As(err, &hubErr) && hubErr.Code == "not_found":
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, hass.ErrHub):
		return http.StatusBadGateway, ErrCodeHubError
	case errors.Is(err, hass.ErrTimeout), errors.Is(err, hass.ErrTransportLost):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, hass.ErrNotConfigured),
		errors.Is(err, hass.ErrNotConnected),
		errors.Is(err, hass.ErrUnavailable),
		errors.Is(err, hass.ErrAuthenticationFailed),
		errors.Is(err, hass.ErrCancelled),
		errors.Is(err, hass.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeHassError translates a session error into a response.
func writeHassError(w http.ResponseWriter, err error) {
	status, code := hassErrorStatus(err)
	writeError(w, status, code, err.Error())
}
