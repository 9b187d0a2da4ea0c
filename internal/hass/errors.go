package hass

import (
	"errors"
	"fmt"
)

// Domain errors for the Home Assistant session.
var (
	// ErrNotConfigured is returned by New when no access token is configured.
	// Collaborators treat this as "Home Assistant integration disabled".
	ErrNotConfigured = errors.New("hass: not configured")

	// ErrNotConnected is returned when no session has ever been established
	// and no connection attempt is in progress.
	ErrNotConnected = errors.New("hass: not connected")

	// ErrAuthenticationFailed is returned when the hub rejects the access token.
	// It is terminal: the session does not retry and every later call fails with it.
	ErrAuthenticationFailed = errors.New("hass: authentication failed")

	// ErrTimeout is returned when a request is not resolved within its wait budget.
	ErrTimeout = errors.New("hass: request timed out")

	// ErrCancelled is returned when the caller withdrew before resolution.
	ErrCancelled = errors.New("hass: request cancelled")

	// ErrTransportLost is returned to non-resendable requests that were already
	// written when the connection dropped.
	ErrTransportLost = errors.New("hass: transport lost")

	// ErrUnavailable is returned when reconnection has failed MaxAttempts times in a row.
	ErrUnavailable = errors.New("hass: hub unavailable")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("hass: session closed")

	// ErrMalformedFrame is returned by the codec for frames it cannot decode.
	ErrMalformedFrame = errors.New("hass: malformed frame")

	// ErrHub matches any *HubError via errors.Is.
	ErrHub = errors.New("hass: hub returned an error")
)

// HubError is a structured failure returned by the hub for one request.
type HubError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hass: hub error %s: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrHub) match.
func (e *HubError) Unwrap() error {
	return ErrHub
}
