package api

import (
	"errors"
	"net/http"

	"github.com/sitebeacon/beacon/pkg/tracking"
)

// Generic messages used in production, where internal detail must not leak.
const (
	genericClientError = "invalid request"
	genericServerError = "internal error"
)

// mapServiceError translates a pipeline error into an HTTP status and a
// client-facing message. In production the message is generic; elsewhere it
// carries the real error for debugging.
func mapServiceError(err error, production bool) (int, string) {
	var status int
	switch {
	case tracking.IsValidationError(err),
		errors.Is(err, tracking.ErrUnknownPixel),
		errors.Is(err, tracking.ErrInactivePixel):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}

	if production {
		if status == http.StatusBadRequest {
			return status, genericClientError
		}
		return status, genericServerError
	}
	return status, err.Error()
}
