package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPixel is returned when the pixel ID does not exist.
	ErrUnknownPixel = errors.New("unknown pixel")

	// ErrInactivePixel is returned when the pixel or its project is disabled.
	ErrInactivePixel = errors.New("pixel is inactive")

	// ErrEventIDUnavailable is returned when the event row was written but
	// its ID could not be recovered. Fatal for the ingest request.
	ErrEventIDUnavailable = errors.New("event id unavailable after insert")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
