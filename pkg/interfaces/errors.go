package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrJournalUnavailable = errors.New("event journal unavailable")
)
