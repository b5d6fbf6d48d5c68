package auth

import (
	"fmt"

	"smcp/pkg/interfaces"
)

// ErrUnauthorized is the root of every authentication failure.
var ErrUnauthorized = interfaces.ErrUnauthorized

var (
	ErrMissingCredential = fmt.Errorf("%w: missing api key", ErrUnauthorized)
	ErrInvalidCredential = fmt.Errorf("%w: invalid api key", ErrUnauthorized)
)
