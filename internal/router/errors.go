package router

import "errors"

var (
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNotInOffice       = errors.New("connection has not joined an office")
	ErrOfficeMismatch    = errors.New("office_id does not match the sender's office")
	ErrRoleNotAllowed    = errors.New("role may not send this event")
	ErrAgentMismatch     = errors.New("agent does not match the sender's name")
	ErrComputerMismatch  = errors.New("computer does not match the sender's name")
	ErrRouterClosed      = errors.New("router closed")
)
