package types

import "errors"

// ErrorCode is the wire-level classification of a failed request.
type ErrorCode string

// ARCHITECTURAL DISCOVERY: Codes keep "Computer absent", "Computer silent"
// and "Computer said no" apart so callers can pick retry, reconfigure or
// give up.
const (
	CodeTargetNotFound   ErrorCode = "target_not_found"
	CodeTimeout          ErrorCode = "timeout"
	CodeConnectionClosed ErrorCode = "connection_closed"
	CodeRemoteError      ErrorCode = "remote_error"
	CodeReqIDMismatch    ErrorCode = "req_id_mismatch"
	CodeIdentityConflict ErrorCode = "identity_conflict"
	CodeInvalidRequest   ErrorCode = "invalid_request"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeDuplicateRequest ErrorCode = "duplicate_request"
	CodeInternal         ErrorCode = "internal"
)

var (
	ErrInvalidRole      = errors.New("role must be 'agent' or 'computer'")
	ErrInvalidName      = errors.New("name must be 1-128 printable characters without whitespace")
	ErrInvalidOfficeID  = errors.New("office_id must be 1-128 printable characters without whitespace")
	ErrInvalidRequestID = errors.New("req_id must be 32 lowercase hex characters")
	ErrMissingAgent     = errors.New("agent name is required")
	ErrMissingComputer  = errors.New("computer name is required")
	ErrMissingToolName  = errors.New("tool_name is required")
	ErrInvalidTimeout   = errors.New("timeout must not be negative")
	ErrMissingPayload   = errors.New("missing payload")
)
