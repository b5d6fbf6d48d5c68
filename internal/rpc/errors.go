package rpc

import (
	"errors"
	"fmt"

	"smcp/pkg/types"
)

var (
	ErrTimeout          = errors.New("rpc: timed out waiting for response")
	ErrConnectionClosed = errors.New("rpc: connection closed")
	ErrReqIDMismatch    = errors.New("rpc: response req_id does not match the request")
	ErrTargetNotFound   = errors.New("rpc: target not found")
	ErrRemote           = errors.New("rpc: remote reported failure")
	ErrDuplicateRequest = errors.New("rpc: request id already in flight")
	ErrEmptyResponse    = errors.New("rpc: empty response")
	ErrCanceled         = errors.New("rpc: call canceled")
)

// RemoteError is an error body the peer returned in place of a result.
type RemoteError struct {
	Code    types.ErrorCode
	Message string
	ReqID   string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc: remote error %s", e.Code)
	}
	return fmt.Sprintf("rpc: remote error %s: %s", e.Code, e.Message)
}

// Is lets callers test a relayed error against the local sentinels, so an
// Agent sees a server-reported target_not_found as ErrTargetNotFound.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case types.CodeTargetNotFound:
		return target == ErrTargetNotFound
	case types.CodeTimeout:
		return target == ErrTimeout
	case types.CodeConnectionClosed:
		return target == ErrConnectionClosed
	case types.CodeReqIDMismatch:
		return target == ErrReqIDMismatch
	case types.CodeDuplicateRequest:
		return target == ErrDuplicateRequest
	case types.CodeRemoteError:
		return target == ErrRemote
	}
	return false
}

// CodeOf classifies a Call error for the wire. A RemoteError always counts
// as remote_error: whatever code the peer chose, it did answer.
func CodeOf(err error) types.ErrorCode {
	var remote *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		return types.CodeRemoteError
	case errors.Is(err, ErrTargetNotFound):
		return types.CodeTargetNotFound
	case errors.Is(err, ErrTimeout):
		return types.CodeTimeout
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrCanceled):
		return types.CodeConnectionClosed
	case errors.Is(err, ErrReqIDMismatch):
		return types.CodeReqIDMismatch
	case errors.Is(err, ErrDuplicateRequest):
		return types.CodeDuplicateRequest
	case errors.Is(err, ErrEmptyResponse):
		return types.CodeRemoteError
	}
	return types.CodeInternal
}
