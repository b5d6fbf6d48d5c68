package client

import "errors"

var (
	ErrNotInOffice        = errors.New("client: not in an office")
	ErrRejected           = errors.New("client: request rejected by server")
	ErrUnexpectedResponse = errors.New("client: unexpected response")
	ErrUnsupported        = errors.New("client: request not supported")
)
