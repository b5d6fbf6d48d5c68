package websocket

import "errors"

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection id already registered")
)

// Handler-related errors
var (
	ErrUnsupportedTransport = errors.New("only the websocket transport is supported; connect with transports=[\"websocket\"]")
	ErrUnsupportedProtocol  = errors.New("unsupported Engine.IO protocol version")
)
