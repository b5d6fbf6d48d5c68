package socketio

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed = errors.New("socketio: connection closed")
	ErrWriteTimeout     = errors.New("socketio: write timeout")
	ErrQueueFull        = errors.New("socketio: outbound queue full")
	ErrAckAlreadySent   = errors.New("socketio: ack already sent")
	ErrMalformedPacket  = errors.New("socketio: malformed packet")
	ErrBinaryPacket     = errors.New("socketio: binary packets are not supported")
	ErrHandshake        = errors.New("socketio: handshake failed")
	ErrConnectRefused   = errors.New("socketio: namespace connect refused")
)

// ConnectError is the CONNECT_ERROR reply a server sends when it refuses a
// namespace connection.
type ConnectError struct {
	Namespace string
	Message   string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("socketio: connect to %s refused: %s", e.Namespace, e.Message)
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectRefused
}
