package interfaces

import "encoding/json"

// Connection is the server's handle on one connected party.
// ARCHITECTURAL DISCOVERY: Router and broadcaster depend on this interface
// instead of the socket type, so both run against in-memory fakes in tests.
type Connection interface {
	// ID returns the transport-assigned connection id.
	ID() string

	// Emit sends an event, waiting for queue space up to the write timeout.
	Emit(event string, args ...any) error

	// TryEmit sends an event without waiting; a full queue is an error.
	TryEmit(event string, args ...any) error

	// EmitWithAck sends event and calls ack with the peer's answer.
	EmitWithAck(event string, payload any, ack func(args []json.RawMessage)) error

	Close() error

	// Done is closed when the connection has shut down.
	Done() <-chan struct{}
}
