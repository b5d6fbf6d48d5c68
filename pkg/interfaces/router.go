package interfaces

import (
	"encoding/json"

	"smcp/pkg/socketio"
)

// EventRouter owns the protocol state machine for every connection.
type EventRouter interface {
	// Attach is called once the namespace handshake has succeeded.
	Attach(conn Connection)

	// HandleEvent processes one inbound event in connection order. ack is
	// nil when the sender did not request one.
	HandleEvent(conn Connection, event string, args []json.RawMessage, ack socketio.Ack)

	// Disconnect releases everything the connection held.
	Disconnect(conn Connection)
}
