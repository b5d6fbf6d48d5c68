// Package socketio speaks the Socket.IO v4 protocol (Engine.IO v4 framing)
// over a gorilla websocket. Only the websocket transport is implemented.
package socketio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO packet types, sent as the first byte of every text frame.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// PacketType is the Socket.IO packet type carried inside an Engine.IO
// message.
type PacketType byte

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	case PacketBinaryEvent:
		return "BINARY_EVENT"
	case PacketBinaryAck:
		return "BINARY_ACK"
	}
	return "UNKNOWN"
}

// NoAck marks a packet without an ack id.
const NoAck int64 = -1

// Packet is one decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     int64
	Data      json.RawMessage
}

// Encode renders p as an Engine.IO message frame.
func (p Packet) Encode() []byte {
	var b bytes.Buffer
	b.WriteByte(engineMessage)
	b.WriteByte('0' + byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.AckID >= 0 {
		b.WriteString(strconv.FormatInt(p.AckID, 10))
	}
	b.Write(p.Data)
	return b.Bytes()
}

// DecodePacket parses the Socket.IO payload of an Engine.IO message, that
// is the frame without its leading '4'.
func DecodePacket(data []byte) (Packet, error) {
	p := Packet{Namespace: "/", AckID: NoAck}
	if len(data) == 0 {
		return p, ErrMalformedPacket
	}

	t := data[0]
	if t < '0' || t > '6' {
		return p, fmt.Errorf("%w: unknown type %q", ErrMalformedPacket, t)
	}
	p.Type = PacketType(t - '0')
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		return p, ErrBinaryPacket
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.ParseInt(string(rest[:i]), 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.AckID = id
		rest = rest[i:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return p, fmt.Errorf("%w: payload is not JSON", ErrMalformedPacket)
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventPacket builds an EVENT packet for event with the given arguments.
func EventPacket(namespace string, ackID int64, event string, args ...any) (Packet, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return Packet{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Packet{Type: PacketEvent, Namespace: namespace, AckID: ackID, Data: data}, nil
}

// AckPacket builds the ACK answering ackID.
func AckPacket(namespace string, ackID int64, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, fmt.Errorf("encode ack: %w", err)
	}
	return Packet{Type: PacketAck, Namespace: namespace, AckID: ackID, Data: data}, nil
}

// SplitEvent separates an EVENT payload into its name and arguments.
func SplitEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return "", nil, fmt.Errorf("%w: event payload must be a non-empty array", ErrMalformedPacket)
	}
	var event string
	if err := json.Unmarshal(items[0], &event); err != nil {
		return "", nil, fmt.Errorf("%w: event name must be a string", ErrMalformedPacket)
	}
	return event, items[1:], nil
}

// SplitAck returns the arguments of an ACK payload.
func SplitAck(data json.RawMessage) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: ack payload must be an array", ErrMalformedPacket)
	}
	return items, nil
}
