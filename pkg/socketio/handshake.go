package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Path is where Socket.IO servers conventionally listen.
const Path = "/socket.io/"

// openPayload is the Engine.IO handshake body.
type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// Authorizer decides whether a CONNECT carrying auth may proceed. The
// returned error's text is sent to the client in CONNECT_ERROR.
type Authorizer func(auth json.RawMessage) error

// Accept performs the server side of the Engine.IO and Socket.IO handshakes
// on an upgraded websocket. On any failure the websocket is closed.
func Accept(ws *websocket.Conn, header http.Header, namespace string, opts Options, authorize Authorizer) (*Conn, error) {
	opts = opts.withDefaults()

	open, err := json.Marshal(openPayload{
		SID:          uuid.NewString(),
		Upgrades:     []string{},
		PingInterval: opts.PingInterval.Milliseconds(),
		PingTimeout:  opts.PingTimeout.Milliseconds(),
		MaxPayload:   opts.MaxPayload,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if err := writeFrame(ws, deadline, append([]byte{engineOpen}, open...)); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	connect, err := awaitConnect(ws, deadline, namespace)
	if err != nil {
		ws.Close()
		return nil, err
	}

	if authorize != nil {
		if err := authorize(connect.Data); err != nil {
			refusal, _ := json.Marshal(map[string]string{"message": err.Error()})
			_ = writeFrame(ws, deadline, Packet{Type: PacketConnectError, Namespace: namespace, AckID: NoAck, Data: refusal}.Encode())
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
			ws.Close()
			return nil, err
		}
	}

	socketID := uuid.NewString()
	ok, _ := json.Marshal(map[string]string{"sid": socketID})
	if err := writeFrame(ws, deadline, Packet{Type: PacketConnect, Namespace: namespace, AckID: NoAck, Data: ok}.Encode()); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	c := newConn(ws, socketID, namespace, opts, true)
	c.header = header
	c.auth = connect.Data
	return c, nil
}

// awaitConnect reads frames until the client's CONNECT for namespace.
// CONNECTs to other namespaces are refused and the wait continues.
func awaitConnect(ws *websocket.Conn, deadline time.Time, namespace string) (Packet, error) {
	if err := ws.SetReadDeadline(deadline); err != nil {
		return Packet{}, err
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return Packet{}, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if len(data) == 0 || data[0] != engineMessage {
			continue
		}
		p, err := DecodePacket(data[1:])
		if err != nil || p.Type != PacketConnect {
			continue
		}
		if p.Namespace != namespace {
			refusal, _ := json.Marshal(map[string]string{"message": "Invalid namespace"})
			_ = writeFrame(ws, deadline, Packet{Type: PacketConnectError, Namespace: p.Namespace, AckID: NoAck, Data: refusal}.Encode())
			continue
		}
		return p, nil
	}
}

func writeFrame(ws *websocket.Conn, deadline time.Time, frame []byte) error {
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// DialURL turns a server base URL such as http://host:port into the
// Socket.IO websocket endpoint.
func DialURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	} else if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to a Socket.IO server and joins namespace, sending auth in
// the CONNECT packet. A refusal is returned as *ConnectError.
func Dial(ctx context.Context, base, namespace string, auth any, header http.Header, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	endpoint, err := DialURL(base)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c, err := clientHandshake(ws, deadline, namespace, auth, opts)
	if err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

func clientHandshake(ws *websocket.Conn, deadline time.Time, namespace string, auth any, opts Options) (*Conn, error) {
	if err := ws.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if len(data) == 0 || data[0] != engineOpen {
		return nil, fmt.Errorf("%w: expected open packet", ErrHandshake)
	}
	var open openPayload
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return nil, fmt.Errorf("%w: open payload: %v", ErrHandshake, err)
	}
	if open.PingInterval > 0 {
		opts.PingInterval = time.Duration(open.PingInterval) * time.Millisecond
	}
	if open.PingTimeout > 0 {
		opts.PingTimeout = time.Duration(open.PingTimeout) * time.Millisecond
	}
	if open.MaxPayload > 0 {
		opts.MaxPayload = open.MaxPayload
	}

	connect := Packet{Type: PacketConnect, Namespace: namespace, AckID: NoAck}
	if auth != nil {
		if connect.Data, err = json.Marshal(auth); err != nil {
			return nil, fmt.Errorf("encode auth: %w", err)
		}
	}
	if err := writeFrame(ws, deadline, connect.Encode()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if len(data) == 0 || data[0] != engineMessage {
			continue
		}
		p, err := DecodePacket(data[1:])
		if err != nil || p.Namespace != namespace {
			continue
		}

		switch p.Type {
		case PacketConnect:
			var ok struct {
				SID string `json:"sid"`
			}
			_ = json.Unmarshal(p.Data, &ok)
			return newConn(ws, ok.SID, namespace, opts, false), nil
		case PacketConnectError:
			var refusal struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(p.Data, &refusal)
			return nil, &ConnectError{Namespace: namespace, Message: refusal.Message}
		}
	}
}
