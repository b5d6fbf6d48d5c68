package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Options tunes a connection. Zero fields take the DefaultOptions value.
type Options struct {
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MaxPayload       int64
	WriteTimeout     time.Duration
	QueueSize        int
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// DefaultOptions mirrors the Socket.IO v4 server defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:     25 * time.Second,
		PingTimeout:      20 * time.Second,
		MaxPayload:       1_000_000,
		WriteTimeout:     5 * time.Second,
		QueueSize:        100,
		HandshakeTimeout: 10 * time.Second,
		Logger:           slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = d.PingTimeout
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = d.MaxPayload
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}

// Ack answers an inbound event that requested acknowledgement. Only the
// first call is sent.
type Ack func(args ...any) error

// Handler receives inbound events. ack is nil when the sender did not ask
// for one.
type Handler func(event string, args []json.RawMessage, ack Ack)

// Conn is one namespace connection over a websocket.
// ARCHITECTURAL DISCOVERY: gorilla/websocket allows one concurrent writer,
// so every frame goes through writeLoop; the queue is never closed, senders
// select on ctx instead.
type Conn struct {
	id        string
	namespace string
	ws        *websocket.Conn
	opts      Options
	server    bool

	header http.Header
	auth   json.RawMessage

	writeCh chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error

	ackMu   sync.Mutex
	nextAck int64
	acks    map[int64]func([]json.RawMessage)
}

func newConn(ws *websocket.Conn, id, namespace string, opts Options, server bool) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:        id,
		namespace: namespace,
		ws:        ws,
		opts:      opts,
		server:    server,
		writeCh:   make(chan []byte, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		acks:      make(map[int64]func([]json.RawMessage)),
	}
	go c.writeLoop()
	if server {
		go c.heartbeat()
	}
	return c
}

// ID returns the namespace socket id, stable for the connection's lifetime.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Namespace() string { return c.namespace }

// Header returns the HTTP headers of the upgrade request (server side).
func (c *Conn) Header() http.Header { return c.header }

// Auth returns the CONNECT auth payload (server side).
func (c *Conn) Auth() json.RawMessage { return c.auth }

func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// Done is closed once the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the reason the connection closed, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.closeWith(err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.closeWith(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// heartbeat sends Engine.IO pings; the client must answer within the read
// deadline set in Serve.
func (c *Conn) heartbeat() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.enqueue([]byte{enginePing}, false); err != nil && !errors.Is(err, ErrQueueFull) {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue hands a frame to the writer. Blocking sends give up after the
// write timeout.
func (c *Conn) enqueue(frame []byte, block bool) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	if !block {
		select {
		case c.writeCh <- frame:
			return nil
		case <-c.ctx.Done():
			return ErrConnectionClosed
		default:
			return ErrQueueFull
		}
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- frame:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Emit sends an event without asking for an ack.
func (c *Conn) Emit(event string, args ...any) error {
	p, err := EventPacket(c.namespace, NoAck, event, args...)
	if err != nil {
		return err
	}
	return c.enqueue(p.Encode(), true)
}

// TryEmit is Emit that fails with ErrQueueFull instead of waiting.
func (c *Conn) TryEmit(event string, args ...any) error {
	p, err := EventPacket(c.namespace, NoAck, event, args...)
	if err != nil {
		return err
	}
	return c.enqueue(p.Encode(), false)
}

// EmitWithAck sends event with payload as its single argument and invokes
// ack with the peer's answer. ack is never invoked if the connection
// closes first.
func (c *Conn) EmitWithAck(event string, payload any, ack func(args []json.RawMessage)) error {
	c.ackMu.Lock()
	id := c.nextAck
	c.nextAck++
	c.acks[id] = ack
	c.ackMu.Unlock()

	p, err := EventPacket(c.namespace, id, event, payload)
	if err == nil {
		err = c.enqueue(p.Encode(), true)
	}
	if err != nil {
		c.ackMu.Lock()
		delete(c.acks, id)
		c.ackMu.Unlock()
		return err
	}
	return nil
}

func (c *Conn) makeAck(id int64) Ack {
	var sent atomic.Bool
	return func(args ...any) error {
		if !sent.CompareAndSwap(false, true) {
			return ErrAckAlreadySent
		}
		p, err := AckPacket(c.namespace, id, args...)
		if err != nil {
			return err
		}
		return c.enqueue(p.Encode(), true)
	}
}

// Serve runs the read loop until the connection closes, dispatching
// events to h in arrival order. It returns nil on an orderly close.
func (c *Conn) Serve(h Handler) error {
	defer c.Close()

	c.ws.SetReadLimit(c.opts.MaxPayload)
	deadline := c.opts.PingInterval + c.opts.PingTimeout

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return nil
			default:
			}
			if isExpectedClose(err) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}

		switch data[0] {
		case enginePing:
			pong := append([]byte{enginePong}, data[1:]...)
			if err := c.enqueue(pong, false); err != nil && !errors.Is(err, ErrQueueFull) {
				return nil
			}
		case enginePong, engineNoop, engineUpgrade:
		case engineClose:
			return nil
		case engineMessage:
			if done := c.dispatch(data[1:], h); done {
				return nil
			}
		default:
			c.opts.Logger.Debug("ignoring engine packet", "sid", c.id, "type", string(data[0]))
		}
	}
}

func (c *Conn) dispatch(data []byte, h Handler) bool {
	p, err := DecodePacket(data)
	if err != nil {
		c.opts.Logger.Warn("dropping malformed packet", "sid", c.id, "error", err)
		return false
	}
	if p.Namespace != c.namespace {
		return false
	}

	switch p.Type {
	case PacketEvent:
		event, args, err := SplitEvent(p.Data)
		if err != nil {
			c.opts.Logger.Warn("dropping malformed event", "sid", c.id, "error", err)
			return false
		}
		var ack Ack
		if p.AckID >= 0 {
			ack = c.makeAck(p.AckID)
		}
		h(event, args, ack)
	case PacketAck:
		c.ackMu.Lock()
		fn, ok := c.acks[p.AckID]
		delete(c.acks, p.AckID)
		c.ackMu.Unlock()
		if !ok {
			return false
		}
		args, err := SplitAck(p.Data)
		if err != nil {
			c.opts.Logger.Warn("dropping malformed ack", "sid", c.id, "error", err)
			return false
		}
		fn(args)
	case PacketDisconnect:
		return true
	}
	return false
}

// Close shuts the connection down. Outstanding EmitWithAck callbacks are
// dropped.
func (c *Conn) Close() error {
	return c.closeWith(nil)
}

func (c *Conn) closeWith(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = reason
		c.errMu.Unlock()
		c.cancel()

		// WriteControl is the one write gorilla allows alongside writeLoop.
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()

		c.ackMu.Lock()
		c.acks = make(map[int64]func([]json.RawMessage))
		c.ackMu.Unlock()
	})
	return err
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
