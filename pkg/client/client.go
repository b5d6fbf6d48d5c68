// Package client connects Agents and Computers to an SMCP server.
//
// Both roles dial the /smcp namespace, join an office and from then on
// talk through the server: an Agent issues requests addressed to a named
// Computer, and a Computer answers them with registered handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"smcp/internal/rpc"
	"smcp/pkg/socketio"
	"smcp/pkg/types"
)

// Options configures a client connection.
type Options struct {
	// APIKey is sent in the CONNECT auth payload when set.
	APIKey string
	// Header is added to the websocket upgrade request.
	Header http.Header
	// Timeout is the default deadline of requests sent by the client.
	Timeout time.Duration
	// NotifyBuffer bounds notifications waiting for their callbacks.
	NotifyBuffer int
	Socket       socketio.Options
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = rpc.DefaultTimeout
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Socket.Logger == nil {
		o.Socket.Logger = o.Logger
	}
	return o
}

// NotifyFunc receives the raw payload of a notify:* event.
type NotifyFunc func(payload json.RawMessage)

type notification struct {
	event   string
	payload json.RawMessage
}

// requestFunc handles a server-initiated request that carries an ack.
type requestFunc func(event string, args []json.RawMessage, ack socketio.Ack)

// session is the connection state shared by Agents and Computers.
type session struct {
	role   types.Role
	name   string
	conn   *socketio.Conn
	caller *rpc.Caller
	opts   Options
	logger *slog.Logger

	onRequest requestFunc

	mu       sync.RWMutex
	office   string
	handlers map[string][]NotifyFunc

	notifications chan notification
	done          chan struct{}
	serveErr      error
}

func dial(ctx context.Context, url string, role types.Role, name string, opts Options, onRequest requestFunc) (*session, error) {
	if !types.IsValidName(name) {
		return nil, types.ErrInvalidName
	}
	opts = opts.withDefaults()

	var auth any
	if opts.APIKey != "" {
		auth = map[string]string{"api_key": opts.APIKey}
	}
	conn, err := socketio.Dial(ctx, url, types.Namespace, auth, opts.Header, opts.Socket)
	if err != nil {
		return nil, err
	}

	s := &session{
		role:          role,
		name:          name,
		conn:          conn,
		caller:        rpc.NewCaller(opts.Timeout),
		opts:          opts,
		logger:        opts.Logger.With("role", string(role), "name", name, "sid", conn.ID()),
		onRequest:     onRequest,
		handlers:      make(map[string][]NotifyFunc),
		notifications: make(chan notification, opts.NotifyBuffer),
		done:          make(chan struct{}),
	}

	go s.deliverNotifications()
	go s.serve()
	return s, nil
}

func (s *session) serve() {
	err := s.conn.Serve(s.dispatch)
	s.caller.Close(rpc.ErrConnectionClosed)

	s.mu.Lock()
	s.serveErr = err
	s.office = ""
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("connection lost", "error", err)
	}
	close(s.done)
}

// dispatch runs on the read loop and must never block on the peer.
func (s *session) dispatch(event string, args []json.RawMessage, ack socketio.Ack) {
	if strings.HasPrefix(event, "notify:") {
		var payload json.RawMessage
		if len(args) > 0 {
			payload = args[0]
		}
		select {
		case s.notifications <- notification{event: event, payload: payload}:
		default:
			s.logger.Warn("notification buffer full, dropping", "event", event)
		}
		return
	}

	if s.onRequest != nil {
		s.onRequest(event, args, ack)
		return
	}
	if ack != nil {
		_ = ack(types.NewErrorRet(types.CodeInvalidRequest, "unsupported event "+event, ""))
	}
}

// Callbacks run one at a time in arrival order, off the read loop, so a
// callback may issue requests of its own.
func (s *session) deliverNotifications() {
	for {
		select {
		case n := <-s.notifications:
			s.mu.RLock()
			handlers := append([]NotifyFunc(nil), s.handlers[n.event]...)
			handlers = append(handlers, s.handlers["*"]...)
			s.mu.RUnlock()
			for _, fn := range handlers {
				fn(n.payload)
			}
		case <-s.done:
			return
		}
	}
}

// OnNotify registers fn for a notify:* event. The event "*" matches every
// notification.
func (s *session) OnNotify(event string, fn NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// ID is the server-assigned connection id.
func (s *session) ID() string { return s.conn.ID() }

func (s *session) Name() string { return s.name }

// Office returns the office joined through this client, if any.
func (s *session) Office() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.office
}

// Done is closed when the connection ends.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns why the connection ended, nil for an orderly close.
func (s *session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serveErr
}

// Close disconnects and waits for the read loop to finish.
func (s *session) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

// JoinOffice enters officeID, leaving any office joined before.
func (s *session) JoinOffice(ctx context.Context, officeID string) error {
	req := types.EnterOfficeReq{Role: s.role, Name: s.name, OfficeID: officeID}
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.status(ctx, types.EventJoinOffice, req); err != nil {
		return fmt.Errorf("join office %s: %w", officeID, err)
	}
	s.mu.Lock()
	s.office = officeID
	s.mu.Unlock()
	return nil
}

// LeaveOffice leaves the current office.
func (s *session) LeaveOffice(ctx context.Context) error {
	officeID := s.Office()
	if officeID == "" {
		return ErrNotInOffice
	}
	if err := s.status(ctx, types.EventLeaveOffice, types.LeaveOfficeReq{OfficeID: officeID}); err != nil {
		return fmt.Errorf("leave office %s: %w", officeID, err)
	}
	s.mu.Lock()
	if s.office == officeID {
		s.office = ""
	}
	s.mu.Unlock()
	return nil
}

// status sends a single-leg request answered with (ok, message).
func (s *session) status(ctx context.Context, event string, payload any) error {
	args, err := s.caller.Call(ctx, s.conn, event, payload, rpc.CallOptions{})
	if err != nil {
		return err
	}
	return statusOf(args)
}

func statusOf(args []json.RawMessage) error {
	var ok bool
	if err := json.Unmarshal(args[0], &ok); err != nil {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, args[0])
	}
	if ok {
		return nil
	}
	var message string
	if len(args) > 1 {
		_ = json.Unmarshal(args[1], &message)
	}
	return fmt.Errorf("%w: %s", ErrRejected, message)
}

// decodeResult unmarshals a successful answer into v. A (false, message)
// answer becomes ErrRejected; anything else that is not an object is
// ErrUnexpectedResponse.
func decodeResult(args []json.RawMessage, v any) error {
	first := strings.TrimSpace(string(args[0]))
	if first == "false" {
		return statusOf(args)
	}
	if !strings.HasPrefix(first, "{") {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, first)
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}
