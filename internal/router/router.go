package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smcp/internal/hub"
	"smcp/internal/rpc"
	"smcp/internal/session"
	"smcp/pkg/interfaces"
	"smcp/pkg/socketio"
	"smcp/pkg/types"
)

// Broadcaster queues a notification for the members of an office.
type Broadcaster interface {
	Broadcast(officeID, event string, payload any, exclude string) error
}

// Config tunes the router.
type Config struct {
	// DefaultCallTimeout bounds a bridged call whose request names no
	// timeout of its own.
	DefaultCallTimeout time.Duration
	// MaxCallTimeout caps any requested timeout.
	MaxCallTimeout time.Duration
	// BridgeGrace is added to the second-leg deadline to get the first-leg
	// deadline.
	BridgeGrace time.Duration

	RatePerSecond float64
	RateBurst     int
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCallTimeout: rpc.DefaultTimeout,
		MaxCallTimeout:     5 * time.Minute,
		BridgeGrace:        2 * time.Second,
		RatePerSecond:      50,
		RateBurst:          100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultCallTimeout <= 0 {
		c.DefaultCallTimeout = d.DefaultCallTimeout
	}
	if c.MaxCallTimeout <= 0 {
		c.MaxCallTimeout = d.MaxCallTimeout
	}
	if c.MaxCallTimeout < c.DefaultCallTimeout {
		c.MaxCallTimeout = c.DefaultCallTimeout
	}
	if c.BridgeGrace < 0 {
		c.BridgeGrace = 0
	}
	return c
}

// Router is the protocol state machine. It validates every inbound event
// against the session registry, answers single-leg requests directly and
// bridges Agent requests to the named Computer.
// ARCHITECTURAL DISCOVERY: The router owns no membership state of its own;
// the session registry is the single source of truth, and the only state
// kept here is the in-flight bridge table needed to cancel first legs.
type Router struct {
	sessions *session.Registry
	conns    hub.Connections
	notify   Broadcaster
	bridge   *rpc.Caller
	limiter  *RateLimiter
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelFunc
	closed   bool

	lostReplies atomic.Uint64
}

// NewRouter wires a router over the given registry, connection table and
// broadcaster.
func NewRouter(sessions *session.Registry, conns hub.Connections, notify Broadcaster, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		sessions: sessions,
		conns:    conns,
		notify:   notify,
		bridge:   rpc.NewCaller(cfg.DefaultCallTimeout),
		limiter:  NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst),
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]map[string]context.CancelFunc),
	}
}

// Attach is called once a connection has passed the handshake.
func (r *Router) Attach(conn interfaces.Connection) {
	r.logger.Debug("connection attached", "sid", conn.ID())
}

// HandleEvent dispatches one inbound event.
func (r *Router) HandleEvent(conn interfaces.Connection, event string, args []json.RawMessage, ack socketio.Ack) {
	if !r.limiter.Allow(conn.ID()) {
		r.logger.Warn("event rate limited", "sid", conn.ID(), "event", event)
		r.reject(event, args, ack, ErrRateLimitExceeded)
		return
	}

	switch event {
	case types.EventJoinOffice:
		replyStatus(ack, r.joinOffice(conn, args))
	case types.EventLeaveOffice:
		replyStatus(ack, r.leaveOffice(conn, args))
	case types.EventListRoom:
		ret, err := r.listRoom(conn, args)
		if err != nil {
			replyStatus(ack, err)
			return
		}
		reply(ack, ret)
	case types.EventUpdateConfig, types.EventUpdateToolList, types.EventUpdateDesktop:
		replyStatus(ack, r.updateComputer(conn, event, args))
	case types.EventToolCallCancel:
		replyStatus(ack, r.cancelToolCall(conn, args))
	case types.EventGetTools, types.EventGetConfig, types.EventGetDesktop, types.EventToolCall:
		r.bridgeRequest(conn, event, args, ack)
	default:
		r.logger.Debug("unknown event", "sid", conn.ID(), "event", event)
		replyStatus(ack, fmt.Errorf("%w: %s", ErrUnknownEvent, event))
	}
}

// Disconnect releases everything conn held: its registry entry, the second
// legs addressed to it and the bridges it started.
func (r *Router) Disconnect(conn interfaces.Connection) {
	id := conn.ID()

	if entry, ok := r.sessions.Remove(id); ok {
		r.logger.Info("session removed", "sid", id, "role", entry.Role, "name", entry.Name, "office_id", entry.OfficeID)
		if entry.InOffice() {
			r.broadcast(entry.OfficeID, types.NotifyLeaveOffice, types.NewOfficeNotification(entry.OfficeID, entry.Role, entry.Name), id)
		}
	}

	if n := r.bridge.CancelPeer(id, rpc.ErrConnectionClosed); n > 0 {
		r.logger.Info("failed bridged calls to departed computer", "sid", id, "count", n)
	}

	r.mu.Lock()
	calls := r.inflight[id]
	delete(r.inflight, id)
	r.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}

	r.limiter.Forget(id)
}

// Close fails every in-flight bridge and waits for them to finish.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.bridge.Close(rpc.ErrConnectionClosed)
	r.cancel()
	r.wg.Wait()
}

// Stats returns router counters for the admin API.
func (r *Router) Stats() map[string]interface{} {
	r.mu.Lock()
	inflight := 0
	for _, calls := range r.inflight {
		inflight += len(calls)
	}
	r.mu.Unlock()

	return map[string]interface{}{
		"inflight_bridges": inflight,
		"pending_calls":    r.bridge.Pending(),
		"rate_limited":     r.limiter.Len(),
		"lost_replies":     r.lostReplies.Load(),
	}
}

func (r *Router) joinOffice(conn interfaces.Connection, args []json.RawMessage) error {
	var req types.EnterOfficeReq
	if err := decode(args, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	prev, err := r.sessions.Enter(conn.ID(), req.Role, req.Name, req.OfficeID)
	if err != nil {
		r.logger.Info("join rejected", "sid", conn.ID(), "role", req.Role, "name", req.Name, "office_id", req.OfficeID, "error", err)
		return err
	}
	if prev == req.OfficeID {
		return nil
	}

	// FUNCTIONAL DISCOVERY: Switching offices is an implicit leave, so the
	// old office hears about it before the new one does.
	if prev != "" {
		r.broadcast(prev, types.NotifyLeaveOffice, types.NewOfficeNotification(prev, req.Role, req.Name), conn.ID())
	}
	r.broadcast(req.OfficeID, types.NotifyEnterOffice, types.NewOfficeNotification(req.OfficeID, req.Role, req.Name), conn.ID())

	r.logger.Info("joined office", "sid", conn.ID(), "role", req.Role, "name", req.Name, "office_id", req.OfficeID)
	return nil
}

func (r *Router) leaveOffice(conn interfaces.Connection, args []json.RawMessage) error {
	var req types.LeaveOfficeReq
	if err := decode(args, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	entry, ok := r.sessions.Get(conn.ID())
	if !ok {
		return session.ErrNotRegistered
	}
	if !entry.InOffice() {
		return nil
	}
	if entry.OfficeID != req.OfficeID {
		return ErrOfficeMismatch
	}

	if office, left := r.sessions.LeaveOffice(conn.ID()); left {
		r.broadcast(office, types.NotifyLeaveOffice, types.NewOfficeNotification(office, entry.Role, entry.Name), conn.ID())
		r.logger.Info("left office", "sid", conn.ID(), "name", entry.Name, "office_id", office)
	}
	return nil
}

func (r *Router) listRoom(conn interfaces.Connection, args []json.RawMessage) (*types.ListRoomRet, error) {
	var req types.ListRoomReq
	if err := decode(args, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	entry, err := r.authorizeAgent(conn, &req.AgentCallData)
	if err != nil {
		return nil, err
	}
	return &types.ListRoomRet{Sessions: r.sessions.Members(entry.OfficeID), ReqID: req.ReqID}, nil
}

func (r *Router) updateComputer(conn interfaces.Connection, event string, args []json.RawMessage) error {
	var req types.UpdateComputerReq
	if err := decode(args, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	entry, err := r.inOffice(conn)
	if err != nil {
		return err
	}
	if entry.Role != types.RoleComputer {
		return ErrRoleNotAllowed
	}
	if entry.Name != req.Computer {
		return ErrComputerMismatch
	}

	notification, _ := types.NotificationFor(event)
	r.broadcast(entry.OfficeID, notification, types.UpdateComputerNotification{Computer: entry.Name, OfficeID: entry.OfficeID}, conn.ID())
	return nil
}

func (r *Router) cancelToolCall(conn interfaces.Connection, args []json.RawMessage) error {
	var req types.AgentCallData
	if err := decode(args, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	entry, err := r.authorizeAgent(conn, &req)
	if err != nil {
		return err
	}

	req.OfficeID = entry.OfficeID
	r.broadcast(entry.OfficeID, types.NotifyToolCallCancel, req, conn.ID())
	return nil
}

// inOffice resolves the sender's entry and requires an office.
func (r *Router) inOffice(conn interfaces.Connection) (types.SessionEntry, error) {
	entry, ok := r.sessions.Get(conn.ID())
	if !ok {
		return entry, session.ErrNotRegistered
	}
	if !entry.InOffice() {
		return entry, ErrNotInOffice
	}
	return entry, nil
}

// authorizeAgent checks that the sender is the Agent named in data and that
// data's optional office matches the sender's.
func (r *Router) authorizeAgent(conn interfaces.Connection, data *types.AgentCallData) (types.SessionEntry, error) {
	entry, err := r.inOffice(conn)
	if err != nil {
		return entry, err
	}
	if entry.Role != types.RoleAgent {
		return entry, ErrRoleNotAllowed
	}
	if entry.Name != data.Agent {
		return entry, ErrAgentMismatch
	}
	if data.OfficeID != "" && data.OfficeID != entry.OfficeID {
		return entry, ErrOfficeMismatch
	}
	return entry, nil
}

func (r *Router) broadcast(officeID, event string, payload any, exclude string) {
	if r.notify == nil {
		return
	}
	if err := r.notify.Broadcast(officeID, event, payload, exclude); err != nil {
		r.logger.Warn("broadcast not queued", "event", event, "office_id", officeID, "error", err)
	}
}

// reject answers a refused event in the shape its sender expects.
func (r *Router) reject(event string, args []json.RawMessage, ack socketio.Ack, err error) {
	if !types.IsBridgedEvent(event) {
		replyStatus(ack, err)
		return
	}
	var header types.AgentCallData
	_ = decode(args, &header)
	reply(ack, types.NewErrorRet(codeFor(err), err.Error(), header.ReqID))
}

func decode(args []json.RawMessage, v any) error {
	if len(args) == 0 {
		return types.ErrMissingPayload
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// codeFor classifies a router-side failure for the wire.
func codeFor(err error) types.ErrorCode {
	switch {
	case errors.Is(err, session.ErrIdentityConflict):
		return types.CodeIdentityConflict
	case errors.Is(err, ErrRateLimitExceeded):
		return types.CodeRateLimited
	case errors.Is(err, ErrRoleNotAllowed), errors.Is(err, ErrAgentMismatch), errors.Is(err, ErrComputerMismatch):
		return types.CodeUnauthorized
	case errors.Is(err, rpc.ErrTargetNotFound):
		return types.CodeTargetNotFound
	case errors.Is(err, rpc.ErrDuplicateRequest):
		return types.CodeDuplicateRequest
	case errors.Is(err, ErrRouterClosed):
		return types.CodeConnectionClosed
	}
	return types.CodeInvalidRequest
}

// replyStatus answers a single-leg event with (true, nil) or (false, message).
func replyStatus(ack socketio.Ack, err error) {
	if err != nil {
		reply(ack, false, err.Error())
		return
	}
	reply(ack, true, nil)
}

func reply(ack socketio.Ack, args ...any) error {
	if ack == nil {
		return nil
	}
	return ack(args...)
}
