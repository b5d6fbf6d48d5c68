package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"smcp/internal/auth"
	"smcp/pkg/interfaces"
	"smcp/pkg/socketio"
)

// Handler accepts Socket.IO websocket connections and drives each one
// through the router until it closes.
// ARCHITECTURAL DISCOVERY: Validation order is query -> upgrade -> namespace
// handshake -> authentication -> registration; an unauthenticated socket
// never reaches the router.
type Handler struct {
	registry      *Registry
	router        interfaces.EventRouter
	authenticator auth.Authenticator
	namespace     string
	opts          socketio.Options
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	wg sync.WaitGroup
}

// NewHandler wires a handler for namespace.
func NewHandler(registry *Registry, router interfaces.EventRouter, authenticator auth.Authenticator, namespace string, opts socketio.Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if authenticator == nil {
		authenticator = auth.NewAPIKeyAuthenticator("", "")
	}
	opts.Logger = logger
	return &Handler{
		registry:      registry,
		router:        router,
		authenticator: authenticator,
		namespace:     namespace,
		opts:          opts,
		logger:        logger,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Agents and Computers are not browsers;
			// the API key, not the origin, gates access.
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleSocketIO upgrades r and serves the Socket.IO session on it.
func (h *Handler) HandleSocketIO(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		http.Error(w, ErrUnsupportedProtocol.Error(), http.StatusBadRequest)
		return
	}
	if q.Get("transport") != "websocket" || !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, ErrUnsupportedTransport.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	authorize := func(payload json.RawMessage) error {
		return h.authenticator.Authenticate(r.Header, payload)
	}
	conn, err := socketio.Accept(ws, r.Header, h.namespace, h.opts, authorize)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
		} else {
			h.logger.Debug("handshake failed", "remote", r.RemoteAddr, "error", err)
		}
		return
	}

	if err := h.registry.Add(conn); err != nil {
		h.logger.Error("failed to register connection", "sid", conn.ID(), "error", err)
		_ = conn.Close()
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	h.handleConnection(conn)
}

func (h *Handler) handleConnection(conn *socketio.Conn) {
	h.logger.Info("connection opened", "sid", conn.ID(), "remote", conn.RemoteAddr().String())
	h.router.Attach(conn)

	defer func() {
		h.registry.Remove(conn)
		h.router.Disconnect(conn)
		h.logger.Info("connection closed", "sid", conn.ID())
	}()

	err := conn.Serve(func(event string, args []json.RawMessage, ack socketio.Ack) {
		h.router.HandleEvent(conn, event, args, ack)
	})
	if err != nil {
		h.logger.Debug("connection read loop ended", "sid", conn.ID(), "error", err)
	}
}

// Wait blocks until every connection served by h has been torn down.
func (h *Handler) Wait() {
	h.wg.Wait()
}
