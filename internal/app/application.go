package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"smcp/internal/api"
	"smcp/internal/auth"
	"smcp/internal/config"
	"smcp/internal/database"
	"smcp/internal/hub"
	"smcp/internal/router"
	"smcp/internal/session"
	"smcp/internal/websocket"
	"smcp/pkg/interfaces"
	"smcp/pkg/socketio"
	"smcp/pkg/types"
)

// SocketIOPath is where the Socket.IO endpoint is mounted.
const SocketIOPath = "/socket.io/"

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config    *config.Config
	logger    *slog.Logger
	journal   *database.Manager
	sessions  *session.Registry
	registry  *websocket.Registry
	hub       *hub.Hub
	router    *router.Router
	wsHandler *websocket.Handler
	apiServer *api.Server

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	serveErr chan error
	started  bool
	stopped  bool
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Journal → Sessions → Connections → Hub → Router → Handlers → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	// STEP 1: Optional event journal
	var journal *database.Manager
	if journalConfig := cfg.Database.Journal(); journalConfig.Enabled() {
		var err error
		journal, err = database.NewManager(journalConfig, logger.With("component", "journal"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event journal: %w", err)
		}
	} else {
		logger.Info("event journal disabled")
	}

	// STEP 2: Session registry (in-memory identity and office membership)
	sessions := session.NewRegistry(
		session.WithUnassignedPolicy(cfg.Policy()),
		session.WithSingleAgentPerOffice(cfg.Router.SingleAgentPerOffice),
		session.WithLogger(logger.With("component", "sessions")),
	)

	// STEP 3: Live connection table
	registry := websocket.NewRegistry()

	// STEP 4: Notification hub
	hubOpts := []hub.Option{
		hub.WithLogger(logger.With("component", "hub")),
		hub.WithQueueSize(cfg.Router.NotifyQueueSize),
	}
	if journal != nil {
		hubOpts = append(hubOpts, hub.WithJournal(journal))
	}
	notifications := hub.NewHub(sessions, registry, hubOpts...)

	// STEP 5: Router and request bridge
	eventRouter := router.NewRouter(sessions, registry, notifications, router.Config{
		DefaultCallTimeout: cfg.Router.DefaultCallTimeout.Std(),
		MaxCallTimeout:     cfg.Router.MaxCallTimeout.Std(),
		BridgeGrace:        cfg.Router.BridgeGrace.Std(),
		RatePerSecond:      cfg.Router.RatePerSecond,
		RateBurst:          cfg.Router.RateBurst,
	}, logger.With("component", "router"))

	// STEP 6: Transport and admin API
	authenticator := auth.NewAPIKeyAuthenticator(cfg.Auth.Header, cfg.Auth.APIKey)
	if !authenticator.Enabled() {
		logger.Warn("no api key configured, authentication is disabled")
	}

	wsHandler := websocket.NewHandler(registry, eventRouter, authenticator, types.Namespace, socketio.Options{
		PingInterval:     cfg.SocketIO.PingInterval.Std(),
		PingTimeout:      cfg.SocketIO.PingTimeout.Std(),
		MaxPayload:       cfg.SocketIO.MaxPayload,
		WriteTimeout:     cfg.SocketIO.WriteTimeout.Std(),
		QueueSize:        cfg.SocketIO.QueueSize,
		HandshakeTimeout: cfg.SocketIO.HandshakeTimeout.Std(),
		Logger:           logger.With("component", "socketio"),
	}, logger.With("component", "websocket"))

	// A nil *Manager must not become a non-nil interface.
	var apiJournal interfaces.Journal
	if journal != nil {
		apiJournal = journal
	}
	apiServer := api.NewServer(sessions, apiJournal, registry, authenticator, logger.With("component", "api"))

	// STEP 7: HTTP server with both API and Socket.IO endpoints
	mux := http.NewServeMux()
	mux.HandleFunc(SocketIOPath, wsHandler.HandleSocketIO)
	mux.Handle("/", apiServer)

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		journal:    journal,
		sessions:   sessions,
		registry:   registry,
		hub:        notifications,
		router:     eventRouter,
		wsHandler:  wsHandler,
		apiServer:  apiServer,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}, nil
}

// Start binds the listener and begins serving. It returns once the server
// accepts connections.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.started || app.stopped {
		return errors.New("application already started")
	}

	// The hub outlives the start context; Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := app.hub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start notification hub: %w", err)
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.listener = listener
	app.cancel = cancel
	app.started = true

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	app.logger.Info("smcp server listening",
		"addr", listener.Addr().String(),
		"namespace", types.Namespace,
		"journal", app.journal != nil,
	)
	return nil
}

// Errors reports a fatal serving error after Start.
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Connections → Router → Hub → Journal
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	if app.stopped {
		app.mu.Unlock()
		return nil
	}
	app.stopped = true
	started := app.started
	app.mu.Unlock()

	if !started {
		// Nothing is serving; only the journal holds resources.
		if app.journal != nil {
			return app.journal.Close()
		}
		return nil
	}

	app.logger.Info("shutting down smcp server")
	var errs []error

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// STEP 2: Close live Socket.IO connections and wait for their cleanup
	app.registry.CloseAll()
	drained := make(chan struct{})
	go func() {
		app.wsHandler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("connection drain: %w", ctx.Err()))
	}

	// STEP 3: Resolve in-flight bridges
	app.router.Close()

	// STEP 4: Stop notification delivery
	if err := app.hub.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	app.cancel()

	// STEP 5: Close the journal
	if app.journal != nil {
		if err := app.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close: %w", err))
		}
	}

	app.logger.Info("smcp server shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound address once started, or the configured one.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// URL returns the base http URL of the running server.
func (app *Application) URL() string {
	return "http://" + app.Addr()
}

// Sessions exposes the registry for inspection.
func (app *Application) Sessions() *session.Registry {
	return app.sessions
}

// Stats gathers component counters.
func (app *Application) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"sessions":    app.sessions.Stats(),
		"connections": app.registry.GetStats(),
		"hub":         app.hub.Stats(),
		"router":      app.router.Stats(),
	}
	if app.journal != nil {
		stats["journal"] = app.journal.Stats()
	}
	return stats
}

// ShutdownTimeout is the configured graceful shutdown budget.
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout.Std()
}
