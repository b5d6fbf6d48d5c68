package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"smcp/internal/auth"
	"smcp/pkg/interfaces"
	"smcp/pkg/types"
)

// ConnectionStats is the slice of the connection table the API reads.
type ConnectionStats interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	directory     interfaces.SessionDirectory
	journal       interfaces.Journal
	connections   ConnectionStats
	authenticator auth.Authenticator
	logger        *slog.Logger
	started       time.Time
	router        chi.Router
}

// NewServer builds the admin API. journal may be nil when the event
// journal is disabled; authenticator may be nil for an open API.
func NewServer(directory interfaces.SessionDirectory, journal interfaces.Journal, connections ConnectionStats, authenticator auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		directory:     directory,
		journal:       journal,
		connections:   connections,
		authenticator: authenticator,
		logger:        logger,
		started:       time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.jsonMiddleware)

	r.Get("/health", s.healthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/offices", s.listOffices)
		r.Get("/offices/{officeID}", s.getOffice)
		r.Get("/offices/{officeID}/events", s.officeEvents)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ListOfficesResponse struct {
	Offices []types.OfficeSummary `json:"offices"`
}

type OfficeResponse struct {
	OfficeID string               `json:"office_id"`
	Members  []types.SessionEntry `json:"members"`
}

type OfficeEventsResponse struct {
	OfficeID string               `json:"office_id"`
	Events   []*types.OfficeEvent `json:"events"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Journal     string                 `json:"journal"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/offices - every office with at least one member.
func (s *Server) listOffices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ListOfficesResponse{Offices: s.directory.Offices()})
}

// GET /api/offices/{officeID} - current members.
func (s *Server) getOffice(w http.ResponseWriter, r *http.Request) {
	officeID := chi.URLParam(r, "officeID")
	members := s.directory.Members(officeID)
	if len(members) == 0 {
		s.sendError(w, "Office not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, OfficeResponse{OfficeID: officeID, Members: members})
}

// GET /api/offices/{officeID}/events?limit=N - journaled notifications.
// Offices that no longer have members still have history.
func (s *Server) officeEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.sendError(w, "Event journal is disabled", http.StatusServiceUnavailable)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	officeID := chi.URLParam(r, "officeID")
	events, err := s.journal.History(r.Context(), officeID, limit)
	if err != nil {
		s.logger.Error("office history query failed", "office_id", officeID, "error", err)
		s.sendError(w, "Failed to read office events", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, OfficeEventsResponse{OfficeID: officeID, Events: events})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	journalStatus := "disabled"
	if s.journal != nil {
		journalStatus = "healthy"
		if err := s.journal.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			journalStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Journal:     journalStatus,
		Connections: s.connections.GetStats(),
		System: map[string]interface{}{
			"offices": len(s.directory.Offices()),
			"uptime":  time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// The API accepts the same key as the Socket.IO endpoint.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authenticator != nil {
			if err := s.authenticator.Authenticate(r.Header, nil); err != nil {
				s.sendError(w, "Missing or invalid API key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
