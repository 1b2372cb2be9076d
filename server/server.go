// Package server implements the Relay HTTP server: REST API, operator
// auth, and the SSE push channel for real-time events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stonehive/relay/broker"
	"github.com/stonehive/relay/config"
	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/server/api"
	"github.com/stonehive/relay/task"
	"github.com/stonehive/relay/track"
)

// Server is the Relay HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	engine   *broker.Engine
	tasks    task.Store
	dead     task.DeadLetterStore
	teams    task.TeamStore
	registry *broker.Registry
	hub      *events.Hub
	tracker  *track.Store

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
}

// SetEngine attaches the dispatch engine.
func (s *Server) SetEngine(e *broker.Engine) { s.engine = e }

// SetStores attaches the persistence interfaces.
func (s *Server) SetStores(store task.Store, dead task.DeadLetterStore, teams task.TeamStore) {
	s.tasks = store
	s.dead = dead
	s.teams = teams
}

// SetRegistry attaches the consumer registry.
func (s *Server) SetRegistry(r *broker.Registry) { s.registry = r }

// SetHub attaches the event hub serving /events.
func (s *Server) SetHub(h *events.Hub) { s.hub = h }

// SetTracker attaches the session/file tracking store.
func (s *Server) SetTracker(t *track.Store) { s.tracker = t }

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8600"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Engine:      s.engine,
		Tasks:       s.tasks,
		DeadLetters: s.dead,
		Teams:       s.teams,
		Registry:    s.registry,
		Hub:         s.hub,
		Tracker:     s.tracker,
		Logger:      s.logger,
		Version:     s.version,
		StartAt:     s.startTime,
	}

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE auth is handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// The rest of the API sits behind the auth middleware (a no-op until operator
	// credentials are configured)
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE streams hub events to a client. A channels query param
// narrows the stream, e.g. /events?channels=task,consumer.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// Verify auth via query token param for SSE (EventSource can't set headers)
	if s.authEnabled() {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = bearerToken(r)
		}
		if _, err := s.verifyToken(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var channels []string
	if raw := r.URL.Query().Get("channels"); raw != "" {
		channels = strings.Split(raw, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	ch, unsubscribe := s.hub.Subscribe(channels)
	defer unsubscribe()

	// Send initial connected event
	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse marshal", slog.Any("err", err))
				continue
			}
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
