// Package api serves the equipwatch command surface over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/profile"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/telemetry"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
	JWTSecret  string
	Issuer     string
}

// Deps are the services behind the command surface. Ingestor and Hub may be
// nil, in which case their routes answer 503.
type Deps struct {
	Store      storage.Store
	Engine     *usage.Engine
	Anomaly    *anomaly.Service
	Aggregator *profile.Aggregator
	Ingestor   *telemetry.Ingestor
	Hub        *notify.Hub
}

// Server is the command API HTTP server.
type Server struct {
	config   Config
	deps     Deps
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	started  time.Time
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		config:  cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		started: time.Now(),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	secured := s.router.NewRoute().Subrouter()
	if s.config.JWTSecret != "" {
		secured.Use(AuthMiddleware(s.config.JWTSecret, s.config.Issuer))
	} else {
		s.logger.Warn().Msg("No JWT secret configured, command API is unauthenticated")
	}

	sessions := &sessionHandler{engine: s.deps.Engine, anomaly: s.deps.Anomaly, logger: s.logger}
	secured.HandleFunc("/api/sessions", sessions.Start).Methods(http.MethodPost)
	secured.HandleFunc("/api/sessions", sessions.ListOpen).Methods(http.MethodGet)
	secured.HandleFunc("/api/sessions/{id}", sessions.Get).Methods(http.MethodGet)
	secured.HandleFunc("/api/sessions/{id}/pause", sessions.Pause).Methods(http.MethodPost)
	secured.HandleFunc("/api/sessions/{id}/resume", sessions.Resume).Methods(http.MethodPost)
	secured.HandleFunc("/api/sessions/{id}/complete", sessions.Complete).Methods(http.MethodPost)
	secured.HandleFunc("/api/sessions/{id}/evaluate", sessions.Evaluate).Methods(http.MethodPost)

	appointments := &appointmentHandler{store: s.deps.Store.Appointments(), engine: s.deps.Engine, logger: s.logger}
	secured.HandleFunc("/api/appointments/{id}", appointments.Put).Methods(http.MethodPut)
	secured.HandleFunc("/api/appointments/{id}", appointments.Get).Methods(http.MethodGet)

	profiles := &profileHandler{store: s.deps.Store.Profiles(), aggregator: s.deps.Aggregator, logger: s.logger}
	secured.HandleFunc("/api/profiles", profiles.List).Methods(http.MethodGet)
	secured.HandleFunc("/api/profiles/recompute", profiles.Recompute).Methods(http.MethodPost)

	insights := &insightHandler{anomaly: s.deps.Anomaly, logger: s.logger}
	secured.HandleFunc("/api/insights", insights.List).Methods(http.MethodGet)
	secured.HandleFunc("/api/insights/evaluate", insights.EvaluateRange).Methods(http.MethodPost)
	secured.HandleFunc("/api/insights/{id}/resolve", insights.Resolve).Methods(http.MethodPost)

	devices := &telemetryHandler{ingestor: s.deps.Ingestor, logger: s.logger}
	secured.HandleFunc("/api/telemetry", devices.Push).Methods(http.MethodPost)
	secured.HandleFunc("/api/devices", devices.List).Methods(http.MethodGet)

	if s.deps.Hub != nil {
		secured.Handle("/ws", s.deps.Hub).Methods(http.MethodGet)
	} else {
		secured.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "WebSocket notifications are disabled")
		}).Methods(http.MethodGet)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.deps.Hub != nil {
		body["websocket_clients"] = s.deps.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, body)
}
