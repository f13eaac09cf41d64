package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_session_transitions_total",
			Help: "Total usage session transitions by action and result",
		},
		[]string{"action", "result"},
	)

	SessionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_session_conflicts_total",
			Help: "Compare-and-swap conflicts observed while applying transitions",
		},
		[]string{"action"},
	)

	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "equipwatch_open_sessions",
			Help: "Number of ACTIVE or PAUSED sessions known to this instance",
		},
	)

	UsageMinutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_usage_minutes_total",
			Help: "Active minutes recorded by completed sessions",
		},
		[]string{"system", "equipment"},
	)

	EnergyKwh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_energy_kwh_total",
			Help: "Energy recorded by completed sessions in kWh",
		},
		[]string{"system", "equipment"},
	)

	// Telemetry metrics
	TelemetryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_telemetry_events_total",
			Help: "Telemetry events received by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	TelemetryStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "equipwatch_telemetry_stale_total",
			Help: "Stale device episodes detected for open sessions",
		},
	)

	// Profile metrics
	RecomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "equipwatch_profile_recompute_duration_seconds",
			Help:    "Energy profile recompute duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"system"},
	)

	ProfilesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_profiles_written_total",
			Help: "Energy profiles replaced by recompute",
		},
		[]string{"system"},
	)

	// Anomaly metrics
	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_anomaly_evaluations_total",
			Help: "Anomaly evaluations by outcome",
		},
		[]string{"outcome"},
	)

	InsightsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_insights_created_total",
			Help: "Insights created by type",
		},
		[]string{"type"},
	)

	// Notification metrics
	NotificationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipwatch_notifications_dropped_total",
			Help: "Notifications dropped because a sink was full or failed",
		},
		[]string{"sink"},
	)

	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "equipwatch_websocket_clients",
			Help: "Number of connected notification WebSocket clients",
		},
	)

	// API metrics
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "equipwatch_api_request_duration_seconds",
			Help:    "Command API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionTransitions,
		SessionConflicts,
		OpenSessions,
		UsageMinutes,
		EnergyKwh,
		TelemetryEvents,
		TelemetryStale,
		RecomputeDuration,
		ProfilesWritten,
		Evaluations,
		InsightsCreated,
		NotificationsDropped,
		WebSocketClients,
		RequestDuration,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // systemd socket activation
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server in the background
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
