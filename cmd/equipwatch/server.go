package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/api"
	"github.com/clinicops/equipwatch/internal/config"
	"github.com/clinicops/equipwatch/internal/metrics"
	"github.com/clinicops/equipwatch/internal/profile"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/systemd"
	"github.com/clinicops/equipwatch/internal/telemetry"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start equipwatch server",
	Long:  `Start the equipwatch server with the command API, telemetry ingestion, profile scheduler and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting equipwatch")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx := context.Background()

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	sinks, err := buildSinks(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	clock := usage.RealClock{}

	engine := usage.NewEngine(store.Sessions(), store.Appointments(), sinks.sink, usage.Config{
		MaxConflictRetries: cfg.Sessions.MaxConflictRetries,
		DefaultSystemID:    cfg.Sessions.DefaultSystemID,
		Clock:              clock,
	}, logger)

	detector := anomaly.NewService(store, sinks.sink, thresholdsFrom(cfg.Anomaly), clock, logger)
	if cfg.Anomaly.EvaluateOnComplete {
		engine.SetCompletionObserver(detector)
	}

	if open, err := engine.ListOpen(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to count open sessions")
	} else {
		metrics.OpenSessions.Set(float64(len(open)))
		logger.Info().Int("open_sessions", len(open)).Msg("Usage engine initialized")
	}

	// Telemetry
	cache, err := telemetry.NewStateCache(cfg.Telemetry.CacheSize)
	if err != nil {
		return err
	}
	ingestor := telemetry.NewIngestor(cache, engine, cfg.Telemetry.QueueSize, clock, logger)
	ingestor.SetWorkerIdle(parseDuration(cfg.Telemetry.WorkerIdle, telemetry.DefaultWorkerIdle))

	watchdog := telemetry.NewWatchdog(
		engine,
		cache,
		sinks.sink,
		parseDuration(cfg.Telemetry.StaleAfter, 2*time.Minute),
		parseDuration(cfg.Telemetry.WatchdogInterval, 30*time.Second),
		clock,
		logger,
	)
	watchdog.Start()

	var mqttSource *telemetry.MQTTSource
	forwardDone := make(chan struct{})
	if cfg.Telemetry.MQTT.Enabled {
		mqttSource, err = telemetry.NewMQTTSource(cfg.Telemetry.MQTT, cfg.Telemetry.QueueSize*4, clock, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT source: %w", err)
		}
		if err := mqttSource.Start(); err != nil {
			return fmt.Errorf("failed to start MQTT source: %w", err)
		}
		go forwardTelemetry(mqttSource, ingestor, forwardDone)

		logger.Info().
			Str("broker", cfg.Telemetry.MQTT.Broker).
			Str("topic", cfg.Telemetry.MQTT.Topic).
			Msg("MQTT telemetry source started")
	}

	// Profiles
	aggregator := profile.NewAggregator(store, clock, logger)

	var scheduler *profile.Scheduler
	if cfg.Profiles.Enabled {
		scheduler, err = profile.NewScheduler(
			aggregator,
			cfg.Profiles.RecomputeTime,
			cfg.Profiles.Systems,
			cfg.Profiles.LookbackDays,
			clock,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize profile scheduler: %w", err)
		}
		scheduler.Start()
		logger.Info().Str("recompute_time", cfg.Profiles.RecomputeTime).Msg("Profile scheduler initialized")
	}

	// Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	// API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr: apiAddr,
		JWTSecret:  cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
	}, api.Deps{
		Store:      store,
		Engine:     engine,
		Anomaly:    detector,
		Aggregator: aggregator,
		Ingestor:   ingestor,
		Hub:        sinks.hub,
	}, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	logger.Info().Msg("equipwatch startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	stopWatchdog := systemd.StartWatchdog(logger)

	recomputes := newRecomputeRunner(ctx, func(runCtx context.Context) {
		recomputeNow(runCtx, scheduler, aggregator, logger)
	}, logger)

	// Wait for signals (shutdown or recompute)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, recomputing energy profiles...")
			recomputes.Trigger()
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	stopWatchdog()
	recomputes.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, parseDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	if mqttSource != nil {
		mqttSource.Stop()
	}
	close(forwardDone)
	ingestor.Close()
	watchdog.Stop()

	if scheduler != nil {
		scheduler.Stop()
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("equipwatch stopped")
	return nil
}

func forwardTelemetry(source *telemetry.MQTTSource, ingestor *telemetry.Ingestor, done <-chan struct{}) {
	for {
		select {
		case ev := <-source.Events():
			_ = ingestor.Submit(ev, "mqtt")
		case <-done:
			return
		}
	}
}

func recomputeNow(ctx context.Context, scheduler *profile.Scheduler, aggregator *profile.Aggregator, logger zerolog.Logger) {
	if scheduler != nil {
		scheduler.RunOnce(ctx)
		return
	}
	if _, err := aggregator.Recompute(ctx, "", storage.DateRange{}); err != nil {
		logger.Error().Err(err).Msg("Profile recompute failed")
	}
}
