package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clinicops/equipwatch/internal/anomaly"
	"github.com/clinicops/equipwatch/internal/config"
	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/storage/bolt"
	"github.com/clinicops/equipwatch/internal/storage/postgres"
	"github.com/clinicops/equipwatch/internal/storage/redis"
	"github.com/rs/zerolog"
)

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// sinkSet is the fan-out of notification sinks built from configuration.
type sinkSet struct {
	sink    notify.Sink
	hub     *notify.Hub
	closers []func()
}

func (s *sinkSet) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildSinks wires the configured sinks. Broker-backed sinks sit behind an
// AsyncSink so a slow broker never stalls a session transition.
func buildSinks(cfg config.NotifyConfig, logger zerolog.Logger) (*sinkSet, error) {
	set := &sinkSet{}
	var sinks notify.MultiSink

	if cfg.Log {
		sinks = append(sinks, notify.NewLogSink(logger))
	}

	if cfg.WebSocket {
		set.hub = notify.NewHub(logger)
		sinks = append(sinks, set.hub)
	}

	if cfg.Kafka.Enabled {
		kafka := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		async := notify.NewAsyncSink("kafka", kafka, cfg.BufferSize, logger)
		sinks = append(sinks, async)
		set.closers = append(set.closers, func() {
			async.Close()
			if err := kafka.Close(); err != nil {
				logger.Error().Err(err).Msg("Error closing Kafka sink")
			}
		})
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Kafka notifications enabled")
	}

	if cfg.AMQP.Enabled {
		amqp, err := notify.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to initialize AMQP sink: %w", err)
		}
		async := notify.NewAsyncSink("amqp", amqp, cfg.BufferSize, logger)
		sinks = append(sinks, async)
		set.closers = append(set.closers, func() {
			async.Close()
			if err := amqp.Close(); err != nil {
				logger.Error().Err(err).Msg("Error closing AMQP sink")
			}
		})
		logger.Info().Str("exchange", cfg.AMQP.Exchange).Msg("AMQP notifications enabled")
	}

	set.sink = sinks
	return set, nil
}

// recomputeRunner runs signal-triggered recomputes one at a time on a context
// that shutdown cancels.
type recomputeRunner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.Mutex
	wg      sync.WaitGroup
	run     func(ctx context.Context)
	logger  zerolog.Logger
}

func newRecomputeRunner(parent context.Context, run func(ctx context.Context), logger zerolog.Logger) *recomputeRunner {
	ctx, cancel := context.WithCancel(parent)
	return &recomputeRunner{ctx: ctx, cancel: cancel, run: run, logger: logger}
}

// Trigger starts a pass unless one is still running.
func (r *recomputeRunner) Trigger() bool {
	if r.ctx.Err() != nil {
		return false
	}
	if !r.running.TryLock() {
		r.logger.Warn().Msg("Profile recompute already running, ignoring signal")
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.running.Unlock()
		r.run(r.ctx)
	}()
	return true
}

// Stop cancels an in-flight pass and waits for it to return.
func (r *recomputeRunner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func thresholdsFrom(cfg config.AnomalyConfig) anomaly.Thresholds {
	return anomaly.Thresholds{
		MinDeviationPct:   cfg.MinDeviationPct,
		StdDevMultiplier:  cfg.StdDevMultiplier,
		MinRelativeMargin: cfg.MinRelativeMargin,
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// parseTimeFlag accepts RFC 3339 timestamps or plain UTC dates.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s %q: want RFC 3339 or YYYY-MM-DD", name, value)
}
