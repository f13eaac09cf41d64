package profile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

// Scheduler runs a daily profile recompute at a fixed time of day.
type Scheduler struct {
	aggregator   *Aggregator
	runAt        time.Time // only hour and minute are used
	systems      []string
	lookbackDays int
	clock        usage.Clock
	logger       zerolog.Logger
	stopChan     chan struct{}
	done         chan struct{}

	// passes serializes scheduled and on-demand runs.
	passes sync.Mutex
}

// NewScheduler creates a scheduler. runAt is "HH:MM" in local time; an empty
// systems list recomputes every tenant in one pass.
func NewScheduler(aggregator *Aggregator, runAt string, systems []string, lookbackDays int, clock usage.Clock, logger zerolog.Logger) (*Scheduler, error) {
	parsed, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, fmt.Errorf("invalid recompute time %q: %w", runAt, err)
	}
	if clock == nil {
		clock = usage.RealClock{}
	}

	return &Scheduler{
		aggregator:   aggregator,
		runAt:        parsed,
		systems:      systems,
		lookbackDays: lookbackDays,
		clock:        clock,
		logger:       logger.With().Str("component", "profile-scheduler").Logger(),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Info().
		Str("recompute_time", s.runAt.Format("15:04")).
		Int("lookback_days", s.lookbackDays).
		Msg("Profile recompute scheduler started")
}

// Stop stops the scheduler and waits for a running pass to observe it.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info().Msg("Profile recompute scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		next := s.nextRun(s.clock.Now())
		wait := time.Until(next)

		s.logger.Info().
			Time("next_run", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next profile recompute")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-s.stopChan:
					cancel()
				case <-ctx.Done():
				}
			}()
			s.RunOnce(ctx)
			cancel()
		case <-s.stopChan:
			timer.Stop()
			return
		}
	}
}

// nextRun returns the next scheduled instant after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		s.runAt.Hour(), s.runAt.Minute(), 0, 0,
		now.Location(),
	)

	if !now.Before(today) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

// Window returns the look-back range ending now. Zero look-back days means
// all history.
func (s *Scheduler) Window(now time.Time) storage.DateRange {
	if s.lookbackDays <= 0 {
		return storage.DateRange{}
	}
	from := now.UTC().AddDate(0, 0, -s.lookbackDays)
	return storage.DateRange{From: &from}
}

// RunOnce recomputes every configured tenant and returns the results of the
// passes that completed.
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	s.passes.Lock()
	defer s.passes.Unlock()

	systems := s.systems
	if len(systems) == 0 {
		systems = []string{""}
	}

	window := s.Window(s.clock.Now())
	results := make([]Result, 0, len(systems))
	for _, systemID := range systems {
		result, err := s.aggregator.Recompute(ctx, systemID, window)
		if err != nil {
			s.logger.Error().Err(err).
				Str("system_id", systemID).
				Msg("Scheduled profile recompute failed")
			if ctx.Err() != nil {
				return results
			}
			continue
		}
		results = append(results, result)
	}
	return results
}
