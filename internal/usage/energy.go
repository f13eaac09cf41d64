package usage

import (
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
)

// kwhFor returns the energy drawn at a constant power over d.
func kwhFor(watts float64, d time.Duration) float64 {
	if watts <= 0 || d <= 0 {
		return 0
	}
	return watts * d.Hours() / 1000
}

func addEnergy(s *storage.UsageSession, kwh float64) {
	total := kwh
	if s.EnergyKwh != nil {
		total += *s.EnergyKwh
	}
	s.EnergyKwh = &total
}

// flushEnergy integrates the running power segment up to at and moves the
// cursor there. Sessions without a cursor have never seen telemetry and stay
// untouched.
func flushEnergy(s *storage.UsageSession, at time.Time) {
	if s.LastSampleAt == nil || !at.After(*s.LastSampleAt) {
		return
	}
	addEnergy(s, kwhFor(s.LastPowerW, at.Sub(*s.LastSampleAt)))
	cursor := at
	s.LastSampleAt = &cursor
}

// applySample records a power reading taken at the given instant. It reports
// false when the sample is stale and must be ignored.
func applySample(s *storage.UsageSession, watts float64, at time.Time) bool {
	if at.Before(s.StartedAt) {
		return false
	}
	if s.LastSampleAt != nil && !at.After(*s.LastSampleAt) {
		return false
	}
	if watts < 0 {
		watts = 0
	}

	if s.LastSampleAt == nil {
		addEnergy(s, 0)
	} else {
		addEnergy(s, kwhFor(s.LastPowerW, at.Sub(*s.LastSampleAt)))
	}

	cursor := at
	s.LastSampleAt = &cursor
	s.LastPowerW = watts
	return true
}
