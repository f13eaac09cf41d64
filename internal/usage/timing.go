package usage

import (
	"time"

	"github.com/clinicops/equipwatch/internal/storage"
)

// ElapsedMinutes returns the whole minutes between from and to, truncated and
// never negative.
func ElapsedMinutes(from, to time.Time) int64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// ActiveMinutes returns the minutes a session has been in use up to at, or up
// to EndedAt once the session is completed. Closed pauses subtract their
// recorded duration; an open pause subtracts what its duration would be if it
// were resumed at the same instant.
//
// This is the only place active time is computed: live display and
// completion both go through it.
func ActiveMinutes(s storage.UsageSession, at time.Time) int64 {
	end := at
	if s.EndedAt != nil {
		end = *s.EndedAt
	}

	total := ElapsedMinutes(s.StartedAt, end)
	for _, p := range s.PauseIntervals {
		total -= pauseMinutes(p, end)
	}

	if total < 0 {
		return 0
	}
	return total
}

func pauseMinutes(p storage.PauseInterval, end time.Time) int64 {
	switch {
	case p.DurationMinutes != nil:
		return *p.DurationMinutes
	case p.ResumedAt != nil:
		return ElapsedMinutes(p.PausedAt, *p.ResumedAt)
	default:
		return ElapsedMinutes(p.PausedAt, end)
	}
}

// closeOpenPause resumes the trailing open pause at the given instant.
func closeOpenPause(s *storage.UsageSession, at time.Time) {
	n := len(s.PauseIntervals)
	if n == 0 || s.PauseIntervals[n-1].Closed() {
		return
	}

	resumed := at
	minutes := ElapsedMinutes(s.PauseIntervals[n-1].PausedAt, at)
	s.PauseIntervals[n-1].ResumedAt = &resumed
	s.PauseIntervals[n-1].DurationMinutes = &minutes
	s.PausedAt = nil
}
