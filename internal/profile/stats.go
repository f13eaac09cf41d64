// Package profile builds per-minute energy baselines for each combination of
// equipment and service from completed usage sessions.
package profile

import "math"

// Stats summarizes a set of kWh-per-minute samples.
type Stats struct {
	Mean   float64
	StdDev float64
	Count  int
}

// Summarize returns the population mean and standard deviation of samples.
// Two passes keep the result independent of accumulation drift, and the
// standard deviation of fewer than two samples is 0.
func Summarize(samples []float64) Stats {
	n := len(samples)
	if n == 0 {
		return Stats{}
	}

	var sum float64
	for _, x := range samples {
		sum += x
	}
	mean := sum / float64(n)

	if n < 2 {
		return Stats{Mean: finite(mean), Count: n}
	}

	var squares float64
	for _, x := range samples {
		d := x - mean
		squares += d * d
	}

	return Stats{
		Mean:   finite(mean),
		StdDev: finite(math.Sqrt(squares / float64(n))),
		Count:  n,
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
