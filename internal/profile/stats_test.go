package profile

import (
	"math"
	"testing"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		mean    float64
		stddev  float64
	}{
		{"empty", nil, 0, 0},
		{"single sample has zero stddev", []float64{0.04}, 0.04, 0},
		{"identical samples", []float64{0.02, 0.02, 0.02}, 0.02, 0},
		{"population stddev", []float64{2, 4, 4, 4, 5, 5, 7, 9}, 5, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.samples)
			if math.Abs(got.Mean-tt.mean) > 1e-12 {
				t.Errorf("mean = %v, want %v", got.Mean, tt.mean)
			}
			if math.Abs(got.StdDev-tt.stddev) > 1e-12 {
				t.Errorf("stddev = %v, want %v", got.StdDev, tt.stddev)
			}
			if got.Count != len(tt.samples) {
				t.Errorf("count = %d, want %d", got.Count, len(tt.samples))
			}
			if math.IsNaN(got.Mean) || math.IsNaN(got.StdDev) {
				t.Error("NaN in summary")
			}
		})
	}
}
