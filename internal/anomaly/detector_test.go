package anomaly

import (
	"math"
	"testing"

	"github.com/clinicops/equipwatch/internal/storage"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func profile(svc string, avg, stddev float64) storage.EnergyProfile {
	return storage.EnergyProfile{ServiceID: svc, AvgKwhPerMin: avg, StdDevKwhPerMin: stddev, SampleCount: 10}
}

func TestEvaluate(t *testing.T) {
	facial := []storage.AppointmentService{{ServiceID: "facial", DurationMinutes: 30}}
	facialProfile := map[string]storage.EnergyProfile{"facial": profile("facial", 0.02, 0.002)}

	tests := []struct {
		name      string
		input     Input
		outcome   Outcome
		expected  float64
		deviation float64
	}{
		{
			name:      "over consumption",
			input:     Input{ActualKwh: 1.2, ActualMinutes: 30, Services: facial, Profiles: facialProfile},
			outcome:   OutcomeAnomalous,
			expected:  0.6,
			deviation: 1.0,
		},
		{
			name:      "within tolerance",
			input:     Input{ActualKwh: 0.65, ActualMinutes: 30, Services: facial, Profiles: facialProfile},
			outcome:   OutcomeNormal,
			expected:  0.6,
			deviation: 0.05 / 0.6,
		},
		{
			name:    "no profile is a cold start",
			input:   Input{ActualKwh: 5, ActualMinutes: 30, Services: facial, Profiles: map[string]storage.EnergyProfile{}},
			outcome: OutcomeColdStartSkipped,
		},
		{
			name:    "zero minutes is a cold start",
			input:   Input{ActualKwh: 5, ActualMinutes: 0, Services: facial, Profiles: facialProfile},
			outcome: OutcomeColdStartSkipped,
		},
		{
			name:    "zero average is a cold start",
			input:   Input{ActualKwh: 5, ActualMinutes: 30, Services: facial, Profiles: map[string]storage.EnergyProfile{"facial": profile("facial", 0, 0)}},
			outcome: OutcomeColdStartSkipped,
		},
		{
			name:      "nil energy counts as zero",
			input:     Input{ActualKwh: 0, ActualMinutes: 30, Services: facial, Profiles: facialProfile},
			outcome:   OutcomeNormal,
			expected:  0.6,
			deviation: -1,
		},
		{
			// Deviation is 30% but a wide stddev keeps it under the band.
			name: "stddev band suppresses",
			input: Input{
				ActualKwh: 0.78, ActualMinutes: 30, Services: facial,
				Profiles: map[string]storage.EnergyProfile{"facial": profile("facial", 0.02, 0.1)},
			},
			outcome:   OutcomeNormal,
			expected:  0.6,
			deviation: 0.3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.input, DefaultThresholds())
			if got.Outcome != tt.outcome {
				t.Fatalf("outcome = %s, want %s (%+v)", got.Outcome, tt.outcome, got)
			}
			if !approx(got.ExpectedKwh, tt.expected) {
				t.Errorf("expected = %v, want %v", got.ExpectedKwh, tt.expected)
			}
			if !approx(got.DeviationPct, tt.deviation) {
				t.Errorf("deviation = %v, want %v", got.DeviationPct, tt.deviation)
			}
		})
	}
}

func TestEvaluateAllocation(t *testing.T) {
	services := []storage.AppointmentService{
		{ServiceID: "laser", DurationMinutes: 60, TreatmentDurationMinutes: 20},
		{ServiceID: "consult", DurationMinutes: 15},
		{ServiceID: "peel", DurationMinutes: 10},
		{ServiceID: "laser", DurationMinutes: 20},
	}
	profiles := map[string]storage.EnergyProfile{
		"laser": profile("laser", 0.05, 0.01),
		"peel":  profile("peel", 0.01, 0.002),
	}

	got := Evaluate(Input{ActualKwh: 1, ActualMinutes: 50, Services: services, Profiles: profiles}, DefaultThresholds())

	if len(got.Allocations) != 2 {
		t.Fatalf("allocations = %+v, want laser and peel only", got.Allocations)
	}

	// laser weight 20+20=40, peel 10: 40 and 10 of 50 minutes.
	laser, peel := got.Allocations[0], got.Allocations[1]
	if laser.ServiceID != "laser" || !approx(laser.Minutes, 40) || !approx(laser.ExpectedKwh, 2.0) {
		t.Errorf("laser allocation = %+v", laser)
	}
	if peel.ServiceID != "peel" || !approx(peel.Minutes, 10) || !approx(peel.ExpectedKwh, 0.1) {
		t.Errorf("peel allocation = %+v", peel)
	}
	if !approx(got.ExpectedKwh, 2.1) || !approx(got.StdDevSum, 0.012) {
		t.Errorf("expected = %v stddevsum = %v", got.ExpectedKwh, got.StdDevSum)
	}
}

func TestEvaluateIgnoresSpreadOfUnallocatedService(t *testing.T) {
	services := []storage.AppointmentService{
		{ServiceID: "laser", DurationMinutes: 30},
		{ServiceID: "aftercare"},
	}
	profiles := map[string]storage.EnergyProfile{
		"laser":     profile("laser", 0.02, 0.002),
		"aftercare": profile("aftercare", 0.01, 0.5),
	}

	got := Evaluate(Input{ActualKwh: 0.9, ActualMinutes: 30, Services: services, Profiles: profiles}, DefaultThresholds())

	if len(got.Allocations) != 2 || !approx(got.Allocations[1].Minutes, 0) {
		t.Fatalf("allocations = %+v, want aftercare with 0 minutes", got.Allocations)
	}
	if !approx(got.StdDevSum, 0.002) {
		t.Errorf("stddevsum = %v, want 0.002", got.StdDevSum)
	}
	// expected 0.6, threshold 0.6 + max(0.004, 0.15) = 0.75.
	if !approx(got.Threshold, 0.75) || got.Outcome != OutcomeAnomalous {
		t.Errorf("threshold = %v outcome = %s, want 0.75 anomalous", got.Threshold, got.Outcome)
	}
}

func TestEvaluateUniformWhenNoDurations(t *testing.T) {
	services := []storage.AppointmentService{{ServiceID: "a"}, {ServiceID: "b"}}
	profiles := map[string]storage.EnergyProfile{
		"a": profile("a", 0.02, 0),
		"b": profile("b", 0.04, 0),
	}

	got := Evaluate(Input{ActualKwh: 0.9, ActualMinutes: 30, Services: services, Profiles: profiles}, DefaultThresholds())
	if !approx(got.ExpectedKwh, 0.9) {
		t.Fatalf("expected = %v, want 0.9", got.ExpectedKwh)
	}
	for _, a := range got.Allocations {
		if !approx(a.Minutes, 15) {
			t.Errorf("%s minutes = %v, want 15", a.ServiceID, a.Minutes)
		}
	}
}

func TestEvaluateCustomThresholds(t *testing.T) {
	in := Input{
		ActualKwh:     0.7,
		ActualMinutes: 30,
		Services:      []storage.AppointmentService{{ServiceID: "facial", DurationMinutes: 30}},
		Profiles:      map[string]storage.EnergyProfile{"facial": profile("facial", 0.02, 0.002)},
	}

	if Evaluate(in, DefaultThresholds()).Anomalous() {
		t.Fatal("default thresholds flagged 17% deviation")
	}
	strict := Thresholds{MinDeviationPct: 0.1, StdDevMultiplier: 2, MinRelativeMargin: 0.1}
	if !Evaluate(in, strict).Anomalous() {
		t.Fatal("strict thresholds did not flag 17% deviation")
	}
}
