// Package anomaly compares a completed session's energy against the profiles
// of the services it delivered and records over-consumption insights.
package anomaly

import (
	"github.com/clinicops/equipwatch/internal/storage"
)

// Outcome classifies an evaluation.
type Outcome string

const (
	OutcomeNormal           Outcome = "NORMAL"
	OutcomeAnomalous        Outcome = "ANOMALOUS"
	OutcomeColdStartSkipped Outcome = "COLD_START_SKIPPED"
)

// Thresholds tunes when consumption counts as anomalous.
type Thresholds struct {
	MinDeviationPct   float64 `json:"minDeviationPct"`
	StdDevMultiplier  float64 `json:"stdDevMultiplier"`
	MinRelativeMargin float64 `json:"minRelativeMargin"`
}

// DefaultThresholds returns the standard detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinDeviationPct:   0.25,
		StdDevMultiplier:  2,
		MinRelativeMargin: 0.25,
	}
}

// Input is everything a verdict depends on.
type Input struct {
	ActualKwh     float64
	ActualMinutes int64
	Services      []storage.AppointmentService
	// Profiles by service id. Services without an entry are not profiled.
	Profiles map[string]storage.EnergyProfile
}

// Allocation is the share of active minutes assigned to one profiled service.
type Allocation struct {
	ServiceID       string  `json:"serviceId"`
	Weight          float64 `json:"weight"`
	Minutes         float64 `json:"minutes"`
	AvgKwhPerMin    float64 `json:"avgKwhPerMin"`
	StdDevKwhPerMin float64 `json:"stdDevKwhPerMin"`
	ExpectedKwh     float64 `json:"expectedKwh"`
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Outcome      Outcome      `json:"outcome"`
	ActualKwh    float64      `json:"actualKwh"`
	ExpectedKwh  float64      `json:"expectedKwh"`
	DeviationPct float64      `json:"deviationPct"`
	StdDevSum    float64      `json:"stdDevSum"`
	Threshold    float64      `json:"thresholdKwh"`
	Allocations  []Allocation `json:"allocations"`
}

// Anomalous reports whether the verdict flags over-consumption.
func (v Verdict) Anomalous() bool {
	return v.Outcome == OutcomeAnomalous
}

// Evaluate decides whether the actual energy exceeds what the profiles
// predict for the session's services.
//
// Active minutes are split over profiled services in proportion to their
// declared durations, or evenly when none declares a duration. Only services
// that receive minutes contribute to StdDevSum. A session is
// anomalous when it deviates by more than MinDeviationPct and also exceeds
// expected + max(StdDevMultiplier*StdDevSum, MinRelativeMargin*expected).
func Evaluate(in Input, th Thresholds) Verdict {
	verdict := Verdict{
		ActualKwh:   in.ActualKwh,
		Allocations: allocate(in),
	}

	for _, a := range verdict.Allocations {
		verdict.ExpectedKwh += a.ExpectedKwh
		// A service that received no minutes adds no spread either.
		if a.Minutes > 0 {
			verdict.StdDevSum += a.StdDevKwhPerMin
		}
	}

	if verdict.ExpectedKwh <= 0 {
		verdict.Outcome = OutcomeColdStartSkipped
		verdict.ExpectedKwh = 0
		return verdict
	}

	verdict.DeviationPct = (in.ActualKwh - verdict.ExpectedKwh) / verdict.ExpectedKwh
	verdict.Threshold = verdict.ExpectedKwh + max(th.StdDevMultiplier*verdict.StdDevSum, th.MinRelativeMargin*verdict.ExpectedKwh)

	if verdict.DeviationPct > th.MinDeviationPct && in.ActualKwh > verdict.Threshold {
		verdict.Outcome = OutcomeAnomalous
	} else {
		verdict.Outcome = OutcomeNormal
	}
	return verdict
}

func allocate(in Input) []Allocation {
	if in.ActualMinutes <= 0 {
		return []Allocation{}
	}

	order := make([]string, 0, len(in.Services))
	weights := make(map[string]float64, len(in.Services))
	for _, svc := range in.Services {
		if _, ok := in.Profiles[svc.ServiceID]; !ok {
			continue
		}
		if _, seen := weights[svc.ServiceID]; !seen {
			order = append(order, svc.ServiceID)
		}
		weights[svc.ServiceID] += float64(svc.DeclaredMinutes())
	}
	if len(order) == 0 {
		return []Allocation{}
	}

	var total float64
	for _, id := range order {
		total += weights[id]
	}
	if total == 0 {
		for _, id := range order {
			weights[id] = 1
		}
		total = float64(len(order))
	}

	minutes := float64(in.ActualMinutes)
	allocations := make([]Allocation, 0, len(order))
	for _, id := range order {
		profile := in.Profiles[id]
		share := minutes * weights[id] / total
		allocations = append(allocations, Allocation{
			ServiceID:       id,
			Weight:          weights[id] / total,
			Minutes:         share,
			AvgKwhPerMin:    profile.AvgKwhPerMin,
			StdDevKwhPerMin: profile.StdDevKwhPerMin,
			ExpectedKwh:     profile.AvgKwhPerMin * share,
		})
	}
	return allocations
}
