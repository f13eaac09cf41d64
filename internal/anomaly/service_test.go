package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clinicops/equipwatch/internal/notify"
	"github.com/clinicops/equipwatch/internal/storage"
	"github.com/clinicops/equipwatch/internal/storage/bolt"
	"github.com/clinicops/equipwatch/internal/usage"
	"github.com/rs/zerolog"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	store   storage.Store
	engine  *usage.Engine
	service *Service
	clock   *usage.TestClock
	events  *recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "anomaly.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := usage.NewTestClock(base)
	events := &recorder{}
	engine := usage.NewEngine(store.Sessions(), store.Appointments(), events, usage.Config{
		DefaultSystemID: "clinic-1",
		Clock:           clock,
	}, zerolog.Nop())
	service := NewService(store, events, DefaultThresholds(), clock, zerolog.Nop())

	ctx := context.Background()
	if err := store.Appointments().UpsertAppointment(ctx, storage.Appointment{
		ID:       "appt-1",
		SystemID: "clinic-1",
		Services: []storage.AppointmentService{{ServiceID: "facial", DurationMinutes: 30}},
	}); err != nil {
		t.Fatalf("UpsertAppointment: %v", err)
	}

	return &fixture{store: store, engine: engine, service: service, clock: clock, events: events}
}

func (f *fixture) seedProfile(t *testing.T) {
	t.Helper()
	err := f.store.Profiles().ReplaceProfile(context.Background(), storage.EnergyProfile{
		SystemID:        "clinic-1",
		EquipmentID:     "laser-1",
		ServiceID:       "facial",
		AvgKwhPerMin:    0.02,
		StdDevKwhPerMin: 0.002,
		SampleCount:     20,
		UpdatedAt:       base,
	})
	if err != nil {
		t.Fatalf("ReplaceProfile: %v", err)
	}
}

// runSession starts and completes a 30-minute session with the given energy.
func (f *fixture) runSession(t *testing.T, kwh float64) storage.UsageSession {
	t.Helper()
	ctx := context.Background()

	session, err := f.engine.Start(ctx, usage.StartRequest{AppointmentID: "appt-1", EquipmentID: "laser-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.clock.Advance(30 * time.Minute)
	completed, err := f.engine.Complete(ctx, session.ID, &kwh)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return *completed
}

func TestEvaluateSessionCreatesOneInsight(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedProfile(t)

	session := f.runSession(t, 1.2)

	evaluation, err := f.service.EvaluateSession(ctx, session.ID, false)
	if err != nil {
		t.Fatalf("EvaluateSession: %v", err)
	}
	if !evaluation.Verdict.Anomalous() || evaluation.Insight == nil || evaluation.Duplicate {
		t.Fatalf("evaluation = %+v", evaluation)
	}

	insight := evaluation.Insight
	if insight.DeviceUsageID != session.ID || insight.Type != storage.InsightOverConsumption {
		t.Errorf("insight = %+v", insight)
	}
	if !approx(insight.ExpectedKwh, 0.6) || !approx(insight.DeviationPct, 1.0) {
		t.Errorf("expected=%v deviation=%v", insight.ExpectedKwh, insight.DeviationPct)
	}

	var detail Detail
	if err := json.Unmarshal(insight.Detail, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Recalculated || !approx(detail.StdDevSum, 0.002) || len(detail.Allocations) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	again, err := f.service.EvaluateSession(ctx, session.ID, true)
	if err != nil {
		t.Fatalf("second EvaluateSession: %v", err)
	}
	if !again.Duplicate || again.Insight == nil || again.Insight.ID != insight.ID {
		t.Fatalf("second evaluation = %+v", again)
	}

	all, err := f.service.ListInsights(ctx, storage.InsightFilter{AppointmentID: "appt-1"})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("insights = %d, want 1", len(all))
	}
	if f.events.count(notify.TypeInsightCreated) != 1 {
		t.Errorf("insight.created events = %d", f.events.count(notify.TypeInsightCreated))
	}
}

func TestEvaluateSessionNormalAndColdStart(t *testing.T) {
	ctx := context.Background()

	t.Run("normal", func(t *testing.T) {
		f := setup(t)
		f.seedProfile(t)
		session := f.runSession(t, 0.65)

		evaluation, err := f.service.EvaluateSession(ctx, session.ID, false)
		if err != nil {
			t.Fatalf("EvaluateSession: %v", err)
		}
		if evaluation.Verdict.Outcome != OutcomeNormal || evaluation.Insight != nil {
			t.Fatalf("evaluation = %+v", evaluation)
		}
	})

	t.Run("cold start", func(t *testing.T) {
		f := setup(t)
		session := f.runSession(t, 9)

		evaluation, err := f.service.EvaluateSession(ctx, session.ID, false)
		if err != nil {
			t.Fatalf("EvaluateSession: %v", err)
		}
		if evaluation.Verdict.Outcome != OutcomeColdStartSkipped || evaluation.Insight != nil {
			t.Fatalf("evaluation = %+v", evaluation)
		}
		insights, err := f.service.ListInsights(ctx, storage.InsightFilter{})
		if err != nil {
			t.Fatalf("ListInsights: %v", err)
		}
		if len(insights) != 0 {
			t.Fatalf("cold start created %d insights", len(insights))
		}
	})
}

func TestEvaluateSessionRequiresCompletion(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	session, err := f.engine.Start(ctx, usage.StartRequest{AppointmentID: "appt-1", EquipmentID: "laser-1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.service.EvaluateSession(ctx, session.ID, false); !errors.Is(err, ErrSessionNotCompleted) {
		t.Fatalf("err = %v, want ErrSessionNotCompleted", err)
	}
	if _, err := f.service.EvaluateSession(ctx, "missing", false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCompletionObserverAndResolve(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedProfile(t)
	f.engine.SetCompletionObserver(f.service)

	f.runSession(t, 1.2)
	second := f.runSession(t, 1.5)

	open, err := f.service.ListInsights(ctx, storage.InsightFilter{UnresolvedOnly: true})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("unresolved insights = %d, want 1", len(open))
	}

	resolved, err := f.service.ResolveInsight(ctx, open[0].ID)
	if err != nil {
		t.Fatalf("ResolveInsight: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolved = %+v", resolved)
	}
	if _, err := f.service.ResolveInsight(ctx, open[0].ID); err != nil {
		t.Fatalf("second ResolveInsight: %v", err)
	}

	evaluation, err := f.service.EvaluateSession(ctx, second.ID, true)
	if err != nil {
		t.Fatalf("EvaluateSession: %v", err)
	}
	if evaluation.Duplicate || evaluation.Insight == nil {
		t.Fatalf("expected a new insight after resolution, got %+v", evaluation)
	}
}

func TestEvaluateRangeAndPreview(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	a := f.runSession(t, 1.2)
	f.runSession(t, 0.6)
	f.seedProfile(t)

	preview, err := f.service.Preview(ctx, a.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !preview.Verdict.Anomalous() || preview.Insight != nil {
		t.Fatalf("preview = %+v", preview)
	}

	result, err := f.service.EvaluateRange(ctx, "clinic-1", storage.DateRange{})
	if err != nil {
		t.Fatalf("EvaluateRange: %v", err)
	}
	if result.Evaluated != 2 || result.Anomalous != 1 || result.Created != 1 {
		t.Fatalf("result = %+v", result)
	}

	result, err = f.service.EvaluateRange(ctx, "clinic-1", storage.DateRange{})
	if err != nil {
		t.Fatalf("second EvaluateRange: %v", err)
	}
	if result.Created != 0 || result.Anomalous != 1 {
		t.Fatalf("second result = %+v", result)
	}
}

func TestConcurrentEvaluationsDeduplicate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.seedProfile(t)
	session := f.runSession(t, 1.2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.EvaluateSession(ctx, session.ID, true); err != nil {
				t.Errorf("EvaluateSession: %v", err)
			}
		}()
	}
	wg.Wait()

	insights, err := f.service.ListInsights(ctx, storage.InsightFilter{UnresolvedOnly: true})
	if err != nil {
		t.Fatalf("ListInsights: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("unresolved insights = %d, want 1", len(insights))
	}
}
