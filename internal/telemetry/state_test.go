package telemetry

import (
	"testing"
	"time"
)

func boolPtr(v bool) *bool       { return &v }
func floatPtr(v float64) *float64 { return &v }

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func TestEffectivePower(t *testing.T) {
	tests := []struct {
		name  string
		state DeviceState
		want  float64
	}{
		{"unknown flags", DeviceState{PowerW: 120}, 120},
		{"online relay on", DeviceState{Online: boolPtr(true), RelayOn: boolPtr(true), PowerW: 80}, 80},
		{"offline", DeviceState{Online: boolPtr(false), RelayOn: boolPtr(true), PowerW: 80}, 0},
		{"relay off", DeviceState{Online: boolPtr(true), RelayOn: boolPtr(false), PowerW: 80}, 0},
		{"negative reading", DeviceState{PowerW: -3}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.EffectivePowerW(); got != tt.want {
				t.Errorf("EffectivePowerW() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateCacheLastTimestampWins(t *testing.T) {
	cache, err := NewStateCache(8)
	if err != nil {
		t.Fatalf("NewStateCache: %v", err)
	}

	_, changed := cache.Apply(Event{DeviceID: "plug-1", CurrentPower: floatPtr(100), Voltage: floatPtr(230), Timestamp: t0.Add(time.Minute)}, t0)
	if !changed {
		t.Fatal("first power reading should change power")
	}

	// Older power reading is ignored but its newer temperature is kept.
	state, changed := cache.Apply(Event{DeviceID: "plug-1", CurrentPower: floatPtr(5), Temperature: floatPtr(31), Timestamp: t0}, t0.Add(time.Second))
	if changed {
		t.Error("stale power reading reported as a change")
	}
	if state.PowerW != 100 {
		t.Errorf("PowerW = %v, want 100", state.PowerW)
	}
	if state.Temperature == nil || *state.Temperature != 31 {
		t.Errorf("Temperature = %v, want 31", state.Temperature)
	}

	// Duplicate timestamp is ignored.
	if _, changed := cache.Apply(Event{DeviceID: "plug-1", CurrentPower: floatPtr(7), Timestamp: t0.Add(time.Minute)}, t0); changed {
		t.Error("duplicate reading reported as a change")
	}

	state, changed = cache.Apply(Event{DeviceID: "plug-1", RelayOn: boolPtr(false), Timestamp: t0.Add(2 * time.Minute)}, t0.Add(2*time.Minute))
	if !changed {
		t.Error("relay change not reported")
	}
	if state.EffectivePowerW() != 0 {
		t.Errorf("EffectivePowerW() = %v after relay off, want 0", state.EffectivePowerW())
	}
	if !state.LastEventAt.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("LastEventAt = %v", state.LastEventAt)
	}
	if state.Voltage == nil || *state.Voltage != 230 {
		t.Errorf("Voltage = %v, want 230", state.Voltage)
	}
}

func TestStateCacheEvictsAndSnapshots(t *testing.T) {
	cache, err := NewStateCache(2)
	if err != nil {
		t.Fatalf("NewStateCache: %v", err)
	}

	for i, id := range []string{"plug-c", "plug-a", "plug-b"} {
		cache.Apply(Event{DeviceID: id, CurrentPower: floatPtr(1), Timestamp: t0.Add(time.Duration(i) * time.Second)}, t0)
	}

	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}
	if _, ok := cache.Get("plug-c"); ok {
		t.Error("least recently used device was not evicted")
	}

	snap := cache.Snapshot()
	if len(snap) != 2 || snap[0].DeviceID != "plug-a" || snap[1].DeviceID != "plug-b" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}
