// Package telemetry tracks smart-plug state and turns power readings into
// energy on the usage sessions bound to each plug.
package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Event is one reading reported by a device. Nil fields were not reported.
type Event struct {
	DeviceID     string    `json:"deviceId"`
	Online       *bool     `json:"online,omitempty"`
	RelayOn      *bool     `json:"relayOn,omitempty"`
	CurrentPower *float64  `json:"currentPower,omitempty"`
	Voltage      *float64  `json:"voltage,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeviceState is the latest known state of a device. Each field carries the
// device timestamp it was reported at.
type DeviceState struct {
	DeviceID      string    `json:"deviceId"`
	Online        *bool     `json:"online,omitempty"`
	OnlineAt      time.Time `json:"onlineAt"`
	RelayOn       *bool     `json:"relayOn,omitempty"`
	RelayAt       time.Time `json:"relayAt"`
	PowerW        float64   `json:"powerW"`
	PowerAt       time.Time `json:"powerAt"`
	Voltage       *float64  `json:"voltage,omitempty"`
	VoltageAt     time.Time `json:"voltageAt"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TemperatureAt time.Time `json:"temperatureAt"`
	LastEventAt   time.Time `json:"lastEventAt"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// EffectivePowerW is the power drawn through the plug: zero while the device
// is offline or its relay is off.
func (s DeviceState) EffectivePowerW() float64 {
	if s.Online != nil && !*s.Online {
		return 0
	}
	if s.RelayOn != nil && !*s.RelayOn {
		return 0
	}
	if s.PowerW < 0 {
		return 0
	}
	return s.PowerW
}

// StateCache holds the latest state of recently seen devices.
type StateCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, DeviceState]
}

// NewStateCache creates a cache holding at most size devices.
func NewStateCache(size int) (*StateCache, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, DeviceState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create device cache: %w", err)
	}
	return &StateCache{cache: cache}, nil
}

// Apply merges an event into the device's state. A field is only replaced by
// a strictly newer reading; older and duplicate readings are ignored field by
// field. powerChanged reports whether effective power may have moved.
func (c *StateCache) Apply(ev Event, receivedAt time.Time) (state DeviceState, powerChanged bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, _ = c.cache.Get(ev.DeviceID)
	state.DeviceID = ev.DeviceID
	state.ReceivedAt = receivedAt
	at := ev.Timestamp

	if ev.Online != nil && at.After(state.OnlineAt) {
		v := *ev.Online
		state.Online, state.OnlineAt = &v, at
		powerChanged = true
	}
	if ev.RelayOn != nil && at.After(state.RelayAt) {
		v := *ev.RelayOn
		state.RelayOn, state.RelayAt = &v, at
		powerChanged = true
	}
	if ev.CurrentPower != nil && at.After(state.PowerAt) {
		state.PowerW, state.PowerAt = *ev.CurrentPower, at
		powerChanged = true
	}
	if ev.Voltage != nil && at.After(state.VoltageAt) {
		v := *ev.Voltage
		state.Voltage, state.VoltageAt = &v, at
	}
	if ev.Temperature != nil && at.After(state.TemperatureAt) {
		v := *ev.Temperature
		state.Temperature, state.TemperatureAt = &v, at
	}
	if at.After(state.LastEventAt) {
		state.LastEventAt = at
	}

	c.cache.Add(ev.DeviceID, state)
	return state, powerChanged
}

// Get returns the state of a device.
func (c *StateCache) Get(deviceID string) (DeviceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Peek(deviceID)
}

// Snapshot returns every cached device ordered by id.
func (c *StateCache) Snapshot() []DeviceState {
	c.mu.Lock()
	keys := c.cache.Keys()
	states := make([]DeviceState, 0, len(keys))
	for _, k := range keys {
		if s, ok := c.cache.Peek(k); ok {
			states = append(states, s)
		}
	}
	c.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].DeviceID < states[j].DeviceID })
	return states
}

// Len returns the number of cached devices.
func (c *StateCache) Len() int {
	return c.cache.Len()
}
