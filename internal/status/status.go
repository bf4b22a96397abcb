// Package status provides a thread-safe status tracker for the battery-tester daemon.
// It is written by the scheduler loop and read by HTTP handlers and MQTT status events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/battery-tester/internal/indicator"
	"github.com/sweeney/battery-tester/internal/tester"
)

// NetworkInfo contains network state as reported by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	PollMs      int64
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	Sensor      string
	LogDir      string
	MaxCycles   int
	AutoStop    bool
}

// Phase is the run phase of the whole rig.
type Phase string

const (
	PhaseWaiting Phase = "WAITING_FOR_START"
	PhaseRunning Phase = "RUNNING"
	PhaseStopped Phase = "STOPPED"
)

// Channel is the displayed state of one test slot.
type Channel struct {
	tester.Status
	Color indicator.Color
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Phase         Phase
	Channels      []Channel // by slot
	StartTime     time.Time
	RunStart      time.Time // zero until the operator starts the run
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Channel returns the channel in slot.
func (s Snapshot) Channel(slot int) (Channel, bool) {
	for _, ch := range s.Channels {
		if ch.Slot == slot {
			return ch, true
		}
	}
	return Channel{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu       sync.RWMutex
	snap     Snapshot
	channels map[int]*Channel
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Phase:     PhaseWaiting,
			StartTime: startTime,
			Config:    cfg,
		},
		channels: make(map[int]*Channel),
	}
}

func (t *Tracker) channel(slot int) *Channel {
	ch, ok := t.channels[slot]
	if !ok {
		ch = &Channel{}
		ch.Slot = slot
		t.channels[slot] = ch
	}
	return ch
}

// Update records the latest status of a tester.
// Called from the scheduler loop after every poll of the channel.
func (t *Tracker) Update(st tester.Status) {
	t.mu.Lock()
	ch := t.channel(st.Slot)
	ch.Status = st
	t.mu.Unlock()
}

// SetColor records the indicator colour of a slot.
func (t *Tracker) SetColor(slot int, c indicator.Color) {
	t.mu.Lock()
	t.channel(slot).Color = c
	t.mu.Unlock()
}

// SetPhase sets the run phase. Entering PhaseRunning records the run start.
func (t *Tracker) SetPhase(p Phase, now time.Time) {
	t.mu.Lock()
	t.snap.Phase = p
	if p == PhaseRunning {
		t.snap.RunStart = now
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Channels = make([]Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		c := *ch
		c.CycleCharges = append([]float64(nil), ch.CycleCharges...)
		s.Channels = append(s.Channels, c)
	}
	t.mu.RUnlock()

	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Slot < s.Channels[j].Slot })
	s.Now = time.Now()
	return s
}
