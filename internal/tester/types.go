// Package tester contains the per-channel discharge test state machine.
// This package has NO hardware dependencies: sensor, relay, indicator and log
// sink are interfaces, and time is always injected via time.Time parameters.
package tester

import (
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/battery-tester/internal/indicator"
)

// State is the lifecycle state of one channel.
type State string

const (
	StateWaiting      State = "WAITING"
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateRunningFast  State = "RUNNING_FAST"
	StateRunningFast2 State = "RUNNING_FAST_2"
	StateEnding       State = "ENDING"
	StateEnded        State = "ENDED"
)

// rank orders the states so transition rules can be written as one-way ratchets.
func (s State) rank() int {
	switch s {
	case StateWaiting:
		return 0
	case StateStarting:
		return 1
	case StateRunning:
		return 2
	case StateRunningFast:
		return 3
	case StateRunningFast2:
		return 4
	case StateEnding:
		return 5
	case StateEnded:
		return 6
	}
	return -1
}

// Color returns the indicator colour shown while in state s.
func (s State) Color() indicator.Color {
	switch s {
	case StateRunning:
		return indicator.Running
	case StateRunningFast:
		return indicator.RunningFast
	case StateRunningFast2:
		return indicator.RunningFast2
	case StateEnding:
		return indicator.Ending
	case StateEnded:
		return indicator.Ended
	}
	return indicator.Waiting
}

// Active reports whether the state takes samples.
func (s State) Active() bool {
	return s != StateWaiting && s != StateEnded
}

// EventType identifies what happened on a channel.
type EventType string

const (
	EventStarted       EventType = "STARTED"
	EventTransition    EventType = "TRANSITION"
	EventCycleComplete EventType = "CYCLE_COMPLETE"
	EventFault         EventType = "FAULT"
	EventStopped       EventType = "STOPPED"
)

// Event is a notable change on a channel, to be published.
type Event struct {
	Timestamp time.Time
	Slot      int
	Battery   string
	Type      EventType
	From      State
	To        State
	Voltage   float64
	Current   float64
	Charge    float64 // Ah
	Cycle     int
	Reason    string
}

// Row is one line of a channel's time series log.
type Row struct {
	Elapsed float64 // seconds since the run started
	Voltage float64 // V
	Current float64 // A
	Charge  float64 // Ah
}

// Sensor reads voltage and current for a sensor channel.
type Sensor interface {
	Enable(channel int, on bool) error
	Read(channel int) (voltage, current float64, err error)
}

// Relay switches the load of one channel. De-energized is the safe state.
type Relay interface {
	SetEnergized(on bool) error
}

// Indicator is the status pixel of one channel.
type Indicator interface {
	Set(c indicator.Color)
	Get() indicator.Color
}

// Sink is an append-only time series writer bound to one channel.
type Sink interface {
	Append(row Row) error
	Close() error
}

// LogOpener creates the sink for a channel when its test starts.
type LogOpener interface {
	Open(slot int, battery string) (Sink, error)
}

// Channel identifies a physical slot.
type Channel struct {
	Slot          int    // physical slot number, used for naming and logging
	SensorChannel int    // sensor input addressed for this slot
	Battery       string // operator supplied battery name, may be empty
}

// Params are the thresholds and timings of a discharge test.
type Params struct {
	DefaultPeriod  time.Duration
	FastPeriod     time.Duration
	Fast2Period    time.Duration
	EndingPeriod   time.Duration
	FastThreshold  float64 // V, strictly below enters RUNNING_FAST
	Fast2Threshold float64 // V, strictly below enters RUNNING_FAST_2
	EndThreshold   float64 // V, at or below enters ENDING
	EndingSamples  int
	MaxCycles      int
	// MaxReadFailures consecutive sensor failures end the channel with a fault.
	// 0 retries forever.
	MaxReadFailures int
}

// DefaultParams returns the timings used for single Li-Ion cells.
func DefaultParams() Params {
	return Params{
		DefaultPeriod:   10 * time.Second,
		FastPeriod:      2 * time.Second,
		Fast2Period:     1 * time.Second,
		EndingPeriod:    500 * time.Millisecond,
		FastThreshold:   3.5,
		Fast2Threshold:  3.3,
		EndThreshold:    3.0,
		EndingSamples:   60,
		MaxCycles:       1,
		MaxReadFailures: 20,
	}
}

// ErrInvalidParams is wrapped by all Params validation errors.
var ErrInvalidParams = errors.New("invalid test parameters")

// MinSamplePeriod is the shortest sample period. The log records elapsed
// time with two decimals, so shorter periods would log duplicate times.
const MinSamplePeriod = 10 * time.Millisecond

// Validate checks the ordering constraints the state machine relies on.
func (p Params) Validate() error {
	if p.EndingPeriod <= 0 || p.Fast2Period <= 0 || p.FastPeriod <= 0 || p.DefaultPeriod <= 0 {
		return fmt.Errorf("%w: sample periods must be positive", ErrInvalidParams)
	}
	if p.EndingPeriod < MinSamplePeriod || p.Fast2Period < MinSamplePeriod ||
		p.FastPeriod < MinSamplePeriod || p.DefaultPeriod < MinSamplePeriod {
		return fmt.Errorf("%w: sample periods must be at least %v", ErrInvalidParams, MinSamplePeriod)
	}
	if p.FastPeriod > p.DefaultPeriod || p.Fast2Period > p.FastPeriod || p.EndingPeriod > p.Fast2Period {
		return fmt.Errorf("%w: sample periods must not increase (default %v, fast %v, fast2 %v, ending %v)",
			ErrInvalidParams, p.DefaultPeriod, p.FastPeriod, p.Fast2Period, p.EndingPeriod)
	}
	if p.EndThreshold > p.Fast2Threshold || p.Fast2Threshold > p.FastThreshold {
		return fmt.Errorf("%w: thresholds must satisfy end <= fast2 <= fast (%.3f, %.3f, %.3f)",
			ErrInvalidParams, p.EndThreshold, p.Fast2Threshold, p.FastThreshold)
	}
	if p.EndingSamples < 1 {
		return fmt.Errorf("%w: ending samples must be at least 1", ErrInvalidParams)
	}
	if p.MaxCycles < 1 {
		return fmt.Errorf("%w: max cycles must be at least 1", ErrInvalidParams)
	}
	if p.MaxReadFailures < 0 {
		return fmt.Errorf("%w: max read failures must not be negative", ErrInvalidParams)
	}
	return nil
}

// Status is a point-in-time view of a tester, safe to keep after the call.
type Status struct {
	Slot          int
	Battery       string
	State         State
	SamplePeriod  time.Duration
	Voltage       float64
	Current       float64
	Charge        float64
	Cycles        int
	CycleCharges  []float64
	Elapsed       time.Duration
	ReadFailures  int
	WriteFailures int
	Fault         bool
	LogFile       string // empty when the sink has no path
}
