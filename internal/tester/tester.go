package tester

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/battery-tester/internal/indicator"
)

// sampleCue is the brightness factor applied to the pixel while a read is in progress.
const sampleCue = 3

// ErrNotWaiting is returned by Start when the tester was already started.
var ErrNotWaiting = errors.New("tester is not waiting")

// Tester runs the discharge test of one channel.
// It is not safe for concurrent use; the scheduler drives it from one goroutine.
type Tester struct {
	ch     Channel
	params Params

	sensor Sensor
	relay  Relay
	pixel  Indicator
	logs   LogOpener
	sink   Sink

	logFile       string
	state         State
	samplePeriod  time.Duration
	startTime     time.Time
	lastSample    time.Time
	prevVoltage   float64
	prevCurrent   float64
	charge        float64
	resetPending  bool
	cycles        int
	cycleCharges  []float64
	endingLeft    int
	readFailures  int
	writeFailures int
	degraded      bool
	fault         bool
}

// New creates a tester in the WAITING state: relay off, waiting colour.
func New(ch Channel, params Params, sensor Sensor, relay Relay, pixel Indicator, logs LogOpener) *Tester {
	t := &Tester{
		ch:     ch,
		params: params,
		sensor: sensor,
		relay:  relay,
		pixel:  pixel,
		logs:   logs,
		state:  StateWaiting,
	}
	t.setRelay(false)
	t.pixel.Set(indicator.Waiting)
	return t
}

// Slot returns the physical slot of the tester.
func (t *Tester) Slot() int { return t.ch.Slot }

// State returns the current state.
func (t *Tester) State() State { return t.state }

// Charge returns the charge accumulated in the current cycle, in Ah.
func (t *Tester) Charge() float64 { return t.charge }

// Cycles returns the number of completed discharge cycles.
func (t *Tester) Cycles() int { return t.cycles }

// SamplePeriod returns the current sampling interval.
func (t *Tester) SamplePeriod() time.Duration { return t.samplePeriod }

// LastSampleTime returns the schedule time of the last sample.
func (t *Tester) LastSampleTime() time.Time { return t.lastSample }

// Status returns a snapshot of the tester.
func (t *Tester) Status() Status {
	var elapsed time.Duration
	if !t.startTime.IsZero() {
		elapsed = t.lastSample.Sub(t.startTime)
	}
	return Status{
		Slot:          t.ch.Slot,
		Battery:       t.ch.Battery,
		State:         t.state,
		SamplePeriod:  t.samplePeriod,
		Voltage:       t.prevVoltage,
		Current:       t.prevCurrent,
		Charge:        t.charge,
		Cycles:        t.cycles,
		CycleCharges:  append([]float64(nil), t.cycleCharges...),
		Elapsed:       elapsed,
		ReadFailures:  t.readFailures,
		WriteFailures: t.writeFailures,
		Fault:         t.fault,
		LogFile:       t.logFile,
	}
}

// Start opens the channel log, enables the sensor channel and arms the test.
// The relay stays off until the first Run.
func (t *Tester) Start() error {
	if t.state != StateWaiting {
		return fmt.Errorf("slot %d: %w (state %s)", t.ch.Slot, ErrNotWaiting, t.state)
	}

	sink, err := t.logs.Open(t.ch.Slot, t.ch.Battery)
	if err != nil {
		return fmt.Errorf("slot %d: open log: %w", t.ch.Slot, err)
	}
	if err := t.sensor.Enable(t.ch.SensorChannel, true); err != nil {
		sink.Close()
		return fmt.Errorf("slot %d: enable sensor channel %d: %w", t.ch.Slot, t.ch.SensorChannel, err)
	}

	t.sink = sink
	t.logFile = ""
	if p, ok := sink.(interface{ Path() string }); ok {
		t.logFile = p.Path()
	}
	t.charge = 0
	t.resetPending = false
	t.cycles = 0
	t.cycleCharges = nil
	t.readFailures = 0
	t.writeFailures = 0
	t.degraded = false
	t.fault = false
	t.startTime = time.Time{}
	t.lastSample = time.Time{}
	t.samplePeriod = t.params.DefaultPeriod
	t.state = StateStarting
	log.Printf("tester[%d]: starting %q", t.ch.Slot, t.ch.Battery)
	return nil
}

// Run advances the state machine if a sample is due and returns the events
// it produced. Calls before the next sample deadline are no-ops.
func (t *Tester) Run(now time.Time) []Event {
	switch t.state {
	case StateWaiting, StateEnded:
		return nil
	case StateStarting:
		return t.begin(now)
	}

	if now.Sub(t.lastSample) < t.samplePeriod {
		return nil
	}
	return t.sample(now)
}

// begin takes the open-circuit sample with the relay still off, then loads the battery.
func (t *Tester) begin(now time.Time) []Event {
	pixel := t.pixel.Get()
	t.pixel.Set(pixel.Intensify(sampleCue))

	voltage, current, err := t.sensor.Read(t.ch.SensorChannel)
	if err != nil {
		return t.readFailed(now, err)
	}
	t.readFailures = 0
	t.degraded = false

	t.startTime = now
	t.lastSample = now
	t.writeRow(Row{Elapsed: 0, Voltage: voltage, Current: current, Charge: 0})
	t.prevVoltage = voltage
	t.prevCurrent = current

	t.setRelay(true)
	t.state = StateRunning
	t.samplePeriod = t.params.DefaultPeriod
	t.pixel.Set(StateRunning.Color())
	log.Printf("tester[%d]: open circuit %.3fV, load on", t.ch.Slot, voltage)

	return []Event{t.event(now, EventStarted, StateStarting, StateRunning, voltage, current)}
}

func (t *Tester) sample(now time.Time) []Event {
	pixel := t.pixel.Get()
	t.pixel.Set(pixel.Intensify(sampleCue))

	voltage, current, err := t.sensor.Read(t.ch.SensorChannel)
	if err != nil {
		t.pixel.Set(pixel)
		return t.readFailed(now, err)
	}
	t.readFailures = 0
	if t.degraded {
		t.degraded = false
		pixel = t.state.Color()
	}

	interval := t.samplePeriod
	t.lastSample = t.lastSample.Add(interval)

	from := t.state
	if t.resetPending {
		t.charge = 0
		t.resetPending = false
	}
	if from != StateEnding {
		delta := interval.Seconds() * (t.prevCurrent + current) / 2 / 3600
		if delta > 0 {
			t.charge += delta
		}
	}

	events := t.evaluate(now, from, voltage, current)

	t.writeRow(Row{
		Elapsed: t.lastSample.Sub(t.startTime).Seconds(),
		Voltage: voltage,
		Current: current,
		Charge:  t.charge,
	})
	t.prevVoltage = voltage
	t.prevCurrent = current

	if t.state != from {
		t.pixel.Set(t.state.Color())
	} else {
		t.pixel.Set(pixel)
	}
	return events
}

// evaluate applies the transition rules in order. Several rules may fire in
// the same tick; none of them moves back to a slower state within a cycle.
func (t *Tester) evaluate(now time.Time, from State, voltage, current float64) []Event {
	var events []Event
	move := func(to State) {
		events = append(events, t.event(now, EventTransition, t.state, to, voltage, current))
		log.Printf("tester[%d]: %s -> %s at %.3fV", t.ch.Slot, t.state, to, voltage)
		t.state = to
	}

	if t.state.rank() < StateRunningFast.rank() && voltage < t.params.FastThreshold {
		move(StateRunningFast)
		t.samplePeriod = t.params.FastPeriod
	}
	if t.state.rank() < StateRunningFast2.rank() && voltage < t.params.Fast2Threshold {
		move(StateRunningFast2)
		t.samplePeriod = t.params.Fast2Period
	}
	if t.state.rank() < StateEnding.rank() && voltage <= t.params.EndThreshold {
		t.setRelay(false)
		move(StateEnding)
		t.samplePeriod = t.params.EndingPeriod
		t.endingLeft = t.params.EndingSamples
	}

	if from != StateEnding {
		return events
	}

	// Only ticks that began in ENDING count down.
	t.setRelay(false)
	t.endingLeft--
	if t.endingLeft > 0 {
		return events
	}

	t.cycles++
	t.cycleCharges = append(t.cycleCharges, t.charge)
	done := t.event(now, EventCycleComplete, StateEnding, StateEnding, voltage, current)
	events = append(events, done)
	log.Printf("tester[%d]: cycle %d complete, %.4fAh", t.ch.Slot, t.cycles, t.charge)

	if t.cycles < t.params.MaxCycles {
		t.setRelay(true)
		move(StateRunningFast)
		t.samplePeriod = t.params.FastPeriod
		t.resetPending = true
		return events
	}

	move(StateEnded)
	t.finish()
	return events
}

// readFailed handles a sensor error: the tick is skipped and retried on the
// next poll, unless the failure limit is reached.
func (t *Tester) readFailed(now time.Time, err error) []Event {
	t.readFailures++
	t.degraded = true
	t.pixel.Set(indicator.Fault)
	log.Printf("tester[%d]: sensor read error (%d consecutive): %v", t.ch.Slot, t.readFailures, err)

	if t.params.MaxReadFailures == 0 || t.readFailures < t.params.MaxReadFailures {
		return nil
	}

	from := t.state
	t.setRelay(false)
	t.fault = true
	t.state = StateEnded
	t.finish()
	t.pixel.Set(indicator.Fault)
	log.Printf("tester[%d]: giving up after %d sensor errors", t.ch.Slot, t.readFailures)

	ev := t.event(now, EventFault, from, StateEnded, t.prevVoltage, t.prevCurrent)
	ev.Reason = err.Error()
	return []Event{ev}
}

// finish is the ENDED entry action.
func (t *Tester) finish() {
	if err := t.sensor.Enable(t.ch.SensorChannel, false); err != nil {
		log.Printf("tester[%d]: disable sensor channel: %v", t.ch.Slot, err)
	}
	t.closeSink()
	if !t.fault {
		t.pixel.Set(indicator.Ended)
	}
}

// Deinit forces the relay off, resets the indicator and releases the log.
// It is safe to call in any state.
func (t *Tester) Deinit(now time.Time) []Event {
	from := t.state
	t.setRelay(false)
	if from.Active() {
		if err := t.sensor.Enable(t.ch.SensorChannel, false); err != nil {
			log.Printf("tester[%d]: disable sensor channel: %v", t.ch.Slot, err)
		}
	}
	t.closeSink()
	t.state = StateWaiting
	t.pixel.Set(indicator.Waiting)

	if from == StateWaiting {
		return nil
	}
	return []Event{t.event(now, EventStopped, from, StateWaiting, t.prevVoltage, t.prevCurrent)}
}

func (t *Tester) setRelay(on bool) {
	if err := t.relay.SetEnergized(on); err != nil {
		log.Printf("tester[%d]: relay energized=%v: %v", t.ch.Slot, on, err)
	}
}

// writeRow appends to the log. Failures are counted and otherwise ignored so
// the state machine keeps control of the relay.
func (t *Tester) writeRow(row Row) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Append(row); err != nil {
		t.writeFailures++
		log.Printf("tester[%d]: log write failed (%d total): %v", t.ch.Slot, t.writeFailures, err)
	}
}

func (t *Tester) closeSink() {
	if t.sink == nil {
		return
	}
	if err := t.sink.Close(); err != nil {
		log.Printf("tester[%d]: close log: %v", t.ch.Slot, err)
	}
	t.sink = nil
}

func (t *Tester) event(now time.Time, typ EventType, from, to State, voltage, current float64) Event {
	return Event{
		Timestamp: now,
		Slot:      t.ch.Slot,
		Battery:   t.ch.Battery,
		Type:      typ,
		From:      from,
		To:        to,
		Voltage:   voltage,
		Current:   current,
		Charge:    t.charge,
		Cycle:     t.cycles,
	}
}
