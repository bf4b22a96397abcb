package mqtt

import (
	"github.com/sweeney/battery-tester/internal/tester"
)

// FakePublisher records what the rig would send to the broker, keyed the way
// the broker sees it: channel events per slot topic, system events on the
// system topic.
type FakePublisher struct {
	// Events contains all channel events, in publish order.
	Events []tester.Event

	// Payloads contains the JSON payloads of Events.
	Payloads [][]byte

	// Topics contains the topic of every published message, channel and
	// system events interleaved in publish order.
	Topics []string

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the channel event.
func (f *FakePublisher) Publish(event tester.Event) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	f.Payloads = append(f.Payloads, payload)
	f.Topics = append(f.Topics, EventTopic(DefaultPrefix, event.Slot))
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	f.Topics = append(f.Topics, SystemTopic(DefaultPrefix))
	return nil
}

// SlotEvents returns the events published for one slot.
func (f *FakePublisher) SlotEvents(slot int) []tester.Event {
	var out []tester.Event
	for _, ev := range f.Events {
		if ev.Slot == slot {
			out = append(out, ev)
		}
	}
	return out
}

// EventTypes returns the event types published for one slot, in order.
func (f *FakePublisher) EventTypes(slot int) []tester.EventType {
	var out []tester.EventType
	for _, ev := range f.SlotEvents(slot) {
		out = append(out, ev.Type)
	}
	return out
}

// Transitions returns the states a slot entered through TRANSITION events.
func (f *FakePublisher) Transitions(slot int) []tester.State {
	var out []tester.State
	for _, ev := range f.SlotEvents(slot) {
		if ev.Type == tester.EventTransition {
			out = append(out, ev.To)
		}
	}
	return out
}

// CycleCharges returns the charge reported by each CYCLE_COMPLETE of a slot.
func (f *FakePublisher) CycleCharges(slot int) []float64 {
	var out []float64
	for _, ev := range f.SlotEvents(slot) {
		if ev.Type == tester.EventCycleComplete {
			out = append(out, ev.Charge)
		}
	}
	return out
}

// SystemEventNames returns the names of the recorded system events in order.
func (f *FakePublisher) SystemEventNames() []string {
	names := make([]string, 0, len(f.SystemEvents))
	for _, e := range f.SystemEvents {
		names = append(names, e.Event)
	}
	return names
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}

// IsConnected reports the Connected field.
func (f *FakePublisher) IsConnected() bool {
	return f.Connected
}

// Reset clears everything recorded and the injected errors.
func (f *FakePublisher) Reset() {
	*f = FakePublisher{}
}

var (
	_ Publisher        = (*FakePublisher)(nil)
	_ ConnectionStatus = (*FakePublisher)(nil)
)
