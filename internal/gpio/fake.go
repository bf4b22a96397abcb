package gpio

import "errors"

// FakeRelay records relay commands for test assertions.
type FakeRelay struct {
	// On is the current state.
	On bool

	// History contains every commanded state, in order.
	History []bool

	// SetError, if set, will be returned by SetEnergized (the state is unchanged).
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeRelay creates a de-energized FakeRelay.
func NewFakeRelay() *FakeRelay {
	return &FakeRelay{}
}

// SetEnergized records the command.
func (f *FakeRelay) SetEnergized(on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.On = on
	f.History = append(f.History, on)
	return nil
}

// Energized returns the current state.
func (f *FakeRelay) Energized() bool {
	return f.On
}

// Close de-energizes and marks the relay as closed.
func (f *FakeRelay) Close() error {
	f.On = false
	f.Closed = true
	return nil
}

// FakeButtons is a test double that returns scripted button states.
type FakeButtons struct {
	// Samples contains scripted button states to return.
	// Each call to Read() consumes the next sample.
	Samples []Press

	// index tracks current position in Samples
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// Press is a single reading of both buttons.
type Press struct {
	Start bool
	Stop  bool
}

// NewFakeButtons creates FakeButtons with the given samples.
func NewFakeButtons(samples []Press) *FakeButtons {
	return &FakeButtons{Samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeButtons) Read() (bool, bool, error) {
	if f.ReadError != nil {
		return false, false, f.ReadError
	}

	if len(f.Samples) == 0 {
		return false, false, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}

	return sample.Start, sample.Stop, nil
}

// Close marks the buttons as closed.
func (f *FakeButtons) Close() error {
	f.Closed = true
	return nil
}

// Reset resets the buttons to the beginning of samples.
func (f *FakeButtons) Reset() {
	f.index = 0
	f.Closed = false
}

var (
	_ Relay   = (*FakeRelay)(nil)
	_ Relay   = (*RealRelay)(nil)
	_ Buttons = (*FakeButtons)(nil)
	_ Buttons = (*RealButtons)(nil)
)
