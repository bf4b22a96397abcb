package sensor

import (
	"errors"
	"fmt"
)

// Fake is a test double that returns scripted readings per channel.
type Fake struct {
	// Samples contains the scripted readings of each channel.
	// Each call to Read consumes the next one; the last is repeated.
	Samples map[int][]Reading

	// Enabled records the last Enable call per channel.
	Enabled map[int]bool

	// ReadError, if set, is returned by Read for every channel.
	ReadError error

	// EnableError, if set, is returned by Enable.
	EnableError error

	// Reads counts Read calls per channel.
	Reads map[int]int

	// Closed tracks if Close was called.
	Closed bool

	index map[int]int
}

// NewFake creates a Fake with no scripted readings.
func NewFake() *Fake {
	return &Fake{
		Samples: make(map[int][]Reading),
		Enabled: make(map[int]bool),
		Reads:   make(map[int]int),
		index:   make(map[int]int),
	}
}

// Script sets the readings returned for channel.
func (f *Fake) Script(channel int, readings ...Reading) *Fake {
	f.Samples[channel] = readings
	f.index[channel] = 0
	return f
}

// Enable records the channel state.
func (f *Fake) Enable(channel int, on bool) error {
	if f.EnableError != nil {
		return f.EnableError
	}
	f.Enabled[channel] = on
	return nil
}

// Read returns the next scripted reading of channel.
func (f *Fake) Read(channel int) (float64, float64, error) {
	f.Reads[channel]++
	if f.ReadError != nil {
		return 0, 0, f.ReadError
	}
	samples := f.Samples[channel]
	if len(samples) == 0 {
		return 0, 0, errors.New("no samples configured")
	}
	if !f.Enabled[channel] {
		return 0, 0, fmt.Errorf("channel %d not enabled", channel)
	}

	i := f.index[channel]
	r := samples[i]
	if i < len(samples)-1 {
		f.index[channel] = i + 1
	}
	return r.Voltage, r.Current, nil
}

// Close marks the fake as closed.
func (f *Fake) Close() error {
	f.Closed = true
	return nil
}
