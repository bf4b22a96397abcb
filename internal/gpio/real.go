//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealRelay drives a relay board input from a GPIO output line.
type RealRelay struct {
	line *gpiocdev.Line
	pin  int
	on   bool
}

// NewRealRelay requests pin on chip as an output, initially de-energized.
// Most relay boards are active low: a low line energizes the coil.
func NewRealRelay(chip string, pin int, activeLow bool) (*RealRelay, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := gpiocdev.RequestLine(chip, pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request relay pin %d: %w", pin, err)
	}
	return &RealRelay{line: line, pin: pin}, nil
}

// SetEnergized drives the relay line.
func (r *RealRelay) SetEnergized(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("set relay pin %d: %w", r.pin, err)
	}
	r.on = on
	return nil
}

// Energized returns the last commanded state.
func (r *RealRelay) Energized() bool {
	return r.on
}

// Close de-energizes the relay before releasing the line so the load is never
// left connected by a shutdown.
func (r *RealRelay) Close() error {
	var errs []error
	if r.line == nil {
		return nil
	}
	if err := r.SetEnergized(false); err != nil {
		errs = append(errs, err)
	}
	if err := r.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close relay pin %d: %w", r.pin, err))
	}
	r.line = nil
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealButtons reads the start/stop push buttons.
type RealButtons struct {
	chip      *gpiocdev.Chip
	startLine *gpiocdev.Line
	stopLine  *gpiocdev.Line
}

// NewRealButtons requests the button lines as inputs.
// Buttons pull the line high when pressed.
func NewRealButtons(chipName string, pinStart, pinStop int) (*RealButtons, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	startLine, err := chip.RequestLine(pinStart, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request start pin %d: %w", pinStart, err)
	}

	stopLine, err := chip.RequestLine(pinStop, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		startLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request stop pin %d: %w", pinStop, err)
	}

	return &RealButtons{
		chip:      chip,
		startLine: startLine,
		stopLine:  stopLine,
	}, nil
}

// Read returns the pressed state of start and stop.
func (b *RealButtons) Read() (bool, bool, error) {
	start, err := b.startLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read start pin: %w", err)
	}

	stop, err := b.stopLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read stop pin: %w", err)
	}

	return start == 1, stop == 1, nil
}

// Close releases GPIO resources.
func (b *RealButtons) Close() error {
	var errs []error

	if b.startLine != nil {
		if err := b.startLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close start pin: %w", err))
		}
	}
	if b.stopLine != nil {
		if err := b.stopLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stop pin: %w", err))
		}
	}
	if b.chip != nil {
		if err := b.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
