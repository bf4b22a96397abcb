//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealRelay is not available on non-Linux platforms.
type RealRelay struct{}

// NewRealRelay returns an error on non-Linux platforms.
func NewRealRelay(chip string, pin int, activeLow bool) (*RealRelay, error) {
	return nil, errUnsupported
}

// SetEnergized is not implemented on non-Linux platforms.
func (r *RealRelay) SetEnergized(on bool) error { return errUnsupported }

// Energized always reports false on non-Linux platforms.
func (r *RealRelay) Energized() bool { return false }

// Close is not implemented on non-Linux platforms.
func (r *RealRelay) Close() error { return nil }

// RealButtons is not available on non-Linux platforms.
type RealButtons struct{}

// NewRealButtons returns an error on non-Linux platforms.
func NewRealButtons(chipName string, pinStart, pinStop int) (*RealButtons, error) {
	return nil, errUnsupported
}

// Read is not implemented on non-Linux platforms.
func (b *RealButtons) Read() (bool, bool, error) {
	return false, false, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (b *RealButtons) Close() error {
	return nil
}
