// Package indicator provides the per-channel status colours of the rig.
// A Strip is a shared array of pixels; each tester owns exactly one Slot of it.
package indicator

import (
	"fmt"
	"sync"
)

// Color is an RGB pixel value.
type Color struct {
	R, G, B uint8
}

// Palette.
var (
	Off          = Color{0, 0, 0}
	Waiting      = Color{0, 0, 85}
	Running      = Color{0, 85, 0}
	RunningFast  = Color{10, 85, 0}
	RunningFast2 = Color{40, 85, 0}
	Ending       = Color{85, 85, 0}
	Ended        = Color{255, 0, 0}
	Fault        = Color{85, 0, 85}
	StartPrompt  = Color{0, 80, 0}
)

// Intensify returns c scaled by factor, clamped to 255 per component.
// Used as the "sample in progress" cue.
func (c Color) Intensify(factor int) Color {
	scale := func(v uint8) uint8 {
		n := int(v) * factor
		if n > 255 {
			return 255
		}
		return uint8(n)
	}
	return Color{scale(c.R), scale(c.G), scale(c.B)}
}

// Hex returns the colour as a CSS hex string.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Strip is an addressable array of pixels.
type Strip interface {
	Set(index int, c Color)
	Get(index int) Color
	Len() int
}

// Array is an in-memory Strip. OnChange, if set, is called after every Set
// so another layer (status page, LED driver) can mirror the pixels.
type Array struct {
	mu       sync.RWMutex
	pixels   []Color
	OnChange func(index int, c Color)
}

// NewArray creates an Array with n pixels, all off.
func NewArray(n int) *Array {
	return &Array{pixels: make([]Color, n)}
}

// Set stores c at index. Out-of-range indices are ignored.
func (a *Array) Set(index int, c Color) {
	a.mu.Lock()
	if index < 0 || index >= len(a.pixels) {
		a.mu.Unlock()
		return
	}
	a.pixels[index] = c
	hook := a.OnChange
	a.mu.Unlock()

	if hook != nil {
		hook(index, c)
	}
}

// Get returns the colour at index, Off if out of range.
func (a *Array) Get(index int) Color {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if index < 0 || index >= len(a.pixels) {
		return Off
	}
	return a.pixels[index]
}

// Len returns the number of pixels.
func (a *Array) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.pixels)
}

// Slot is a view on a single pixel of a Strip.
type Slot struct {
	strip Strip
	index int
}

// NewSlot binds a Slot to one pixel of strip.
func NewSlot(strip Strip, index int) *Slot {
	return &Slot{strip: strip, index: index}
}

// Set sets the slot colour.
func (s *Slot) Set(c Color) { s.strip.Set(s.index, c) }

// Get returns the slot colour.
func (s *Slot) Get() Color { return s.strip.Get(s.index) }

// Index returns the pixel index the slot is bound to.
func (s *Slot) Index() int { return s.index }
