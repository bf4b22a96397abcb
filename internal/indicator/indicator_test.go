package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntensifyClamps(t *testing.T) {
	assert.Equal(t, Color{0, 255, 0}, Running.Intensify(3))
	assert.Equal(t, Color{30, 255, 0}, RunningFast.Intensify(3))
	assert.Equal(t, Color{255, 0, 0}, Ended.Intensify(3))
	assert.Equal(t, Color{0, 0, 255}, Waiting.Intensify(3))
}

func TestHex(t *testing.T) {
	assert.Equal(t, "#000055", Waiting.Hex())
	assert.Equal(t, "#ff0000", Ended.Hex())
}

func TestArraySetGet(t *testing.T) {
	a := NewArray(3)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, Off, a.Get(1))

	a.Set(1, Ending)
	assert.Equal(t, Ending, a.Get(1))
	assert.Equal(t, Off, a.Get(0))

	// out of range is ignored
	a.Set(5, Ended)
	assert.Equal(t, Off, a.Get(5))
	assert.Equal(t, Off, a.Get(-1))
}

func TestArrayOnChange(t *testing.T) {
	a := NewArray(2)
	var gotIndex int
	var gotColor Color
	calls := 0
	a.OnChange = func(i int, c Color) {
		gotIndex, gotColor = i, c
		calls++
	}

	a.Set(1, Fault)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, gotIndex)
	assert.Equal(t, Fault, gotColor)

	a.Set(9, Fault)
	assert.Equal(t, 1, calls, "out of range set must not notify")
}

func TestSlotWritesOnlyItsPixel(t *testing.T) {
	a := NewArray(3)
	s0 := NewSlot(a, 0)
	s2 := NewSlot(a, 2)

	s0.Set(Running)
	s2.Set(Ended)

	assert.Equal(t, Running, s0.Get())
	assert.Equal(t, Ended, s2.Get())
	assert.Equal(t, Off, a.Get(1))
	assert.Equal(t, 2, s2.Index())
}
