// Package gpio drives the load relays and reads the operator buttons, with
// hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementations allow testing without hardware.
package gpio

// Relay switches the load of one test channel.
// De-energized is the safe state.
type Relay interface {
	// SetEnergized connects (true) or disconnects (false) the load.
	SetEnergized(on bool) error

	// Energized returns the last commanded state.
	Energized() bool

	// Close de-energizes the relay and releases the line.
	Close() error
}

// Buttons reads the operator start/stop buttons.
type Buttons interface {
	// Read returns whether start and stop are currently pressed.
	// Returns (start, stop, error).
	Read() (bool, bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Defaults (BCM numbering on gpiochip0).
const (
	DefaultChip     = "gpiochip0"
	DefaultPinStart = 5
	DefaultPinStop  = 6
)

// DefaultRelayPins are the relay lines of a four channel relay board.
var DefaultRelayPins = []int{17, 27, 22, 23}
