package sensor

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// INA3221 register map.
const (
	regConfig         = 0x00
	regShunt1         = 0x01
	regBus1           = 0x02
	regManufacturerID = 0xFE

	manufacturerTI = 0x5449

	// averaging 16 samples, 1.1ms conversions, continuous shunt+bus, all channels off
	configBase = 0x0527

	shuntLSB = 40e-6 // V
	busLSB   = 8e-3  // V

	// DefaultINA3221Addr is the address with A0 tied to ground.
	DefaultINA3221Addr = 0x40
	// DefaultShuntOhms is the shunt fitted on common INA3221 breakout boards.
	DefaultShuntOhms = 0.1
)

// txer is the part of an I2C device the driver uses.
type txer interface {
	Tx(w, r []byte) error
}

// INA3221 is a three channel shunt/bus voltage monitor on I2C.
// Channels are numbered 1 to 3.
type INA3221 struct {
	dev       txer
	bus       i2c.BusCloser
	shuntOhms float64
	config    uint16
}

// OpenINA3221 initialises the host drivers, opens the named I2C bus ("" for
// the first one) and checks the chip identity.
func OpenINA3221(busName string, addr uint16, shuntOhms float64) (*INA3221, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}

	s, err := newINA3221(&i2c.Dev{Addr: addr, Bus: bus}, shuntOhms)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("ina3221 at 0x%02x: %w", addr, err)
	}
	s.bus = bus
	return s, nil
}

func newINA3221(dev txer, shuntOhms float64) (*INA3221, error) {
	if shuntOhms <= 0 {
		shuntOhms = DefaultShuntOhms
	}
	s := &INA3221{dev: dev, shuntOhms: shuntOhms, config: configBase}

	id, err := s.readReg(regManufacturerID)
	if err != nil {
		return nil, fmt.Errorf("read manufacturer id: %w", err)
	}
	if id != manufacturerTI {
		return nil, fmt.Errorf("unexpected manufacturer id 0x%04x", id)
	}
	if err := s.writeReg(regConfig, s.config); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	return s, nil
}

func enableBit(channel int) uint16 {
	return 1 << (15 - channel)
}

// Enable switches measurement of a channel on or off.
func (s *INA3221) Enable(channel int, on bool) error {
	if channel < 1 || channel > 3 {
		return fmt.Errorf("%w: %d", ErrChannel, channel)
	}
	cfg := s.config &^ enableBit(channel)
	if on {
		cfg |= enableBit(channel)
	}
	if err := s.writeReg(regConfig, cfg); err != nil {
		return fmt.Errorf("ina3221: enable channel %d: %w", channel, err)
	}
	s.config = cfg
	return nil
}

// Read returns the bus voltage and the shunt current of a channel.
func (s *INA3221) Read(channel int) (float64, float64, error) {
	if channel < 1 || channel > 3 {
		return 0, 0, fmt.Errorf("%w: %d", ErrChannel, channel)
	}
	offset := byte(2 * (channel - 1))

	shunt, err := s.readReg(regShunt1 + offset)
	if err != nil {
		return 0, 0, fmt.Errorf("ina3221: read shunt %d: %w", channel, err)
	}
	bus, err := s.readReg(regBus1 + offset)
	if err != nil {
		return 0, 0, fmt.Errorf("ina3221: read bus %d: %w", channel, err)
	}

	voltage := float64(int16(bus)>>3) * busLSB
	current := float64(int16(shunt)>>3) * shuntLSB / s.shuntOhms
	return voltage, current, nil
}

// Close disables all channels and releases the bus.
func (s *INA3221) Close() error {
	var errs []error
	if err := s.writeReg(regConfig, configBase); err != nil {
		errs = append(errs, fmt.Errorf("reset config: %w", err))
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func (s *INA3221) readReg(reg byte) (uint16, error) {
	var buf [2]byte
	if err := s.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (s *INA3221) writeReg(reg byte, val uint16) error {
	return s.dev.Tx([]byte{reg, byte(val >> 8), byte(val)}, nil)
}
