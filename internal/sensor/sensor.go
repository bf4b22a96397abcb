// Package sensor provides voltage/current readback for the test channels.
// The INA3221 and serial bridge talk to real hardware; Sim models batteries
// for running without hardware and Fake returns scripted values for tests.
package sensor

import (
	"errors"

	"github.com/sweeney/battery-tester/internal/tester"
)

// Reading is one voltage/current measurement.
type Reading struct {
	Voltage float64 // V
	Current float64 // A
}

// Device is a sensor that owns hardware resources.
type Device interface {
	tester.Sensor
	Close() error
}

// ErrChannel is returned for a channel number the device does not have.
var ErrChannel = errors.New("sensor: no such channel")

var (
	_ Device = (*INA3221)(nil)
	_ Device = (*SerialBridge)(nil)
	_ Device = (*Sim)(nil)
	_ Device = (*Fake)(nil)
)
