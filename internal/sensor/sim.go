package sensor

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SimConfig describes the simulated cells.
type SimConfig struct {
	CapacityAh float64 // per cell
	LoadOhms   float64 // load switched in by the relay
	InternalR  float64 // cell internal resistance
	TimeScale  float64 // simulated seconds per wall second
}

// DefaultSimConfig discharges a small cell in a few minutes of wall time.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		CapacityAh: 0.05,
		LoadOhms:   4,
		InternalR:  0.15,
		TimeScale:  10,
	}
}

type simCell struct {
	discharged float64 // Ah
	loaded     bool
	enabled    bool
	last       time.Time
}

// Sim models a set of cells discharged through relay-switched load resistors.
// Relay returns the relay of a channel so the model knows when it is loaded.
type Sim struct {
	mu    sync.Mutex
	cfg   SimConfig
	now   func() time.Time
	cells map[int]*simCell
}

// NewSim creates a simulator for channels 1..n. now is the clock used to
// integrate the discharge.
func NewSim(cfg SimConfig, n int, now func() time.Time) *Sim {
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	s := &Sim{cfg: cfg, now: now, cells: make(map[int]*simCell)}
	for ch := 1; ch <= n; ch++ {
		// each cell a little different so the channels drift apart
		s.cells[ch] = &simCell{discharged: cfg.CapacityAh * 0.02 * float64(ch-1)}
	}
	return s
}

// openCircuit is the rest voltage for a state of charge in [0,1].
func openCircuit(soc float64) float64 {
	soc = math.Max(0, math.Min(1, soc))
	return 3.2 + 1.0*soc - 0.7*math.Pow(1-soc, 6)
}

func (s *Sim) cell(channel int) (*simCell, error) {
	c, ok := s.cells[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChannel, channel)
	}
	return c, nil
}

// advance integrates the load current since the last call.
func (s *Sim) advance(c *simCell) {
	now := s.now()
	if !c.last.IsZero() && c.loaded {
		dt := now.Sub(c.last).Seconds() * s.cfg.TimeScale
		_, i := s.measure(c)
		c.discharged += i * dt / 3600
	}
	c.last = now
}

func (s *Sim) measure(c *simCell) (float64, float64) {
	soc := 1 - c.discharged/s.cfg.CapacityAh
	ocv := openCircuit(soc)
	if !c.loaded || soc <= 0 {
		return ocv, 0
	}
	i := ocv / (s.cfg.LoadOhms + s.cfg.InternalR)
	return ocv - i*s.cfg.InternalR, i
}

// Enable switches a simulated channel on or off.
func (s *Sim) Enable(channel int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cell(channel)
	if err != nil {
		return err
	}
	c.enabled = on
	return nil
}

// Read returns the simulated voltage and current.
func (s *Sim) Read(channel int) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.cell(channel)
	if err != nil {
		return 0, 0, err
	}
	if !c.enabled {
		return 0, 0, fmt.Errorf("sim: channel %d not enabled", channel)
	}
	s.advance(c)
	v, i := s.measure(c)
	return v, i, nil
}

// Close is a no-op.
func (s *Sim) Close() error { return nil }

// Relay returns the load relay of a simulated channel.
func (s *Sim) Relay(channel int) *SimRelay {
	return &SimRelay{sim: s, channel: channel}
}

// SimRelay switches the load of one simulated cell.
type SimRelay struct {
	sim     *Sim
	channel int
}

// SetEnergized connects or disconnects the load.
func (r *SimRelay) SetEnergized(on bool) error {
	r.sim.mu.Lock()
	defer r.sim.mu.Unlock()
	c, err := r.sim.cell(r.channel)
	if err != nil {
		return err
	}
	r.sim.advance(c)
	c.loaded = on
	return nil
}

// Energized reports whether the load is connected.
func (r *SimRelay) Energized() bool {
	r.sim.mu.Lock()
	defer r.sim.mu.Unlock()
	c, err := r.sim.cell(r.channel)
	return err == nil && c.loaded
}

// Close disconnects the load.
func (r *SimRelay) Close() error {
	return r.SetEnergized(false)
}
