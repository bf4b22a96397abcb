// Package config loads the rig configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/battery-tester/internal/datalog"
	"github.com/sweeney/battery-tester/internal/gpio"
	"github.com/sweeney/battery-tester/internal/sensor"
	"github.com/sweeney/battery-tester/internal/tester"
)

// Sensor drivers.
const (
	DriverINA3221 = "ina3221"
	DriverSerial  = "serial"
	DriverSim     = "sim"
)

// ErrInvalid is wrapped by every configuration fault reported by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the rig configuration.
type Config struct {
	Test     TestConfig      `yaml:"test"`
	Channels []ChannelConfig `yaml:"channels"`
	Sensor   SensorConfig    `yaml:"sensor"`
	Buttons  ButtonsConfig   `yaml:"buttons"`
	Log      LogConfig       `yaml:"log"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	HTTP     HTTPConfig      `yaml:"http"`
}

// TestConfig holds the discharge test parameters shared by all channels.
type TestConfig struct {
	Poll            time.Duration `yaml:"poll"` // scheduler tick
	DefaultPeriod   time.Duration `yaml:"default_period"`
	FastPeriod      time.Duration `yaml:"fast_period"`
	Fast2Period     time.Duration `yaml:"fast2_period"`
	EndingPeriod    time.Duration `yaml:"ending_period"`
	FastThreshold   float64       `yaml:"fast_threshold"`  // V
	Fast2Threshold  float64       `yaml:"fast2_threshold"` // V
	EndThreshold    float64       `yaml:"end_threshold"`   // V
	EndingSamples   int           `yaml:"ending_samples"`
	MaxCycles       int           `yaml:"max_cycles"`
	MaxReadFailures int           `yaml:"max_read_failures"`
	AutoStop        *bool         `yaml:"auto_stop"`   // end the run once every channel has ended
	TickBudget      time.Duration `yaml:"tick_budget"` // warn when one channel's tick takes longer
}

// ChannelConfig describes one test slot.
type ChannelConfig struct {
	Slot          int    `yaml:"slot"`
	Battery       string `yaml:"battery"` // empty: asked on stdin
	SensorChannel int    `yaml:"sensor_channel"`
	RelayPin      int    `yaml:"relay_pin"`
	ActiveLow     bool   `yaml:"active_low"`
}

// SensorConfig selects and configures the voltage/current front end.
type SensorConfig struct {
	Driver    string    `yaml:"driver"`
	I2CBus    string    `yaml:"i2c_bus"` // "" selects the first bus
	Address   uint16    `yaml:"address"`
	ShuntOhms float64   `yaml:"shunt_ohms"`
	Port      string    `yaml:"port"`
	BaudRate  int       `yaml:"baud_rate"`
	Sim       SimConfig `yaml:"sim"`
}

// SimConfig configures the simulated cells.
type SimConfig struct {
	CapacityAh float64 `yaml:"capacity_ah"`
	LoadOhms   float64 `yaml:"load_ohms"`
	InternalR  float64 `yaml:"internal_r"`
	TimeScale  float64 `yaml:"time_scale"`
}

// ButtonsConfig contains the operator button lines.
type ButtonsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Chip    string `yaml:"chip"`
	Start   int    `yaml:"start_pin"`
	Stop    int    `yaml:"stop_pin"`
}

// LogConfig says where discharge logs go.
type LogConfig struct {
	Dir         string `yaml:"dir"`
	CounterFile string `yaml:"counter_file"`
}

// MQTTConfig contains broker settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker    string        `yaml:"broker"`
	Topic     string        `yaml:"topic"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// HTTPConfig contains the status page listener. Empty disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a three slot rig on a relay board and an INA3221.
func Default() *Config {
	p := tester.DefaultParams()
	autoStop := true
	channels := make([]ChannelConfig, 0, 3)
	for i := 0; i < 3; i++ {
		channels = append(channels, ChannelConfig{
			Slot:          i,
			SensorChannel: i + 1,
			RelayPin:      gpio.DefaultRelayPins[i],
			ActiveLow:     true,
		})
	}
	sim := sensor.DefaultSimConfig()
	return &Config{
		Test: TestConfig{
			Poll:            100 * time.Millisecond,
			DefaultPeriod:   p.DefaultPeriod,
			FastPeriod:      p.FastPeriod,
			Fast2Period:     p.Fast2Period,
			EndingPeriod:    p.EndingPeriod,
			FastThreshold:   p.FastThreshold,
			Fast2Threshold:  p.Fast2Threshold,
			EndThreshold:    p.EndThreshold,
			EndingSamples:   p.EndingSamples,
			MaxCycles:       p.MaxCycles,
			MaxReadFailures: p.MaxReadFailures,
			AutoStop:        &autoStop,
			TickBudget:      50 * time.Millisecond,
		},
		Channels: channels,
		Sensor: SensorConfig{
			Driver:    DriverINA3221,
			Address:   sensor.DefaultINA3221Addr,
			ShuntOhms: sensor.DefaultShuntOhms,
			Port:      "/dev/ttyACM0",
			BaudRate:  sensor.DefaultBaudRate,
			Sim: SimConfig{
				CapacityAh: sim.CapacityAh,
				LoadOhms:   sim.LoadOhms,
				InternalR:  sim.InternalR,
				TimeScale:  sim.TimeScale,
			},
		},
		Buttons: ButtonsConfig{
			Chip:  gpio.DefaultChip,
			Start: gpio.DefaultPinStart,
			Stop:  gpio.DefaultPinStop,
		},
		Log: LogConfig{
			Dir:         ".",
			CounterFile: datalog.DefaultCounterFile,
		},
		MQTT: MQTTConfig{
			Topic:     "battery-tester",
			Heartbeat: 15 * time.Minute,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, default values are used. The result is validated.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults fills zero values left by a partial file.
func (c *Config) ensureDefaults() {
	def := Default()
	t, d := &c.Test, def.Test

	if t.Poll == 0 {
		t.Poll = d.Poll
	}
	if t.DefaultPeriod == 0 {
		t.DefaultPeriod = d.DefaultPeriod
	}
	if t.FastPeriod == 0 {
		t.FastPeriod = d.FastPeriod
	}
	if t.Fast2Period == 0 {
		t.Fast2Period = d.Fast2Period
	}
	if t.EndingPeriod == 0 {
		t.EndingPeriod = d.EndingPeriod
	}
	if t.FastThreshold == 0 {
		t.FastThreshold = d.FastThreshold
	}
	if t.Fast2Threshold == 0 {
		t.Fast2Threshold = d.Fast2Threshold
	}
	if t.EndThreshold == 0 {
		t.EndThreshold = d.EndThreshold
	}
	if t.EndingSamples == 0 {
		t.EndingSamples = d.EndingSamples
	}
	if t.MaxCycles == 0 {
		t.MaxCycles = d.MaxCycles
	}
	if t.AutoStop == nil {
		t.AutoStop = d.AutoStop
	}

	if c.Sensor.Driver == "" {
		c.Sensor.Driver = def.Sensor.Driver
	}
	if c.Sensor.Address == 0 {
		c.Sensor.Address = def.Sensor.Address
	}
	if c.Sensor.ShuntOhms == 0 {
		c.Sensor.ShuntOhms = def.Sensor.ShuntOhms
	}
	if c.Sensor.BaudRate == 0 {
		c.Sensor.BaudRate = def.Sensor.BaudRate
	}
	if c.Sensor.Sim.CapacityAh == 0 {
		c.Sensor.Sim = def.Sensor.Sim
	}

	if c.Buttons.Chip == "" {
		c.Buttons.Chip = def.Buttons.Chip
	}
	if c.Log.Dir == "" {
		c.Log.Dir = def.Log.Dir
	}
	if c.Log.CounterFile == "" {
		c.Log.CounterFile = def.Log.CounterFile
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = def.MQTT.Topic
	}
	if c.MQTT.Heartbeat == 0 {
		c.MQTT.Heartbeat = def.MQTT.Heartbeat
	}
}

// Params returns the tester parameters.
func (c *Config) Params() tester.Params {
	t := c.Test
	return tester.Params{
		DefaultPeriod:   t.DefaultPeriod,
		FastPeriod:      t.FastPeriod,
		Fast2Period:     t.Fast2Period,
		EndingPeriod:    t.EndingPeriod,
		FastThreshold:   t.FastThreshold,
		Fast2Threshold:  t.Fast2Threshold,
		EndThreshold:    t.EndThreshold,
		EndingSamples:   t.EndingSamples,
		MaxCycles:       t.MaxCycles,
		MaxReadFailures: t.MaxReadFailures,
	}
}

// AutoStop reports whether the run ends once every channel has ended.
func (c *Config) AutoStop() bool {
	return c.Test.AutoStop == nil || *c.Test.AutoStop
}

// SimConfig returns the simulated cell model.
func (c *Config) SimConfig() sensor.SimConfig {
	s := c.Sensor.Sim
	return sensor.SimConfig{
		CapacityAh: s.CapacityAh,
		LoadOhms:   s.LoadOhms,
		InternalR:  s.InternalR,
		TimeScale:  s.TimeScale,
	}
}

// Validate reports configuration faults. Nothing may be started when it
// returns an error.
func (c *Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Test.Poll <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalid, c.Test.Poll)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("%w: no channels configured", ErrInvalid)
	}

	slots := make(map[int]bool)
	sensorChannels := make(map[int]bool)
	pins := make(map[int]bool)
	for _, ch := range c.Channels {
		if ch.Slot < 0 {
			return fmt.Errorf("%w: negative slot %d", ErrInvalid, ch.Slot)
		}
		if slots[ch.Slot] {
			return fmt.Errorf("%w: duplicate slot %d", ErrInvalid, ch.Slot)
		}
		slots[ch.Slot] = true
		if sensorChannels[ch.SensorChannel] {
			return fmt.Errorf("%w: slot %d: sensor channel %d used twice", ErrInvalid, ch.Slot, ch.SensorChannel)
		}
		sensorChannels[ch.SensorChannel] = true
		if c.Sensor.Driver != DriverSim {
			if pins[ch.RelayPin] {
				return fmt.Errorf("%w: slot %d: relay pin %d used twice", ErrInvalid, ch.Slot, ch.RelayPin)
			}
			pins[ch.RelayPin] = true
		}
	}

	switch c.Sensor.Driver {
	case DriverINA3221:
		for _, ch := range c.Channels {
			if ch.SensorChannel < 1 || ch.SensorChannel > 3 {
				return fmt.Errorf("%w: slot %d: ina3221 has channels 1-3, got %d", ErrInvalid, ch.Slot, ch.SensorChannel)
			}
		}
	case DriverSerial:
		if c.Sensor.Port == "" {
			return fmt.Errorf("%w: serial driver needs a port", ErrInvalid)
		}
	case DriverSim:
	default:
		return fmt.Errorf("%w: unknown sensor driver %q", ErrInvalid, c.Sensor.Driver)
	}
	return nil
}
