// Command battery-tester runs discharge capacity tests on the channels of a
// battery test rig and publishes their progress to MQTT.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sweeney/battery-tester/internal/config"
	"github.com/sweeney/battery-tester/internal/datalog"
	"github.com/sweeney/battery-tester/internal/gpio"
	"github.com/sweeney/battery-tester/internal/indicator"
	"github.com/sweeney/battery-tester/internal/mqtt"
	"github.com/sweeney/battery-tester/internal/scheduler"
	"github.com/sweeney/battery-tester/internal/sensor"
	"github.com/sweeney/battery-tester/internal/status"
	"github.com/sweeney/battery-tester/internal/tester"
	"github.com/sweeney/battery-tester/internal/web"
)

const clientID = "battery-tester"

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	if opts.summarize != "" {
		if err := summarizeLog(os.Stdout, opts.summarize); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		return
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	if err := opts.apply(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	if opts.writeConfig != "" {
		if err := cfg.Save(opts.writeConfig); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		log.Printf("wrote configuration to %s", opts.writeConfig)
		return
	}

	if err := run(cfg, opts.printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// options are the command line flags. Flags that override the configuration
// file only do so when given explicitly.
type options struct {
	configPath  string
	poll        time.Duration
	broker      string
	httpAddr    string
	heartbeat   time.Duration
	sim         bool
	printState  bool
	summarize   string
	writeConfig string

	set map[string]bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("battery-tester", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "battery-tester.yaml", "YAML configuration file (defaults are used if missing)")
	fs.DurationVar(&o.poll, "poll", 0, "Scheduler polling interval (overrides config)")
	fs.StringVar(&o.broker, "broker", "", "MQTT broker address, e.g. tcp://192.168.1.200:1883 (overrides config, empty disables)")
	fs.StringVar(&o.httpAddr, "http", "", "HTTP status address, e.g. :80 (overrides config, empty disables)")
	fs.DurationVar(&o.heartbeat, "heartbeat", 0, "Heartbeat interval (overrides config, 0 disables)")
	fs.BoolVar(&o.sim, "sim", false, "Run against simulated cells instead of hardware")
	fs.BoolVar(&o.printState, "print-state", false, "Print each channel's voltage and current and exit")
	fs.StringVar(&o.summarize, "summarize", "", "Print the summary of a discharge log and exit")
	fs.StringVar(&o.writeConfig, "write-config", "", "Write the effective configuration to a file and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// apply overlays the explicitly given flags on cfg and revalidates it.
func (o *options) apply(cfg *config.Config) error {
	if o.set["poll"] {
		cfg.Test.Poll = o.poll
	}
	if o.set["broker"] {
		cfg.MQTT.Broker = o.broker
	}
	if o.set["http"] {
		cfg.HTTP.Addr = o.httpAddr
	}
	if o.set["heartbeat"] {
		cfg.MQTT.Heartbeat = o.heartbeat
	}
	if o.sim {
		cfg.Sensor.Driver = config.DriverSim
	}
	return cfg.Validate()
}

func run(cfg *config.Config, printState bool) error {
	hw, err := openRig(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("close hardware: %v", err)
		}
	}()

	if printState {
		return hw.printState(os.Stdout, cfg.Channels)
	}

	// Configuration faults surface here, before any relay is energized.
	if err := datalog.CheckWritable(cfg.Log.Dir); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	promptNames(os.Stdin, os.Stdout, cfg.Channels)

	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      cfg.Test.Poll.Milliseconds(),
		HeartbeatMs: cfg.MQTT.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP.Addr,
		Sensor:      cfg.Sensor.Driver,
		LogDir:      cfg.Log.Dir,
		MaxCycles:   cfg.Test.MaxCycles,
		AutoStop:    cfg.AutoStop(),
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	pixels := indicator.NewArray(len(cfg.Channels))
	pixels.OnChange = func(i int, c indicator.Color) {
		tracker.SetColor(cfg.Channels[i].Slot, c)
	}

	publisher := newPublisher(cfg.MQTT)
	defer publisher.Close()

	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.EventStartup,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.EventStartup, ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	store := datalog.NewStore(cfg.Log.Dir, cfg.Log.CounterFile)
	testers := buildTesters(cfg, hw, pixels, store)

	sched, err := scheduler.New(testers, publisher, tracker, scheduler.Options{
		AutoStop:   cfg.AutoStop(),
		Heartbeat:  cfg.MQTT.Heartbeat,
		TickBudget: cfg.Test.TickBudget,
		Connection: publisher,
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	log.Printf("started: channels=%d sensor=%s poll=%v broker=%q heartbeat=%v",
		len(testers), cfg.Sensor.Driver, cfg.Test.Poll, cfg.MQTT.Broker, cfg.MQTT.Heartbeat)

	ticker := time.NewTicker(cfg.Test.Poll)
	defer ticker.Stop()
	buttonTicker := time.NewTicker(cfg.Test.Poll)
	defer buttonTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	front := newFrontEnd(hw.buttons, pixels)
	done := make(chan struct{})
	defer close(done)
	go front.run(buttonTicker.C, sigCh, done)

	res, runErr := sched.Run(context.Background(), front.start, front.stop, ticker.C)
	printSummary(os.Stdout, res)

	reason := res.Reason
	if runErr != nil {
		reason = "ERROR"
	}
	tracker.SetMQTTConnected(publisher.IsConnected())
	shutdown := tracker.Snapshot()
	shutdownEvent := mqtt.SystemEvent{
		Timestamp:  shutdown.Now,
		Event:      mqtt.EventShutdown,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(shutdown, mqtt.EventShutdown, reason),
	}
	if err := publisher.PublishSystem(shutdownEvent); err != nil {
		log.Printf("failed to publish shutdown event: %v", err)
	} else {
		log.Printf("published shutdown event")
	}

	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

type eventPublisher interface {
	mqtt.Publisher
	mqtt.ConnectionStatus
}

func newPublisher(cfg config.MQTTConfig) eventPublisher {
	if cfg.Broker == "" {
		log.Printf("mqtt: no broker configured, publishing disabled")
		return mqtt.Nop{}
	}
	return mqtt.NewRealPublisher(cfg.Broker, cfg.Topic, clientID)
}

func buildTesters(cfg *config.Config, hw *rig, strip indicator.Strip, logs tester.LogOpener) []*tester.Tester {
	params := cfg.Params()
	testers := make([]*tester.Tester, 0, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		testers = append(testers, tester.New(
			tester.Channel{Slot: ch.Slot, SensorChannel: ch.SensorChannel, Battery: ch.Battery},
			params,
			hw.sensor,
			hw.relays[i],
			indicator.NewSlot(strip, i),
			logs,
		))
	}
	return testers
}

// rig is the hardware of the test bench.
type rig struct {
	sensor  sensor.Device
	relays  []gpio.Relay // parallel to the configured channels
	buttons gpio.Buttons // nil when disabled
}

// openRig opens the sensor, one relay per channel and the buttons. Anything
// opened before a failure is closed again.
func openRig(cfg *config.Config) (*rig, error) {
	r := &rig{}
	if cfg.Sensor.Driver == config.DriverSim {
		n := 0
		for _, ch := range cfg.Channels {
			n = max(n, ch.SensorChannel)
		}
		sim := sensor.NewSim(cfg.SimConfig(), n, time.Now)
		r.sensor = sim
		for _, ch := range cfg.Channels {
			r.relays = append(r.relays, sim.Relay(ch.SensorChannel))
		}
		log.Printf("sensor: simulating %d cells", n)
		return r, nil
	}

	var err error
	switch cfg.Sensor.Driver {
	case config.DriverINA3221:
		r.sensor, err = sensor.OpenINA3221(cfg.Sensor.I2CBus, cfg.Sensor.Address, cfg.Sensor.ShuntOhms)
	case config.DriverSerial:
		r.sensor, err = sensor.OpenSerialBridge(cfg.Sensor.Port, cfg.Sensor.BaudRate)
	default:
		err = fmt.Errorf("unknown sensor driver %q", cfg.Sensor.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("init sensor: %w", err)
	}

	for _, ch := range cfg.Channels {
		relay, err := gpio.NewRealRelay(cfg.Buttons.Chip, ch.RelayPin, ch.ActiveLow)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init relay for slot %d: %w", ch.Slot, err)
		}
		r.relays = append(r.relays, relay)
	}

	if cfg.Buttons.Enabled {
		buttons, err := gpio.NewRealButtons(cfg.Buttons.Chip, cfg.Buttons.Start, cfg.Buttons.Stop)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init buttons: %w", err)
		}
		r.buttons = buttons
	}
	return r, nil
}

// Close de-energizes and releases the relays before the sensor and buttons.
func (r *rig) Close() error {
	var errs []error
	for _, relay := range r.relays {
		if err := relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.sensor != nil {
		if err := r.sensor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sensor: %w", err))
		}
	}
	if r.buttons != nil {
		if err := r.buttons.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close buttons: %w", err))
		}
	}
	return errors.Join(errs...)
}

// printState reads every channel once with the load disconnected.
func (r *rig) printState(w io.Writer, channels []config.ChannelConfig) error {
	for _, ch := range channels {
		if err := r.sensor.Enable(ch.SensorChannel, true); err != nil {
			return fmt.Errorf("enable sensor channel %d: %w", ch.SensorChannel, err)
		}
		v, a, err := r.sensor.Read(ch.SensorChannel)
		if disableErr := r.sensor.Enable(ch.SensorChannel, false); err == nil {
			err = disableErr
		}
		if err != nil {
			return fmt.Errorf("read slot %d: %w", ch.Slot, err)
		}
		fmt.Fprintf(w, "slot %d: %.3f V, %.3f A\n", ch.Slot, v, a)
	}
	return nil
}

// promptNames asks for the name of every battery the configuration leaves
// unnamed. An empty answer or EOF keeps the slot unnamed.
func promptNames(in io.Reader, out io.Writer, channels []config.ChannelConfig) {
	scanner := bufio.NewScanner(in)
	for i := range channels {
		if channels[i].Battery != "" {
			continue
		}
		fmt.Fprintf(out, "battery in slot %d: ", channels[i].Slot)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return
		}
		channels[i].Battery = strings.TrimSpace(scanner.Text())
	}
}

func printSummary(w io.Writer, res scheduler.Result) {
	if res.Reason != "" {
		fmt.Fprintf(w, "run ended: %s\n", res.Reason)
	}
	for _, st := range res.Final {
		name := st.Battery
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "slot %d %s: %s, %d cycle(s)", st.Slot, name, st.State, st.Cycles)
		for i, c := range st.CycleCharges {
			fmt.Fprintf(w, ", cycle %d %.0f mAh", i+1, c*1000)
		}
		if st.Fault {
			fmt.Fprint(w, ", FAULT")
		}
		fmt.Fprintln(w)
	}
}

func summarizeLog(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := datalog.Summarize(f)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", path, err)
	}
	fmt.Fprintf(w, "battery %s: %d samples over %s, %.3f V open circuit, %.3f V minimum, %.0f mAh\n",
		s.Battery, s.Rows, time.Duration(s.Duration*float64(time.Second)).Round(time.Second),
		s.OpenVoltage, s.MinVoltage, s.Capacity*1000)
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
