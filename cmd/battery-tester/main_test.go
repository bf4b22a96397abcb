package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/battery-tester/internal/config"
	"github.com/sweeney/battery-tester/internal/gpio"
	"github.com/sweeney/battery-tester/internal/indicator"
	"github.com/sweeney/battery-tester/internal/scheduler"
	"github.com/sweeney/battery-tester/internal/tester"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	if info.Type != "wifi" || info.IP != "192.168.1.100" || info.Status != "connected" {
		t.Errorf("got %+v", info)
	}
	if info.Gateway != "192.168.1.1" || info.WifiStatus != "connected" || info.SSID != "MyNetwork" {
		t.Errorf("got %+v", info)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" {
		t.Errorf("Status: got %q, want %q", info.Status, "connected")
	}
	if info.IP != "" {
		t.Errorf("IP: got %q, want empty", info.IP)
	}
}

func TestParseFlagsOnlyExplicitOverride(t *testing.T) {
	opts, err := parseFlags([]string{"-broker", "tcp://10.0.0.2:1883", "-sim"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}

	cfg := config.Default()
	cfg.Test.Poll = 250 * time.Millisecond
	cfg.HTTP.Addr = ":8080"
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.MQTT.Broker != "tcp://10.0.0.2:1883" {
		t.Errorf("Broker: got %q", cfg.MQTT.Broker)
	}
	if cfg.Sensor.Driver != config.DriverSim {
		t.Errorf("Driver: got %q, want sim", cfg.Sensor.Driver)
	}
	if cfg.Test.Poll != 250*time.Millisecond {
		t.Errorf("Poll: got %v, want config value kept", cfg.Test.Poll)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("HTTP: got %q, want config value kept", cfg.HTTP.Addr)
	}
	if opts.configPath != "battery-tester.yaml" {
		t.Errorf("config path: got %q", opts.configPath)
	}
}

func TestParseFlagsExplicitZeroDisables(t *testing.T) {
	opts, err := parseFlags([]string{"-heartbeat", "0", "-http", ""})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg := config.Default()
	cfg.HTTP.Addr = ":80"
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.MQTT.Heartbeat != 0 {
		t.Errorf("Heartbeat: got %v, want 0", cfg.MQTT.Heartbeat)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("HTTP: got %q, want empty", cfg.HTTP.Addr)
	}
}

func TestApplyRevalidates(t *testing.T) {
	opts, err := parseFlags([]string{"-poll", "0s"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if err := opts.apply(config.Default()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestParseFlagsUnknown(t *testing.T) {
	if _, err := parseFlags([]string{"-debounce", "1s"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func simConfig() *config.Config {
	cfg := config.Default()
	cfg.Sensor.Driver = config.DriverSim
	return cfg
}

func TestOpenRigSim(t *testing.T) {
	cfg := simConfig()
	hw, err := openRig(cfg)
	if err != nil {
		t.Fatalf("openRig: %v", err)
	}
	if len(hw.relays) != len(cfg.Channels) {
		t.Fatalf("relays: got %d, want %d", len(hw.relays), len(cfg.Channels))
	}
	if hw.buttons != nil {
		t.Error("buttons should be nil when disabled")
	}

	if err := hw.relays[0].SetEnergized(true); err != nil {
		t.Fatalf("SetEnergized: %v", err)
	}
	if err := hw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if hw.relays[0].Energized() {
		t.Error("Close must de-energize every relay")
	}
}

func TestOpenRigUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Sensor.Driver = "bogus"
	if _, err := openRig(cfg); err == nil || !strings.Contains(err.Error(), "unknown sensor driver") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestPrintStateSim(t *testing.T) {
	cfg := simConfig()
	hw, err := openRig(cfg)
	if err != nil {
		t.Fatalf("openRig: %v", err)
	}
	defer hw.Close()

	var out bytes.Buffer
	if err := hw.printState(&out, cfg.Channels); err != nil {
		t.Fatalf("printState: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != len(cfg.Channels) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(cfg.Channels), out.String())
	}
	if !strings.HasPrefix(lines[0], "slot 0: ") || !strings.HasSuffix(lines[0], " A") {
		t.Errorf("unexpected line %q", lines[0])
	}
}

func TestPromptNames(t *testing.T) {
	channels := []config.ChannelConfig{
		{Slot: 0},
		{Slot: 1, Battery: "preset"},
		{Slot: 2},
		{Slot: 3},
	}
	var out bytes.Buffer
	promptNames(strings.NewReader(" cell-a \n\n"), &out, channels)

	want := []string{"cell-a", "preset", "", ""}
	for i, w := range want {
		if channels[i].Battery != w {
			t.Errorf("slot %d: got %q, want %q", i, channels[i].Battery, w)
		}
	}
	if strings.Contains(out.String(), "slot 1") {
		t.Error("named slots must not be prompted")
	}
	if !strings.Contains(out.String(), "battery in slot 3: ") {
		t.Errorf("missing prompt for slot 3: %q", out.String())
	}
}

func TestBuildTestersOrderAndNames(t *testing.T) {
	cfg := simConfig()
	cfg.Channels[1].Battery = "cell-b"
	hw, err := openRig(cfg)
	if err != nil {
		t.Fatalf("openRig: %v", err)
	}
	defer hw.Close()

	strip := indicator.NewArray(len(cfg.Channels))
	testers := buildTesters(cfg, hw, strip, nil)
	if len(testers) != len(cfg.Channels) {
		t.Fatalf("got %d testers", len(testers))
	}
	for i, tr := range testers {
		if tr.Slot() != cfg.Channels[i].Slot {
			t.Errorf("tester %d: slot %d, want %d", i, tr.Slot(), cfg.Channels[i].Slot)
		}
		if tr.State() != tester.StateWaiting {
			t.Errorf("tester %d: state %s, want WAITING", i, tr.State())
		}
	}
	if testers[1].Status().Battery != "cell-b" {
		t.Errorf("battery: got %q", testers[1].Status().Battery)
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, scheduler.Result{
		Reason: scheduler.ReasonAllEnded,
		Final: []tester.Status{
			{Slot: 0, Battery: "cell-a", State: tester.StateEnded, Cycles: 2, CycleCharges: []float64{2.1, 2.05}},
			{Slot: 1, State: tester.StateEnded, Fault: true},
		},
	})
	got := out.String()
	for _, want := range []string{
		"run ended: ALL_ENDED\n",
		"slot 0 cell-a: ENDED, 2 cycle(s), cycle 1 2100 mAh, cycle 2 2050 mAh\n",
		"slot 1 (unnamed): ENDED, 0 cycle(s), FAULT\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestSummarizeLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cell-c-001.csv")
	data := `# battery cell-c (slot 3): time (s); voltage (V); current (A); charge (Ah)
     0.00;  4.180;  0.000;  0.00000
    10.00;  3.900;  1.000;  0.00139
    20.00;  2.950;  1.000;  0.00417
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := summarizeLog(&out, path); err != nil {
		t.Fatalf("summarizeLog: %v", err)
	}
	want := "battery cell-c: 3 samples over 20s, 4.180 V open circuit, 2.950 V minimum, 4 mAh\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}

	if err := summarizeLog(&out, filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

// runFrontEnd feeds n ticks to a front end and waits for it to exit.
func runFrontEnd(f *frontEnd, n int, sig chan os.Signal) {
	tick := make(chan time.Time)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		f.run(tick, sig, done)
		close(exited)
	}()
	for i := 0; i < n; i++ {
		tick <- time.Time{}
	}
	close(done)
	<-exited
}

func TestFrontEndStartOnRisingEdge(t *testing.T) {
	buttons := gpio.NewFakeButtons([]gpio.Press{{}, {}, {Start: true}, {Start: true}, {}, {Start: true}})
	strip := indicator.NewArray(3)
	f := newFrontEnd(buttons, strip)

	runFrontEnd(f, 6, nil)

	if len(f.start) != 1 {
		t.Fatalf("start signals: got %d, want 1", len(f.start))
	}
	if len(f.stop) != 0 {
		t.Errorf("unexpected stop %q", <-f.stop)
	}
	for i := 0; i < strip.Len(); i++ {
		if strip.Get(i) != indicator.Waiting {
			t.Errorf("pixel %d: got %v, want Waiting after start", i, strip.Get(i))
		}
	}
}

func TestFrontEndStartHeldAtBoot(t *testing.T) {
	f := newFrontEnd(gpio.NewFakeButtons([]gpio.Press{{Start: true}}), indicator.NewArray(1))
	runFrontEnd(f, 3, nil)
	if len(f.start) != 1 {
		t.Errorf("start signals: got %d, want 1", len(f.start))
	}
}

func TestFrontEndStopButton(t *testing.T) {
	buttons := gpio.NewFakeButtons([]gpio.Press{{Stop: true}, {}, {Stop: true}, {}, {Start: true}})
	strip := indicator.NewArray(2)
	f := newFrontEnd(buttons, strip)

	runFrontEnd(f, 5, nil)

	select {
	case reason := <-f.stop:
		if reason != "STOP_BUTTON" {
			t.Errorf("reason: got %q", reason)
		}
	default:
		t.Fatal("expected a stop signal")
	}
	if len(f.start) != 0 {
		t.Error("stop must not start the run")
	}
	// the prompt ends with the stop instead of freezing mid blink
	for i := 0; i < strip.Len(); i++ {
		if strip.Get(i) != indicator.Waiting {
			t.Errorf("pixel %d: got %v, want Waiting after stop", i, strip.Get(i))
		}
	}
}

func TestFrontEndSignalEndsPrompt(t *testing.T) {
	strip := indicator.NewArray(2)
	f := newFrontEnd(gpio.NewFakeButtons([]gpio.Press{{}}), strip)
	sig := make(chan os.Signal, 1)
	tick := make(chan time.Time)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		f.run(tick, sig, done)
		close(exited)
	}()

	tick <- time.Time{}
	sig <- syscall.SIGTERM
	if reason := <-f.stop; reason != "SIGTERM" {
		t.Errorf("reason: got %q", reason)
	}
	for i := 0; i < 2*blinkTicks; i++ {
		tick <- time.Time{}
	}
	close(done)
	<-exited

	for i := 0; i < strip.Len(); i++ {
		if strip.Get(i) != indicator.Waiting {
			t.Errorf("pixel %d: got %v, want Waiting", i, strip.Get(i))
		}
	}
}

func TestFrontEndPromptBlinks(t *testing.T) {
	strip := indicator.NewArray(2)
	f := newFrontEnd(gpio.NewFakeButtons([]gpio.Press{{}}), strip)

	runFrontEnd(f, 1, nil)
	if strip.Get(1) != indicator.StartPrompt {
		t.Errorf("after 1 poll: got %v, want StartPrompt", strip.Get(1))
	}

	f = newFrontEnd(gpio.NewFakeButtons([]gpio.Press{{}}), strip)
	runFrontEnd(f, blinkTicks+1, nil)
	if strip.Get(1) != indicator.Off {
		t.Errorf("after %d polls: got %v, want Off", blinkTicks+1, strip.Get(1))
	}
}

func TestFrontEndReadErrorIgnored(t *testing.T) {
	buttons := gpio.NewFakeButtons([]gpio.Press{{Start: true}})
	buttons.ReadError = errors.New("line busy")
	f := newFrontEnd(buttons, indicator.NewArray(1))

	runFrontEnd(f, 3, nil)
	if len(f.start) != 0 || len(f.stop) != 0 {
		t.Error("read errors must not produce signals")
	}
}

func TestFrontEndWithoutButtonsStartsImmediately(t *testing.T) {
	f := newFrontEnd(nil, indicator.NewArray(1))
	runFrontEnd(f, 2, nil)
	if len(f.start) != 1 {
		t.Errorf("start signals: got %d, want 1", len(f.start))
	}
}

func TestFrontEndSignal(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			f := newFrontEnd(nil, indicator.NewArray(1))
			sig := make(chan os.Signal, 1)
			done := make(chan struct{})
			defer close(done)
			go f.run(nil, sig, done)

			sig <- tt.sig
			select {
			case reason := <-f.stop:
				if reason != tt.want {
					t.Errorf("reason: got %q, want %q", reason, tt.want)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for stop")
			}
		})
	}
}
