package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Phase         string        `json:"phase"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	RunStart      string        `json:"run_start,omitempty"`
	Timestamp     string        `json:"timestamp"`
	Channels      []ChannelJSON `json:"channels"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// ChannelJSON is the JSON representation of one test slot.
type ChannelJSON struct {
	Slot           int       `json:"slot"`
	Battery        string    `json:"battery"`
	State          string    `json:"state"`
	Color          string    `json:"color"`
	Voltage        float64   `json:"voltage"`
	Current        float64   `json:"current"`
	ChargeAh       float64   `json:"charge_ah"`
	Cycles         int       `json:"cycles"`
	CycleChargesAh []float64 `json:"cycle_charges_ah"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	SamplePeriodMs int64     `json:"sample_period_ms"`
	ReadFailures   int       `json:"read_failures"`
	WriteFailures  int       `json:"write_failures"`
	Fault          bool      `json:"fault"`
	LogFile        string    `json:"log_file,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs      int64  `json:"poll_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	Sensor      string `json:"sensor"`
	LogDir      string `json:"log_dir"`
	MaxCycles   int    `json:"max_cycles"`
	AutoStop    bool   `json:"auto_stop"`
}

func buildChannel(ch Channel) ChannelJSON {
	state := string(ch.State)
	if state == "" {
		state = "UNKNOWN"
	}
	charges := ch.CycleCharges
	if charges == nil {
		charges = []float64{}
	}
	return ChannelJSON{
		Slot:           ch.Slot,
		Battery:        ch.Battery,
		State:          state,
		Color:          ch.Color.Hex(),
		Voltage:        ch.Voltage,
		Current:        ch.Current,
		ChargeAh:       ch.Charge,
		Cycles:         ch.Cycles,
		CycleChargesAh: charges,
		ElapsedSeconds: ch.Elapsed.Seconds(),
		SamplePeriodMs: ch.SamplePeriod.Milliseconds(),
		ReadFailures:   ch.ReadFailures,
		WriteFailures:  ch.WriteFailures,
		Fault:          ch.Fault,
		LogFile:        ch.LogFile,
	}
}

func buildInner(snap Snapshot) StatusInner {
	phase := string(snap.Phase)
	if phase == "" {
		phase = "UNKNOWN"
	}

	inner := StatusInner{
		Phase:         phase,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Channels:      make([]ChannelJSON, 0, len(snap.Channels)),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			PollMs:      snap.Config.PollMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			Sensor:      snap.Config.Sensor,
			LogDir:      snap.Config.LogDir,
			MaxCycles:   snap.Config.MaxCycles,
			AutoStop:    snap.Config.AutoStop,
		},
	}
	if !snap.RunStart.IsZero() {
		inner.RunStart = snap.RunStart.UTC().Format(time.RFC3339)
	}
	for _, ch := range snap.Channels {
		inner.Channels = append(inner.Channels, buildChannel(ch))
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatChannelJSON returns the JSON document of a single slot.
func FormatChannelJSON(ch Channel) []byte {
	data, _ := json.MarshalIndent(buildChannel(ch), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
