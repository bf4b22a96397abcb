// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/battery-tester/internal/tester"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "battery-tester"

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventRunStarted  = "RUN_STARTED"
	EventRunComplete = "RUN_COMPLETE"
	EventReconnected = "RECONNECTED"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a channel event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event tester.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// EventTopic is the topic carrying the events of one slot.
func EventTopic(prefix string, slot int) string {
	return fmt.Sprintf("%s/slot/%d/events", prefix, slot)
}

// SystemTopic is the topic carrying system lifecycle events.
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "STOP_BUTTON", "ALL_ENDED"
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Battery BatteryPayload `json:"battery"`
}

// BatteryPayload contains the channel event details.
type BatteryPayload struct {
	Timestamp string  `json:"timestamp"`
	Event     string  `json:"event"`
	Slot      int     `json:"slot"`
	Name      string  `json:"name"`
	From      string  `json:"from,omitempty"`
	To        string  `json:"to,omitempty"`
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	ChargeAh  float64 `json:"charge_ah"`
	Cycle     int     `json:"cycle"`
	Reason    string  `json:"reason,omitempty"`
}

// FormatPayload creates the JSON payload for a channel event.
func FormatPayload(event tester.Event) ([]byte, error) {
	payload := Payload{
		Battery: BatteryPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     string(event.Type),
			Slot:      event.Slot,
			Name:      event.Battery,
			From:      string(event.From),
			To:        string(event.To),
			Voltage:   event.Voltage,
			Current:   event.Current,
			ChargeAh:  event.Charge,
			Cycle:     event.Cycle,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Nop discards everything. Used when no broker is configured.
type Nop struct{}

// Publish discards the event.
func (Nop) Publish(tester.Event) error { return nil }

// PublishSystem discards the event.
func (Nop) PublishSystem(SystemEvent) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// IsConnected is always false.
func (Nop) IsConnected() bool { return false }
