package mqtt

import (
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/battery-tester/internal/tester"
)

const (
	publishTimeout = 5 * time.Second
	retryInterval  = 5 * time.Second
)

// client is the part of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker.
// Messages produced while the broker is unreachable are queued and replayed,
// oldest first, on the next connection. Messages published during the replay
// are queued behind it.
type RealPublisher struct {
	mu            sync.Mutex
	client        client
	prefix        string
	connected     bool
	everConnected bool
	session       int // bumped on every connect and connection loss
	outbox        *outbox
}

// NewRealPublisher creates a publisher for the given broker. It does not
// wait for the connection: paho keeps retrying in the background, and events
// published in the meantime are queued.
func NewRealPublisher(broker, prefix, clientID string) *RealPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	p := newPublisher(nil, prefix, DefaultBufferSize)

	will, _ := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventShutdown,
		Reason:    "MQTT_DISCONNECT",
	})

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetWill(SystemTopic(prefix), string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) { p.onConnectionLost(err) })

	c := paho.NewClient(opts)
	p.client = c
	c.Connect()
	return p
}

func newPublisher(c client, prefix string, bufferSize int) *RealPublisher {
	return &RealPublisher{
		client: c,
		prefix: prefix,
		outbox: newOutbox(bufferSize),
	}
}

// Publish sends a channel event to the slot's event topic.
func (p *RealPublisher) Publish(event tester.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 1: cycle and fault events are rare and matter
	return p.send(pending{topic: EventTopic(p.prefix, event.Slot), payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	msg, err := systemMessage(p.prefix, event)
	if err != nil {
		return err
	}
	return p.send(msg)
}

func systemMessage(prefix string, event SystemEvent) (pending, error) {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return pending{}, fmt.Errorf("format system payload: %w", err)
	}
	return pending{topic: SystemTopic(prefix), payload: payload, qos: 1, retained: event.Retained}, nil
}

// send publishes msg, or queues it when disconnected or when the broker
// does not acknowledge it.
func (p *RealPublisher) send(msg pending) error {
	p.mu.Lock()
	if !p.connected {
		p.outbox.push(msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.deliver(msg); err != nil {
		p.queue(msg)
		return err
	}
	return nil
}

func (p *RealPublisher) deliver(msg pending) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	return nil
}

func (p *RealPublisher) queue(msg pending) {
	p.mu.Lock()
	p.outbox.push(msg)
	p.mu.Unlock()
}

// onConnect replays the outbox. The publisher only reports connected once
// the outbox is empty, so nothing new overtakes a queued message.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	p.session++
	session := p.session
	reconnect := p.everConnected
	p.everConnected = true
	p.mu.Unlock()

	if reconnect {
		msg, err := systemMessage(p.prefix, SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		if err == nil {
			err = p.deliver(msg)
		}
		if err != nil {
			log.Printf("mqtt: publish reconnected event: %v", err)
		}
	}

	for {
		p.mu.Lock()
		if p.session != session {
			// lost again mid replay; the next connect picks up the rest
			p.mu.Unlock()
			return
		}
		msgs, dropped := p.outbox.drain()
		if len(msgs) == 0 {
			p.connected = true
			p.mu.Unlock()
			log.Printf("mqtt: connected")
			return
		}
		p.mu.Unlock()

		log.Printf("mqtt: replaying %d queued messages", len(msgs))
		if dropped > 0 {
			log.Printf("mqtt: %d messages were dropped while disconnected", dropped)
		}
		for i, msg := range msgs {
			if err := p.deliver(msg); err != nil {
				log.Printf("mqtt: replay: %v", err)
				p.mu.Lock()
				p.outbox.requeue(msgs[i:])
				p.mu.Unlock()
				return
			}
		}
	}
}

func (p *RealPublisher) onConnectionLost(err error) {
	p.mu.Lock()
	p.connected = false
	p.session++
	p.mu.Unlock()
	log.Printf("mqtt: connection lost: %v", err)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Queued returns the number of messages waiting for a connection.
func (p *RealPublisher) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	if n := p.Queued(); n > 0 {
		log.Printf("mqtt: closing with %d unsent messages", n)
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

var (
	_ Publisher        = (*RealPublisher)(nil)
	_ ConnectionStatus = (*RealPublisher)(nil)
)
