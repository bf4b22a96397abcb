package mqtt

import "log"

// DefaultBufferSize bounds the messages held while the broker is unreachable.
// A long discharge in the ending phase produces a handful of events per minute,
// so this covers hours of outage.
const DefaultBufferSize = 1000

// pending is a serialized MQTT message held for replay after reconnection.
type pending struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox is a fixed-capacity FIFO of messages queued while disconnected.
// When full the oldest message is dropped.
// Not safe for concurrent use; the caller must synchronize.
type outbox struct {
	msgs    []pending
	head    int // next write position
	count   int
	dropped int // since last drain
}

func newOutbox(capacity int) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{msgs: make([]pending, capacity)}
}

func (o *outbox) push(msg pending) {
	capacity := len(o.msgs)
	o.msgs[o.head] = msg
	o.head = (o.head + 1) % capacity
	if o.count < capacity {
		o.count++
		return
	}
	if o.dropped == 0 {
		log.Printf("mqtt: outbox full (%d messages), dropping oldest", capacity)
	}
	o.dropped++
}

// drain returns the queued messages oldest first and the number of messages
// lost to overflow since the previous drain.
func (o *outbox) drain() ([]pending, int) {
	dropped := o.dropped
	o.dropped = 0
	if o.count == 0 {
		return nil, dropped
	}

	capacity := len(o.msgs)
	out := make([]pending, o.count)
	start := (o.head - o.count + capacity) % capacity
	for i := range out {
		out[i] = o.msgs[(start+i)%capacity]
	}

	o.count = 0
	o.head = 0
	return out, dropped
}

// requeue puts msgs back ahead of anything queued since they were drained.
func (o *outbox) requeue(msgs []pending) {
	newer, dropped := o.drain()
	for _, m := range msgs {
		o.push(m)
	}
	for _, m := range newer {
		o.push(m)
	}
	o.dropped += dropped
}

func (o *outbox) len() int {
	return o.count
}
