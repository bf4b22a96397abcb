package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/battery-tester/internal/tester"
)

type doneToken struct {
	err     error
	timeout bool
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

type sentMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// recordingClient records publishes; failNext makes the next publish fail.
// afterPublish, when set, runs after each successful publish.
type recordingClient struct {
	mu           sync.Mutex
	sent         []sentMsg
	failNext     error
	disconnected bool
	afterPublish func(topic string)
}

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		c.mu.Unlock()
		return &doneToken{err: err}
	}
	c.sent = append(c.sent, sentMsg{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	after := c.afterPublish
	c.mu.Unlock()
	if after != nil {
		after(topic)
	}
	return &doneToken{}
}

func (c *recordingClient) Disconnect(uint) { c.disconnected = true }

func (c *recordingClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.sent {
		out = append(out, m.topic)
	}
	return out
}

func slotEvent(slot int, typ tester.EventType) tester.Event {
	return tester.Event{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Slot:      slot,
		Battery:   "cell",
		Type:      typ,
	}
}

func TestRealPublisherQueuesUntilConnected(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)

	require.NoError(t, p.Publish(slotEvent(0, tester.EventStarted)))
	require.NoError(t, p.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: EventStartup, Retained: true}))
	assert.Empty(t, c.topics())
	assert.Equal(t, 2, p.Queued())
	assert.False(t, p.IsConnected())

	p.onConnect()

	assert.True(t, p.IsConnected())
	assert.Equal(t, []string{"rig/slot/0/events", "rig/system"}, c.topics(), "replayed oldest first")
	assert.True(t, c.sent[1].retained)
	assert.Equal(t, 0, p.Queued())
}

func TestRealPublisherPublishesWhenConnected(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	p.onConnect()

	require.NoError(t, p.Publish(slotEvent(3, tester.EventCycleComplete)))

	require.Len(t, c.sent, 1)
	assert.Equal(t, "rig/slot/3/events", c.sent[0].topic)
	assert.Equal(t, byte(1), c.sent[0].qos)
	assert.False(t, c.sent[0].retained)
	assert.Contains(t, string(c.sent[0].payload), `"event":"CYCLE_COMPLETE"`)
}

func TestRealPublisherReconnect(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	p.onConnect()

	p.onConnectionLost(errors.New("broker gone"))
	require.NoError(t, p.Publish(slotEvent(1, tester.EventTransition)))
	assert.Empty(t, c.topics())

	p.onConnect()

	assert.Equal(t, []string{"rig/system", "rig/slot/1/events"}, c.topics())
	assert.Contains(t, string(c.sent[0].payload), EventReconnected)
}

func TestRealPublisherFailedPublishIsRequeued(t *testing.T) {
	c := &recordingClient{failNext: errors.New("not acked")}
	p := newPublisher(c, "rig", 10)
	p.connected = true

	err := p.Publish(slotEvent(2, tester.EventFault))
	assert.ErrorContains(t, err, "not acked")
	assert.Equal(t, 1, p.Queued())

	p.onConnect()
	assert.Equal(t, []string{"rig/slot/2/events"}, c.topics())
}

func TestRealPublisherReplayFailureKeepsOrder(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	for slot := 0; slot < 3; slot++ {
		require.NoError(t, p.Publish(slotEvent(slot, tester.EventTransition)))
	}

	c.failNext = errors.New("dropped")
	p.onConnect()
	assert.Empty(t, c.topics())
	assert.Equal(t, 3, p.Queued())

	p.onConnect()
	assert.Equal(t, []string{"rig/system", "rig/slot/0/events", "rig/slot/1/events", "rig/slot/2/events"}, c.topics())
}

func TestRealPublisherEventsDuringReplayQueueBehind(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	require.NoError(t, p.Publish(slotEvent(0, tester.EventStarted)))
	require.NoError(t, p.Publish(slotEvent(1, tester.EventStarted)))

	// the scheduler keeps publishing while the outbox replays
	published := false
	c.afterPublish = func(string) {
		if published {
			return
		}
		published = true
		assert.False(t, p.IsConnected(), "not connected until the replay is done")
		require.NoError(t, p.Publish(slotEvent(2, tester.EventTransition)))
	}
	p.onConnect()

	assert.Equal(t, []string{"rig/slot/0/events", "rig/slot/1/events", "rig/slot/2/events"}, c.topics())
	assert.True(t, p.IsConnected())
	assert.Equal(t, 0, p.Queued())
}

func TestRealPublisherReplayFailureKeepsNewerBehind(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	require.NoError(t, p.Publish(slotEvent(0, tester.EventStarted)))
	require.NoError(t, p.Publish(slotEvent(1, tester.EventStarted)))

	c.afterPublish = func(string) {
		c.afterPublish = nil
		require.NoError(t, p.Publish(slotEvent(2, tester.EventTransition)))
		c.failNext = errors.New("dropped")
	}
	p.onConnect()
	assert.Equal(t, []string{"rig/slot/0/events"}, c.topics())
	assert.Equal(t, 2, p.Queued())
	assert.False(t, p.IsConnected())

	p.onConnect()
	assert.Equal(t, []string{"rig/slot/0/events", "rig/system", "rig/slot/1/events", "rig/slot/2/events"}, c.topics())
}

func TestRealPublisherConnectionLostDuringReplay(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	require.NoError(t, p.Publish(slotEvent(0, tester.EventStarted)))

	c.afterPublish = func(string) {
		c.afterPublish = nil
		p.onConnectionLost(errors.New("broker gone"))
		require.NoError(t, p.Publish(slotEvent(1, tester.EventTransition)))
	}
	p.onConnect()

	assert.False(t, p.IsConnected())
	assert.Equal(t, 1, p.Queued())
}

func TestRealPublisherClose(t *testing.T) {
	c := &recordingClient{}
	p := newPublisher(c, "rig", 10)
	require.NoError(t, p.Close())
	assert.True(t, c.disconnected)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "battery-tester/slot/4/events", EventTopic(DefaultPrefix, 4))
	assert.Equal(t, "battery-tester/system", SystemTopic(DefaultPrefix))
}
