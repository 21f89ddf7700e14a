package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func TestPublishesSnapshots(t *testing.T) {
	fake := &fakeClient{connected: true}
	p := newPublisher(Config{Broker: "tcp://localhost:1883", TopicRoot: "obs/dwarf", Interval: 10 * time.Millisecond},
		fake, func() any { return map[string]bool{"connected": true} }, log.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool { return fake.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, fake.disconnected)
	first := fake.messages[0]
	assert.Equal(t, "obs/dwarf/status", first.topic)
	assert.True(t, first.retained)

	var decoded map[string]bool
	require.NoError(t, json.Unmarshal(first.payload, &decoded))
	assert.True(t, decoded["connected"])
}

func TestSkipsPublishWhenDisconnected(t *testing.T) {
	fake := &fakeClient{connected: false}
	p := newPublisher(Config{Broker: "tcp://localhost:1883", Interval: 10 * time.Millisecond},
		fake, func() any { return nil }, log.New())

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.Zero(t, fake.count())
}

func TestConfigDefaults(t *testing.T) {
	p := newPublisher(Config{Broker: "tcp://localhost:1883"}, &fakeClient{}, func() any { return nil }, log.New())
	assert.Equal(t, "dwarfbridge", p.cfg.TopicRoot)
	assert.Equal(t, defaultInterval, p.cfg.Interval)

	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Broker: "tcp://x"}.Enabled())
}
