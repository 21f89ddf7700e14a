// Package telemetry publishes periodic bridge status snapshots to an
// MQTT broker, so an observatory dashboard can watch the telescope
// without polling the bridge.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const defaultInterval = 15 * time.Second

// Config holds the broker connection settings. An empty broker
// disables telemetry entirely.
type Config struct {
	Broker    string
	Username  string
	Password  string
	ClientID  string
	TopicRoot string
	Interval  time.Duration
}

func (c Config) Enabled() bool {
	return c.Broker != ""
}

// client is the slice of mqtt.Client the publisher uses.
type client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher periodically serializes a status snapshot and publishes it
// under <topic root>/status.
type Publisher struct {
	cfg    Config
	client client
	source func() any
	logger log.FieldLogger
}

// NewPublisher connects to the broker and returns a ready publisher.
// The source callback is invoked on every tick.
func NewPublisher(cfg Config, source func() any, logger log.FieldLogger) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("no MQTT broker configured")
	}
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)

	mqttClient := mqtt.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return newPublisher(cfg, mqttClient, source, logger), nil
}

func newPublisher(cfg Config, c client, source func() any, logger log.FieldLogger) *Publisher {
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = "dwarfbridge"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Publisher{
		cfg:    cfg,
		client: c,
		source: source,
		logger: logger.WithField("component", "telemetry"),
	}
}

// Run publishes snapshots until the context is cancelled, then
// disconnects from the broker.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	defer p.client.Disconnect(100)

	p.publishOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

func (p *Publisher) publishOnce() {
	if !p.client.IsConnected() {
		p.logger.Debug("MQTT client is not connected, skipping publish")
		return
	}
	payload, err := json.Marshal(p.source())
	if err != nil {
		p.logger.Errorf("Failed to serialize snapshot: %v", err)
		return
	}
	topic := p.cfg.TopicRoot + "/status"
	if token := p.client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		p.logger.Errorf("Failed to publish snapshot: %v", token.Error())
	}
}
