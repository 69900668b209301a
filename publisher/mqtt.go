// Package publisher mirrors normalized snapshots to an MQTT broker so other
// home automation can reuse what the display shows.
package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/evcc-trmnl/events"
	"github.com/kradalby/evcc-trmnl/snapshot"
)

const (
	// StateTopic is appended to the prefix for the retained snapshot.
	StateTopic = "state"

	componentName  = "mqtt"
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config describes the broker connection.
type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
}

// Publisher publishes retained snapshot messages.
type Publisher struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger

	bus       *events.Bus
	busClient *eventbus.Client
}

// New connects to the broker. bus may be nil; when set, connection changes
// are published as events.ConnectionStatusEvent.
func New(cfg Config, logger *slog.Logger, bus *events.Bus) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "evcc-trmnl"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "evcc-trmnl"
	}

	p := &Publisher{
		topic:  prefix + "/" + StateTopic,
		logger: logger.With("component", componentName),
		bus:    bus,
	}
	if bus != nil {
		c, err := bus.Client(events.ClientPublisher)
		if err != nil {
			return nil, fmt.Errorf("failed to get publisher client: %w", err)
		}
		p.busClient = c
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.logger.Debug("connected to MQTT broker", "broker", cfg.Broker)
		p.status(events.ConnectionStatusConnected, nil)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("lost MQTT connection", "error", err)
		p.status(events.ConnectionStatusDisconnected, err)
	})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	p.status(events.ConnectionStatusConnecting, nil)

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		err := fmt.Errorf("connecting to MQTT broker %s: timed out", cfg.Broker)
		p.status(events.ConnectionStatusFailed, err)
		return nil, err
	}
	if err := token.Error(); err != nil {
		p.status(events.ConnectionStatusFailed, err)
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}

	return p, nil
}

// Topic returns the topic snapshots are published to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish sends s as a retained JSON message.
func (p *Publisher) Publish(s *snapshot.Snapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is required")
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	token := p.client.Publish(p.topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", p.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.topic, err)
	}

	p.logger.Debug("published snapshot", "topic", p.topic, "bytes", len(payload))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.status(events.ConnectionStatusDisconnected, nil)
}

func (p *Publisher) status(status events.ConnectionStatus, err error) {
	if p.bus == nil || p.busClient == nil {
		return
	}
	evt := events.ConnectionStatusEvent{
		Timestamp: time.Now(),
		Component: componentName,
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	p.bus.PublishConnectionStatus(p.busClient, evt)
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
