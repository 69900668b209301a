// Package events wraps the tailscale eventbus with the typed events
// exchanged between the pipeline, metrics, MQTT mirror and web server.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tailscale.com/util/eventbus"
)

// Client names used on the bus.
const (
	ClientPipeline  = "pipeline"
	ClientMetrics   = "metrics"
	ClientPublisher = "publisher"
	ClientWeb       = "web"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus closed")

// Bus owns one eventbus and hands out a single client per name. Publishers
// are created once per client and event type.
type Bus struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	mu          sync.Mutex
	closed      bool
	clients     map[string]*eventbus.Client
	polls       map[*eventbus.Client]*eventbus.Publisher[PollEvent]
	deliveries  map[*eventbus.Client]*eventbus.Publisher[DeliveryEvent]
	connections map[*eventbus.Client]*eventbus.Publisher[ConnectionStatusEvent]
}

// New creates a Bus.
func New(logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &Bus{
		logger:      logger,
		bus:         eventbus.New(),
		clients:     make(map[string]*eventbus.Client),
		polls:       make(map[*eventbus.Client]*eventbus.Publisher[PollEvent]),
		deliveries:  make(map[*eventbus.Client]*eventbus.Publisher[DeliveryEvent]),
		connections: make(map[*eventbus.Client]*eventbus.Publisher[ConnectionStatusEvent]),
	}, nil
}

// Client returns the client registered under name, creating it on first use.
func (b *Bus) Client(name string) (*eventbus.Client, error) {
	if name == "" {
		return nil, fmt.Errorf("client name is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if c, ok := b.clients[name]; ok {
		return c, nil
	}

	c := b.bus.Client(name)
	b.clients[name] = c
	return c, nil
}

// PublishPoll publishes a poll outcome from client.
func (b *Bus) PublishPoll(client *eventbus.Client, evt PollEvent) {
	if p := publisherFor(b, b.polls, client); p != nil {
		p.Publish(evt)
	}
}

// PublishDelivery publishes a delivery decision from client.
func (b *Bus) PublishDelivery(client *eventbus.Client, evt DeliveryEvent) {
	if p := publisherFor(b, b.deliveries, client); p != nil {
		p.Publish(evt)
	}
}

// PublishConnectionStatus publishes a component lifecycle change from client.
func (b *Bus) PublishConnectionStatus(client *eventbus.Client, evt ConnectionStatusEvent) {
	if p := publisherFor(b, b.connections, client); p != nil {
		p.Publish(evt)
	}
}

func publisherFor[T any](b *Bus, m map[*eventbus.Client]*eventbus.Publisher[T], client *eventbus.Client) *eventbus.Publisher[T] {
	if client == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if p, ok := m[client]; ok {
		return p
	}
	p := eventbus.Publish[T](client)
	m[client] = p
	return p
}

// Close shuts down all clients and the underlying bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := b.clients
	b.clients = nil
	b.mu.Unlock()

	for name, c := range clients {
		c.Close()
		b.logger.Debug("event bus client closed", "client", name)
	}
	b.bus.Close()

	return nil
}
