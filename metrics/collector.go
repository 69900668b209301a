package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kradalby/evcc-trmnl/events"
	"github.com/kradalby/evcc-trmnl/snapshot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tailscale.com/util/eventbus"
)

// Collector subscribes to eventbus updates and exposes Prometheus metrics.
type Collector struct {
	logger        *slog.Logger
	pollSub       *eventbus.Subscriber[events.PollEvent]
	deliverySub   *eventbus.Subscriber[events.DeliveryEvent]
	statusSub     *eventbus.Subscriber[events.ConnectionStatusEvent]
	pollCounter   *prometheus.CounterVec
	deliveryCount *prometheus.CounterVec
	powerGauge    *prometheus.GaugeVec
	pointGauge    *prometheus.GaugeVec
	batterySoc    prometheus.Gauge
	lastDelivery  prometheus.Gauge
	statusGauge   *prometheus.GaugeVec
	ctx           context.Context
	cancel        context.CancelFunc
	shutdownOnce  sync.Once
	workers       sync.WaitGroup
}

// NewCollector wires eventbus subscribers into Prometheus metrics.
func NewCollector(ctx context.Context, logger *slog.Logger, bus *events.Bus, reg prometheus.Registerer) (*Collector, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	client, err := bus.Client(events.ClientMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics client: %w", err)
	}

	factory := promauto.With(reg)
	collectorCtx, cancel := context.WithCancel(ctx)

	c := &Collector{
		logger:      logger,
		pollSub:     eventbus.Subscribe[events.PollEvent](client),
		deliverySub: eventbus.Subscribe[events.DeliveryEvent](client),
		statusSub:   eventbus.Subscribe[events.ConnectionStatusEvent](client),
		pollCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evcc_trmnl_polls_total",
			Help: "evcc polls by result",
		}, []string{"result"}),
		deliveryCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "evcc_trmnl_deliveries_total",
			Help: "Delivery decisions by trigger and result",
		}, []string{"trigger", "result"}),
		powerGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evcc_trmnl_power_watts",
			Help: "Last polled site power by source (grid is negative when exporting)",
		}, []string{"source"}),
		pointGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evcc_trmnl_charging_point_power_watts",
			Help: "Last polled charge power per charging point",
		}, []string{"name"}),
		batterySoc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evcc_trmnl_battery_soc_percent",
			Help: "Last polled home battery state of charge",
		}),
		lastDelivery: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evcc_trmnl_last_delivery_timestamp_seconds",
			Help: "Unix time of the last screen accepted by TRMNL",
		}),
		statusGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evcc_trmnl_component_status",
			Help: "Lifecycle state per component (1 when matching status, 0 otherwise)",
		}, []string{"component", "status"}),
		ctx:    collectorCtx,
		cancel: cancel,
	}

	c.workers.Add(3)
	go c.consumePolls()
	go c.consumeDeliveries()
	go c.consumeStatuses()

	logger.Debug("metrics collector started")

	return c, nil
}

// Close stops the collector and releases subscribers.
func (c *Collector) Close() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.pollSub.Close()
		c.deliverySub.Close()
		c.statusSub.Close()
		c.workers.Wait()
		c.logger.Debug("metrics collector stopped")
	})
}

func (c *Collector) consumePolls() {
	defer c.workers.Done()
	for {
		select {
		case evt := <-c.pollSub.Events():
			c.observePoll(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) consumeDeliveries() {
	defer c.workers.Done()
	for {
		select {
		case evt := <-c.deliverySub.Events():
			c.observeDelivery(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) consumeStatuses() {
	defer c.workers.Done()
	for {
		select {
		case evt := <-c.statusSub.Events():
			c.observeStatus(evt)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Collector) observePoll(evt events.PollEvent) {
	result := string(evt.Result)
	if result == "" {
		result = "unknown"
	}
	c.pollCounter.WithLabelValues(result).Inc()

	if evt.Snapshot != nil {
		c.observeSnapshot(evt.Snapshot)
	}
}

func (c *Collector) observeSnapshot(s *snapshot.Snapshot) {
	c.powerGauge.WithLabelValues("grid").Set(s.GridPowerWatts)
	c.powerGauge.WithLabelValues("solar").Set(s.SolarPowerWatts)
	c.powerGauge.WithLabelValues("home").Set(s.HomePowerWatts)
	if s.BatteryPowerWatts != nil {
		c.powerGauge.WithLabelValues("battery").Set(*s.BatteryPowerWatts)
	} else {
		c.powerGauge.DeleteLabelValues("battery")
	}
	if s.BatterySocPercent != nil {
		c.batterySoc.Set(*s.BatterySocPercent)
	}

	c.pointGauge.Reset()
	for _, cp := range s.ChargingPoints {
		c.pointGauge.WithLabelValues(cp.Name).Set(cp.PowerWatts)
	}
}

func (c *Collector) observeDelivery(evt events.DeliveryEvent) {
	trigger := string(evt.Trigger)
	if trigger == "" {
		trigger = "unknown"
	}
	result := string(evt.Result)
	if result == "" {
		result = "unknown"
	}
	c.deliveryCount.WithLabelValues(trigger, result).Inc()

	if evt.Result == events.DeliveryResultDelivered && !evt.Timestamp.IsZero() {
		c.lastDelivery.Set(float64(evt.Timestamp.Unix()))
	}
}

func (c *Collector) observeStatus(evt events.ConnectionStatusEvent) {
	for _, status := range events.ConnectionStatuses {
		value := 0.0
		if status == evt.Status {
			value = 1.0
		}
		c.statusGauge.WithLabelValues(evt.Component, string(status)).Set(value)
	}
}
