// Package pipeline drives one evcc-to-TRMNL cycle: fetch, normalize, decide,
// render and deliver. It owns the only mutable state of the process.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/evcc-trmnl/events"
	"github.com/kradalby/evcc-trmnl/evcc"
	"github.com/kradalby/evcc-trmnl/snapshot"
	"github.com/kradalby/evcc-trmnl/trmnl"
)

var (
	// ErrAlreadyRunning is returned by Start while the loop is active.
	ErrAlreadyRunning = errors.New("polling already running")
	// ErrNotRunning is returned by Stop when no loop is active.
	ErrNotRunning = errors.New("polling not running")
	// ErrSinkDisabled is returned when no TRMNL server is configured.
	ErrSinkDisabled = errors.New("no TRMNL server configured")
)

// Source fetches the raw evcc state.
type Source interface {
	Fetch(ctx context.Context) (evcc.Payload, error)
}

// Sink accepts rendered screens.
type Sink interface {
	Deliver(ctx context.Context, html string) trmnl.Result
}

// Renderer turns a snapshot into HTML.
type Renderer interface {
	Render(s *snapshot.Snapshot) string
}

// Mirror receives every successfully normalized snapshot.
type Mirror interface {
	Publish(s *snapshot.Snapshot) error
}

// Config holds the scheduling and decision parameters.
type Config struct {
	PollInterval    time.Duration
	MinInterval     time.Duration
	ChangeThreshold float64
	LoadpointNames  []string
}

// Stats counts what the pipeline has done since start.
type Stats struct {
	APICalls           int       `json:"api_calls"`
	APISuccesses       int       `json:"api_successes"`
	APIErrors          int       `json:"api_errors"`
	NormalizeErrors    int       `json:"normalize_errors"`
	HTTPErrors         int       `json:"http_errors"`
	Deliveries         int       `json:"deliveries"`
	SkippedUnchanged   int       `json:"skipped_unchanged"`
	SkippedRateLimited int       `json:"skipped_rate_limited"`
	LastSuccess        time.Time `json:"last_success"`
	LastError          time.Time `json:"last_error"`
	LastErrorMessage   string    `json:"last_error_message,omitempty"`
	LastDeliveredAt    time.Time `json:"last_delivered_at"`
	Running            bool      `json:"running"`
}

// Outcome describes one delivery decision.
type Outcome struct {
	Cycle      string
	Trigger    events.Trigger
	Result     events.DeliveryResult
	StatusCode int
	Snapshot   *snapshot.Snapshot
	Err        error
}

// Delivered reports whether the sink accepted the screen.
func (o Outcome) Delivered() bool {
	return o.Result == events.DeliveryResultDelivered
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithBus publishes poll and delivery events on bus.
func WithBus(bus *events.Bus) Option {
	return func(p *Pipeline) {
		p.bus = bus
	}
}

// WithMirror forwards normalized snapshots to m.
func WithMirror(m Mirror) Option {
	return func(p *Pipeline) {
		p.mirror = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline runs poll cycles. All delivery paths share one lock so the rate
// limit holds across the loop, interactive commands and the web server.
type Pipeline struct {
	logger    *slog.Logger
	source    Source
	sink      Sink
	renderer  Renderer
	mirror    Mirror
	bus       *events.Bus
	busClient *eventbus.Client
	now       func() time.Time

	detector    ChangeDetector
	pollEvery   time.Duration
	minInterval time.Duration
	normalize   snapshot.Options

	// deliverMu serializes decide, deliver and record.
	deliverMu sync.Mutex

	mu       sync.RWMutex
	state    DeliveryState
	last     *snapshot.Snapshot
	lastRaw  json.RawMessage
	lastHTML string
	stats    Stats

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a Pipeline. sink may be nil, in which case cycles stop after
// rendering.
func New(cfg Config, source Source, sink Sink, renderer Renderer, opts ...Option) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("minimum delivery interval must not be negative, got %s", cfg.MinInterval)
	}

	p := &Pipeline{
		logger:      slog.Default(),
		source:      source,
		sink:        sink,
		renderer:    renderer,
		now:         time.Now,
		detector:    ChangeDetector{Threshold: cfg.ChangeThreshold},
		pollEvery:   cfg.PollInterval,
		minInterval: cfg.MinInterval,
		normalize:   snapshot.Options{LoadpointNames: cfg.LoadpointNames},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.bus != nil {
		client, err := p.bus.Client(events.ClientPipeline)
		if err != nil {
			return nil, fmt.Errorf("failed to get pipeline client: %w", err)
		}
		p.busClient = client
	}

	return p, nil
}

// Poll fetches and normalizes the current state. The snapshot is kept as
// the latest known state and forwarded to the mirror.
func (p *Pipeline) Poll(ctx context.Context) (*snapshot.Snapshot, error) {
	return p.poll(ctx, newCycle())
}

func (p *Pipeline) poll(ctx context.Context, cycle string) (*snapshot.Snapshot, error) {
	log := p.logger.With("cycle", cycle)
	log.Debug("polling evcc")

	p.mu.Lock()
	p.stats.APICalls++
	p.mu.Unlock()

	payload, err := p.source.Fetch(context.WithoutCancel(ctx))
	if err != nil {
		p.recordError(err, func(s *Stats) { s.APIErrors++ })
		log.Warn("failed to fetch evcc state", "error", err)
		p.publishPoll(cycle, events.PollResultFetchError, nil, err)
		return nil, err
	}

	snap, err := snapshot.Normalize(payload.Body, payload.FetchedAt, p.normalize)
	if err != nil {
		p.recordError(err, func(s *Stats) { s.NormalizeErrors++ })
		log.Warn("failed to normalize evcc state", "error", err)
		p.publishPoll(cycle, events.PollResultNormalizeError, nil, err)
		return nil, err
	}

	p.mu.Lock()
	p.stats.APISuccesses++
	p.stats.LastSuccess = p.now()
	p.last = snap
	p.lastRaw = payload.Body
	p.mu.Unlock()

	log.Debug("normalized evcc state",
		"grid_w", snap.GridPowerWatts,
		"solar_w", snap.SolarPowerWatts,
		"home_w", snap.HomePowerWatts,
		"charging_points", len(snap.ChargingPoints),
	)
	p.publishPoll(cycle, events.PollResultOK, snap, nil)

	if p.mirror != nil {
		if err := p.mirror.Publish(snap); err != nil {
			log.Warn("failed to mirror snapshot", "error", err)
		}
	}

	return snap, nil
}

// RunCycle performs one scheduled cycle: poll, then deliver if the rate
// limit allows it and the state changed.
func (p *Pipeline) RunCycle(ctx context.Context) Outcome {
	return p.cycle(ctx, events.TriggerScheduled, false)
}

// SendCurrent polls and delivers regardless of rate limit and change.
func (p *Pipeline) SendCurrent(ctx context.Context, trigger events.Trigger) Outcome {
	return p.cycle(ctx, trigger, true)
}

func (p *Pipeline) cycle(ctx context.Context, trigger events.Trigger, force bool) Outcome {
	cycle := newCycle()

	snap, err := p.poll(ctx, cycle)
	if err != nil {
		return Outcome{Cycle: cycle, Trigger: trigger, Result: events.DeliveryResultFailed, Err: err}
	}

	return p.deliver(ctx, cycle, trigger, snap, force)
}

// SendTest delivers the fixed sample snapshot, bypassing the rate limit.
func (p *Pipeline) SendTest(ctx context.Context) Outcome {
	return p.deliver(ctx, newCycle(), events.TriggerTest, snapshot.Sample(p.now()), true)
}

func (p *Pipeline) deliver(ctx context.Context, cycle string, trigger events.Trigger, snap *snapshot.Snapshot, force bool) Outcome {
	log := p.logger.With("cycle", cycle, "trigger", trigger)
	out := Outcome{Cycle: cycle, Trigger: trigger, Snapshot: snap}

	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	now := p.now()
	state := p.State()

	switch {
	case !MayDeliver(state, now, p.minInterval, force):
		out.Result = events.DeliveryResultRateLimited
		p.mu.Lock()
		p.stats.SkippedRateLimited++
		p.mu.Unlock()
		log.Debug("skipping delivery", "reason", "rate_limited",
			"since_last", now.Sub(state.LastDeliveredAt).Round(time.Second),
			"min_interval", p.minInterval,
		)
		p.publishDelivery(out)
		return out

	case !force && !p.detector.IsSignificant(state.LastDelivered, snap):
		out.Result = events.DeliveryResultUnchanged
		p.mu.Lock()
		p.stats.SkippedUnchanged++
		p.mu.Unlock()
		log.Debug("skipping delivery", "reason", "unchanged")
		p.publishDelivery(out)
		return out
	}

	html := p.renderer.Render(snap)
	p.mu.Lock()
	p.lastHTML = html
	p.mu.Unlock()
	log.Debug("rendered screen", "bytes", len(html))

	if p.sink == nil {
		out.Result = events.DeliveryResultDisabled
		out.Err = ErrSinkDisabled
		log.Debug("skipping delivery", "reason", "sink_disabled")
		p.publishDelivery(out)
		return out
	}

	res := p.sink.Deliver(context.WithoutCancel(ctx), html)
	out.StatusCode = res.StatusCode

	if !res.Delivered {
		out.Result = events.DeliveryResultFailed
		out.Err = res.Err
		if out.Err == nil {
			out.Err = fmt.Errorf("delivery rejected with status %d", res.StatusCode)
		}
		p.recordError(out.Err, func(s *Stats) { s.HTTPErrors++ })
		log.Error("failed to deliver screen",
			"status", res.StatusCode,
			"body", truncate(res.Body, 200),
			"error", out.Err,
		)
		p.publishDelivery(out)
		return out
	}

	if res.Ack == nil {
		log.Warn("TRMNL accepted screen with a non-JSON response", "body", truncate(res.Body, 200))
	}

	p.mu.Lock()
	p.state = state.Record(snap, now)
	p.stats.Deliveries++
	p.stats.LastDeliveredAt = now
	p.mu.Unlock()

	out.Result = events.DeliveryResultDelivered
	log.Info("delivered screen to TRMNL",
		"status", res.StatusCode,
		"charging_points", len(snap.ChargingPoints),
		"grid_w", snap.GridPowerWatts,
	)
	p.publishDelivery(out)

	return out
}

// Raw fetches the unparsed state document without touching pipeline state
// beyond the call counters.
func (p *Pipeline) Raw(ctx context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	p.stats.APICalls++
	p.mu.Unlock()

	payload, err := p.source.Fetch(context.WithoutCancel(ctx))
	if err != nil {
		p.recordError(err, func(s *Stats) { s.APIErrors++ })
		return nil, err
	}

	p.mu.Lock()
	p.stats.APISuccesses++
	p.stats.LastSuccess = p.now()
	p.lastRaw = payload.Body
	p.mu.Unlock()

	return payload.Body, nil
}

// RenderCurrent polls and renders without delivering.
func (p *Pipeline) RenderCurrent(ctx context.Context) (string, error) {
	snap, err := p.Poll(ctx)
	if err != nil {
		return "", err
	}

	html := p.renderer.Render(snap)
	p.mu.Lock()
	p.lastHTML = html
	p.mu.Unlock()

	return html, nil
}

// Run polls every PollInterval until ctx is cancelled. The first cycle runs
// immediately. Cancellation is observed between cycles.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Debug("polling started", "interval", p.pollEvery, "min_delivery_interval", p.minInterval)
	defer p.logger.Debug("polling stopped")

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		p.RunCycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Start runs the loop in the background.
func (p *Pipeline) Start(ctx context.Context) error {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.loopActive() {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.setRunning(true)

	go func() {
		defer close(done)
		_ = p.Run(loopCtx)
		// The parent context may end the loop without Stop.
		p.mu.Lock()
		p.stats.Running = false
		p.mu.Unlock()
	}()

	return nil
}

// Stop cancels the background loop and waits for the current cycle.
func (p *Pipeline) Stop() error {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if !p.running {
		return ErrNotRunning
	}
	if !p.loopActive() {
		// Ended on its own when the parent context was cancelled.
		p.cancel()
		p.setRunning(false)
		return ErrNotRunning
	}

	p.cancel()
	<-p.done
	p.setRunning(false)

	return nil
}

// loopActive reports whether the background loop is still running. The
// caller holds loopMu.
func (p *Pipeline) loopActive() bool {
	if !p.running {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Running reports whether the background loop is active.
func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats.Running
}

func (p *Pipeline) setRunning(v bool) {
	p.running = v
	p.mu.Lock()
	p.stats.Running = v
	p.mu.Unlock()
}

// State returns the current delivery state.
func (p *Pipeline) State() DeliveryState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Last returns the latest normalized snapshot, or nil.
func (p *Pipeline) Last() *snapshot.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// LastRaw returns the latest fetched state document, or nil.
func (p *Pipeline) LastRaw() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRaw
}

// LastHTML returns the most recently rendered screen, or "".
func (p *Pipeline) LastHTML() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastHTML
}

func (p *Pipeline) recordError(err error, count func(*Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count(&p.stats)
	p.stats.LastError = p.now()
	p.stats.LastErrorMessage = err.Error()
}

func (p *Pipeline) publishPoll(cycle string, result events.PollResult, snap *snapshot.Snapshot, err error) {
	if p.busClient == nil {
		return
	}
	evt := events.PollEvent{
		Timestamp: p.now(),
		Cycle:     cycle,
		Result:    result,
		Snapshot:  snap,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	p.bus.PublishPoll(p.busClient, evt)
}

func (p *Pipeline) publishDelivery(out Outcome) {
	if p.busClient == nil {
		return
	}
	evt := events.DeliveryEvent{
		Timestamp:  p.now(),
		Cycle:      out.Cycle,
		Trigger:    out.Trigger,
		Result:     out.Result,
		StatusCode: out.StatusCode,
	}
	if out.Err != nil {
		evt.Error = out.Err.Error()
	}
	p.bus.PublishDelivery(p.busClient, evt)
}

func newCycle() string {
	return uuid.NewString()
}

// truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
