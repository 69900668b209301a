package evcctrmnl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	appconfig "github.com/kradalby/evcc-trmnl/config"
	"github.com/kradalby/evcc-trmnl/events"
	"github.com/kradalby/evcc-trmnl/evcc"
	"github.com/kradalby/evcc-trmnl/logging"
	"github.com/kradalby/evcc-trmnl/metrics"
	"github.com/kradalby/evcc-trmnl/pipeline"
	"github.com/kradalby/evcc-trmnl/publisher"
	"github.com/kradalby/evcc-trmnl/render"
	"github.com/kradalby/evcc-trmnl/trmnl"
)

var version = "dev"

// Mode selects what a run does.
type Mode string

const (
	ModeLoop        Mode = "loop"
	ModeOnce        Mode = "once"
	ModeTest        Mode = "test"
	ModeShowRaw     Mode = "show-raw"
	ModeShowHTML    Mode = "show-html"
	ModeInteractive Mode = "interactive"
)

// Main is the entry point used by cmd/evcc-trmnl.
func Main() {
	if err := NewRootCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type flagValues struct {
	evccURL         string
	trmnlURL        string
	trmnlMAC        string
	trmnlAPIKey     string
	trmnlInsecure   bool
	pollInterval    int
	minInterval     int
	timeout         int
	changeThreshold int
	displayConfig   string
	webAddr         string
	mqttBroker      string
	verbose         bool
	logLevel        string
	logFormat       string

	once        bool
	test        bool
	showRaw     bool
	showHTML    bool
	interactive bool
}

// NewRootCommand builds the command line. Flags override the matching
// EVCC_TRMNL_* environment variables.
func NewRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	var fv flagValues

	cmd := &cobra.Command{
		Use:   "evcc-trmnl",
		Short: "Push evcc charging status to a TRMNL e-ink display",
		Long: `Polls the evcc /api/state endpoint, renders the charging and power
flow status as HTML and sends it to a TRMNL BYOS server.

Every flag can also be set through an EVCC_TRMNL_* environment variable.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, &fv)

			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return Run(ctx, cfg, fv.mode(), in, out)
		},
	}
	cmd.SetOut(out)

	f := cmd.Flags()
	f.StringVar(&fv.evccURL, "evcc-url", "", "evcc base URL, e.g. http://evcc.local:7070")
	f.StringVar(&fv.trmnlURL, "trmnl-url", "", "TRMNL BYOS server base URL")
	f.StringVar(&fv.trmnlMAC, "trmnl-mac", "", "TRMNL device MAC address")
	f.StringVar(&fv.trmnlAPIKey, "trmnl-api-key", "", "TRMNL access token")
	f.BoolVar(&fv.trmnlInsecure, "trmnl-insecure", false, "skip TLS certificate verification for the TRMNL server")
	f.IntVar(&fv.pollInterval, "poll-interval", 0, "seconds between polls (default 300)")
	f.IntVar(&fv.minInterval, "min-interval", 0, "minimum seconds between deliveries (default: poll interval)")
	f.IntVar(&fv.timeout, "timeout", 0, "HTTP timeout in seconds (default 30)")
	f.IntVar(&fv.changeThreshold, "change-threshold", 0, "watts a reading must change before a new screen is sent")
	f.StringVar(&fv.displayConfig, "display-config", "", "path to a HuJSON display configuration")
	f.StringVar(&fv.webAddr, "web-addr", "", "listen address of the status web server, e.g. :8080")
	f.StringVar(&fv.mqttBroker, "mqtt-broker", "", "MQTT broker to mirror snapshots to, e.g. localhost:1883")
	f.BoolVarP(&fv.verbose, "verbose", "v", false, "log every pipeline stage")
	f.StringVar(&fv.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&fv.logFormat, "log-format", "", "log format: console or json")

	f.BoolVar(&fv.once, "once", false, "poll once, deliver if needed and exit")
	f.BoolVar(&fv.test, "test", false, "send the built-in test screen and exit")
	f.BoolVar(&fv.showRaw, "show-raw", false, "print the raw evcc state and exit")
	f.BoolVar(&fv.showHTML, "show-html", false, "print the rendered screen and exit")
	f.BoolVar(&fv.interactive, "interactive", false, "start an interactive command prompt")
	cmd.MarkFlagsMutuallyExclusive("once", "test", "show-raw", "show-html", "interactive")

	return cmd
}

func (fv *flagValues) mode() Mode {
	switch {
	case fv.once:
		return ModeOnce
	case fv.test:
		return ModeTest
	case fv.showRaw:
		return ModeShowRaw
	case fv.showHTML:
		return ModeShowHTML
	case fv.interactive:
		return ModeInteractive
	default:
		return ModeLoop
	}
}

func applyFlags(cmd *cobra.Command, cfg *appconfig.Config, fv *flagValues) {
	changed := cmd.Flags().Changed

	if changed("evcc-url") {
		cfg.SourceURL = fv.evccURL
	}
	if changed("trmnl-url") {
		cfg.SinkURL = fv.trmnlURL
	}
	if changed("trmnl-mac") {
		cfg.DeviceID = fv.trmnlMAC
	}
	if changed("trmnl-api-key") {
		cfg.APIKey = fv.trmnlAPIKey
	}
	if changed("trmnl-insecure") {
		cfg.SinkInsecureTLS = fv.trmnlInsecure
	}
	if changed("poll-interval") {
		cfg.PollInterval = fv.pollInterval
	}
	if changed("min-interval") {
		cfg.MinDeliveryInterval = fv.minInterval
	}
	if changed("timeout") {
		cfg.HTTPTimeout = fv.timeout
	}
	if changed("change-threshold") {
		cfg.ChangeThreshold = fv.changeThreshold
	}
	if changed("display-config") {
		cfg.DisplayConfigPath = fv.displayConfig
	}
	if changed("web-addr") {
		cfg.WebAddr = fv.webAddr
	}
	if changed("mqtt-broker") {
		cfg.MQTTBroker = fv.mqttBroker
	}
	if changed("verbose") {
		cfg.Verbose = fv.verbose
	}
	if changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = fv.logFormat
	}
}

// App wires configuration into the running components.
type App struct {
	cfg       *appconfig.Config
	logger    *slog.Logger
	bus       *events.Bus
	registry  *prometheus.Registry
	collector *metrics.Collector
	mirror    *publisher.Publisher
	sink      *trmnl.Client
	pipeline  *pipeline.Pipeline
	web       *WebServer
	title     string
}

// NewApp builds every component named by cfg. The MQTT mirror is optional:
// a broker that cannot be reached is logged and skipped.
func NewApp(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (*App, error) {
	display, err := appconfig.LoadDisplay(cfg.DisplayConfigPath)
	if err != nil {
		return nil, err
	}

	bus, err := events.New(logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		registry: prometheus.NewRegistry(),
		title:    siteTitle(display.Title, cfg.SourceURL),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.collector, err = metrics.NewCollector(ctx, logger, bus, a.registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	source := evcc.NewClient(cfg.SourceURL, evcc.WithTimeout(cfg.Timeout()))

	var sink pipeline.Sink
	if cfg.SinkEnabled() {
		sinkOpts := []trmnl.Option{
			trmnl.WithTimeout(cfg.Timeout()),
			trmnl.WithFileName(cfg.ScreenFileName),
			trmnl.WithDeviceID(cfg.DeviceID),
		}
		if cfg.SinkInsecureTLS {
			logger.Warn("TLS certificate verification disabled for TRMNL", "url", cfg.SinkURL)
			sinkOpts = append([]trmnl.Option{trmnl.WithHTTPClient(trmnl.InsecureHTTPClient(cfg.Timeout()))}, sinkOpts...)
		}
		a.sink = trmnl.NewClient(cfg.SinkURL, cfg.APIKey, sinkOpts...)
		sink = a.sink
	} else {
		logger.Warn("no TRMNL URL configured, screens will be rendered but not sent")
	}

	renderer := render.New(render.Options{
		Title:    a.title,
		Location: display.Location(),
	})

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithBus(bus),
	}

	if cfg.MQTTBroker != "" {
		mirror, err := publisher.New(publisher.Config{
			Broker:      cfg.MQTTBroker,
			TopicPrefix: cfg.MQTTTopicPrefix,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
		}, logger, bus)
		if err != nil {
			logger.Warn("MQTT mirror disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			a.mirror = mirror
			opts = append(opts, pipeline.WithMirror(mirror))
		}
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		PollInterval:    cfg.PollEvery(),
		MinInterval:     cfg.MinDeliveryGap(),
		ChangeThreshold: float64(cfg.ChangeThreshold),
		LoadpointNames:  display.Loadpoints,
	}, source, sink, renderer, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Pipeline returns the pipeline driven by the app.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// StartWeb starts the status web server when an address is configured.
func (a *App) StartWeb() error {
	if a.cfg.WebAddr == "" {
		return nil
	}

	ws, err := NewWebServer(a.logger, a.pipeline, a.registry, a.bus, a.title)
	if err != nil {
		return err
	}
	if err := ws.Start(a.cfg.WebAddr); err != nil {
		ws.Close()
		return err
	}
	a.web = ws

	return nil
}

// Close releases everything NewApp and StartWeb created.
func (a *App) Close() {
	if a.pipeline != nil && a.pipeline.Running() {
		_ = a.pipeline.Stop()
	}
	if a.web != nil {
		a.web.Close()
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.collector != nil {
		a.collector.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
}

// Run executes one mode until it finishes or ctx is cancelled.
func Run(ctx context.Context, cfg *appconfig.Config, mode Mode, in io.Reader, out io.Writer) error {
	// Keep stdout clean for modes whose output is the product.
	logOut := io.Writer(os.Stdout)
	if mode == ModeShowRaw || mode == ModeShowHTML || mode == ModeInteractive {
		logOut = os.Stderr
	}

	logger, err := logging.NewWithWriter(logOut, cfg.EffectiveLogLevel(), cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Debug("starting evcc-trmnl",
		"version", version,
		"mode", mode,
		"evcc_url", cfg.SourceURL,
		"trmnl_url", cfg.SinkURL,
		"poll_interval", cfg.PollEvery(),
		"min_delivery_interval", cfg.MinDeliveryGap(),
	)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx, mode, in, out)
}

// Run executes mode on an assembled app.
func (a *App) Run(ctx context.Context, mode Mode, in io.Reader, out io.Writer) error {
	p := a.pipeline

	switch mode {
	case ModeOnce:
		o := p.RunCycle(ctx)
		fmt.Fprintln(out, describeOutcome(o))
		if o.Result == events.DeliveryResultFailed {
			return o.Err
		}
		return nil

	case ModeTest:
		if a.sink == nil {
			return pipeline.ErrSinkDisabled
		}
		o := p.SendTest(ctx)
		fmt.Fprintln(out, describeOutcome(o))
		if !o.Delivered() {
			return o.Err
		}
		return nil

	case ModeShowRaw:
		raw, err := p.Raw(ctx)
		if err != nil {
			return err
		}
		return writeIndented(out, raw)

	case ModeShowHTML:
		html, err := p.RenderCurrent(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, html)
		return err

	case ModeInteractive:
		if err := a.StartWeb(); err != nil {
			return err
		}
		return a.Interactive(ctx, in, out)

	case ModeLoop:
		if err := a.StartWeb(); err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			return err
		}
		a.logger.Debug("evcc-trmnl running, press Ctrl+C to stop", "version", version)
		<-ctx.Done()
		a.logger.Debug("shutting down")
		if err := p.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func describeOutcome(o pipeline.Outcome) string {
	switch o.Result {
	case events.DeliveryResultDelivered:
		return fmt.Sprintf("Screen delivered to TRMNL (HTTP %d)", o.StatusCode)
	case events.DeliveryResultUnchanged:
		return "Nothing changed since the last screen, not sent"
	case events.DeliveryResultRateLimited:
		return "Last screen was sent too recently, not sent"
	case events.DeliveryResultDisabled:
		return "Screen rendered, no TRMNL server configured"
	default:
		if o.StatusCode != 0 {
			return fmt.Sprintf("Delivery failed (HTTP %d): %v", o.StatusCode, o.Err)
		}
		return fmt.Sprintf("Delivery failed: %v", o.Err)
	}
}

func writeIndented(out io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("formatting JSON: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

// siteTitle prefers the configured title and falls back to the evcc host.
func siteTitle(configured, sourceURL string) string {
	if configured != "" {
		return configured
	}
	u, err := url.Parse(sourceURL)
	if err != nil || u.Host == "" {
		return "evcc"
	}
	return u.Host
}
