package evcctrmnl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/util/eventbus"

	"github.com/kradalby/evcc-trmnl/events"
	"github.com/kradalby/evcc-trmnl/pipeline"
)

const maxWebEvents = 50

// Controller is the part of the pipeline the web server drives.
type Controller interface {
	SendCurrent(ctx context.Context, trigger events.Trigger) pipeline.Outcome
	Stats() pipeline.Stats
	LastHTML() string
}

// WebServer serves the status UI, JSON status, metrics and a send button.
type WebServer struct {
	logger     *slog.Logger
	controller Controller
	gatherer   prometheus.Gatherer
	title      string
	now        func() time.Time

	bus         *events.Bus
	busClient   *eventbus.Client
	deliverySub *eventbus.Subscriber[events.DeliveryEvent]

	eventsMu sync.RWMutex
	events   []string

	server  *http.Server
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewWebServer creates a web server. bus may be nil, in which case the
// recent events list stays empty.
func NewWebServer(logger *slog.Logger, controller Controller, gatherer prometheus.Gatherer, bus *events.Bus, title string) (*WebServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebServer{
		logger:     logger.With("component", "web"),
		controller: controller,
		gatherer:   gatherer,
		title:      title,
		now:        time.Now,
		bus:        bus,
		events:     make([]string, 0, maxWebEvents),
		ctx:        ctx,
		cancel:     cancel,
	}

	if bus != nil {
		client, err := bus.Client(events.ClientWeb)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to get web client: %w", err)
		}
		ws.busClient = client
		ws.deliverySub = eventbus.Subscribe[events.DeliveryEvent](client)

		ws.workers.Add(1)
		go ws.processDeliveries()
	}

	return ws, nil
}

// Handler returns the routed handler with panic recovery.
func (ws *WebServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", ws.HandleIndex).Methods(http.MethodGet)
	r.HandleFunc("/screen", ws.HandleScreen).Methods(http.MethodGet)
	r.HandleFunc("/status", ws.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", ws.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/send", ws.HandleSend).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(ws.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(ws.logger.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)(r)
}

// Start listens on addr and serves in the background.
func (ws *WebServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		ws.status(events.ConnectionStatusFailed, err)
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	ws.server = &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.workers.Add(1)
	go func() {
		defer ws.workers.Done()
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Error("web server error", "error", err)
			ws.status(events.ConnectionStatusFailed, err)
		}
	}()

	ws.logger.Debug("web UI available", "url", "http://"+ln.Addr().String())
	ws.status(events.ConnectionStatusConnected, nil)
	ws.LogEvent("Web server started")

	return nil
}

// Close shuts the server down and stops the event consumer.
func (ws *WebServer) Close() {
	if ws.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.server.Shutdown(ctx); err != nil {
			ws.logger.Warn("web server shutdown", "error", err)
		}
		ws.status(events.ConnectionStatusDisconnected, nil)
	}
	ws.cancel()
	if ws.deliverySub != nil {
		ws.deliverySub.Close()
	}
	ws.workers.Wait()
}

// LogEvent adds an event to the log
func (ws *WebServer) LogEvent(event string) {
	ws.eventsMu.Lock()
	defer ws.eventsMu.Unlock()

	ws.events = append(ws.events, fmt.Sprintf("%s: %s", ws.now().Format("15:04:05"), event))
	if len(ws.events) > maxWebEvents {
		ws.events = ws.events[1:]
	}
}

func (ws *WebServer) recentEvents(n int) []string {
	ws.eventsMu.RLock()
	defer ws.eventsMu.RUnlock()

	out := make([]string, 0, n)
	for i := len(ws.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ws.events[i])
	}
	return out
}

func (ws *WebServer) processDeliveries() {
	defer ws.workers.Done()
	for {
		select {
		case evt := <-ws.deliverySub.Events():
			msg := fmt.Sprintf("%s delivery: %s", evt.Trigger, evt.Result)
			if evt.StatusCode != 0 {
				msg += fmt.Sprintf(" (HTTP %d)", evt.StatusCode)
			}
			ws.LogEvent(msg)
		case <-ws.ctx.Done():
			return
		}
	}
}

// renderPage renders a basic HTML page
func (ws *WebServer) renderPage(title string, content elem.Node) string {
	page := elem.Html(nil,
		elem.Head(nil,
			elem.Meta(attrs.Props{"charset": "utf-8"}),
			elem.Title(nil, elem.Text(title)),
			elem.Style(nil, elem.Text(`
				body { font-family: system-ui; max-width: 900px; margin: 40px auto; padding: 0 20px; }
				h1 { color: #333; }
				table { border-collapse: collapse; margin-bottom: 20px; }
				td { padding: 4px 12px 4px 0; }
				td.label { color: #666; }
				button { padding: 10px 20px; font-size: 1em; cursor: pointer; border: none; border-radius: 4px; background: #333; color: white; }
				.events { margin-top: 40px; padding: 20px; background: #f5f5f5; border-radius: 8px; max-height: 300px; overflow-y: auto; }
				.event { font-family: monospace; font-size: 0.9em; padding: 4px 0; }
			`)),
		),
		elem.Body(nil, content),
	)
	return page.Render()
}

func (ws *WebServer) statRow(label, value string) elem.Node {
	return elem.Tr(nil,
		elem.Td(attrs.Props{attrs.Class: "label"}, elem.Text(label)),
		elem.Td(nil, elem.Text(value)),
	)
}

// HandleIndex renders the dashboard
func (ws *WebServer) HandleIndex(w http.ResponseWriter, r *http.Request) {
	stats := ws.controller.Stats()

	var eventElements []elem.Node
	for _, e := range ws.recentEvents(20) {
		eventElements = append(eventElements, elem.Div(attrs.Props{attrs.Class: "event"}, elem.Text(e)))
	}

	polling := "stopped"
	if stats.Running {
		polling = "running"
	}

	content := elem.Div(nil,
		elem.H1(nil, elem.Text("evcc → TRMNL")),
		elem.P(nil, elem.Text(ws.title)),
		elem.Table(nil,
			ws.statRow("Polling", polling),
			ws.statRow("API calls", fmt.Sprintf("%d (%d ok, %d failed)", stats.APICalls, stats.APISuccesses, stats.APIErrors+stats.NormalizeErrors)),
			ws.statRow("Deliveries", fmt.Sprintf("%d (%d failed)", stats.Deliveries, stats.HTTPErrors)),
			ws.statRow("Skipped", fmt.Sprintf("%d unchanged, %d rate limited", stats.SkippedUnchanged, stats.SkippedRateLimited)),
			ws.statRow("Last delivery", ago(stats.LastDeliveredAt)),
			ws.statRow("Last error", ago(stats.LastError)),
		),
		elem.Form(attrs.Props{"method": "post", "action": "/send"},
			elem.Button(attrs.Props{attrs.Type: "submit"}, elem.Text("Send now")),
		),
		elem.H2(nil, elem.Text("Current screen")),
		elem.If[elem.Node](ws.controller.LastHTML() != "",
			elem.P(nil, elem.A(attrs.Props{attrs.Href: "/screen"}, elem.Text("Open the last rendered screen"))),
			elem.P(nil, elem.Text("Nothing rendered yet.")),
		),
		elem.Div(attrs.Props{attrs.Class: "events"},
			elem.H2(nil, elem.Text("Recent Events")),
			elem.Div(nil, eventElements...),
		),
	)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, ws.renderPage("evcc-trmnl", content)); err != nil {
		ws.logger.Error("failed to write response", "error", err)
	}
}

// HandleScreen serves the last rendered screen as sent to TRMNL.
func (ws *WebServer) HandleScreen(w http.ResponseWriter, r *http.Request) {
	html := ws.controller.LastHTML()
	if html == "" {
		http.Error(w, "nothing rendered yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, html); err != nil {
		ws.logger.Error("failed to write response", "error", err)
	}
}

type statusResponse struct {
	pipeline.Stats
	Title   string `json:"title"`
	Version string `json:"version"`
}

// HandleStatus returns pipeline statistics as JSON.
func (ws *WebServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, statusResponse{
		Stats:   ws.controller.Stats(),
		Title:   ws.title,
		Version: version,
	})
}

// HandleHealth reports liveness.
func (ws *WebServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendResponse struct {
	Cycle      string `json:"cycle"`
	Result     string `json:"result"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleSend polls evcc and force-sends the screen.
func (ws *WebServer) HandleSend(w http.ResponseWriter, r *http.Request) {
	out := ws.controller.SendCurrent(r.Context(), events.TriggerWeb)

	resp := sendResponse{
		Cycle:      out.Cycle,
		Result:     string(out.Result),
		StatusCode: out.StatusCode,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	status := http.StatusOK
	switch {
	case out.Delivered():
	case out.Result == events.DeliveryResultDisabled:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadGateway
	}

	ws.writeJSON(w, status, resp)
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ws.logger.Error("failed to write response", "error", err)
	}
}

func (ws *WebServer) status(status events.ConnectionStatus, err error) {
	if ws.bus == nil || ws.busClient == nil {
		return
	}
	evt := events.ConnectionStatusEvent{
		Timestamp: ws.now(),
		Component: "web",
		Status:    status,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	ws.bus.PublishConnectionStatus(ws.busClient, evt)
}

// ago formats t relative to now, or "never" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
