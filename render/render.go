// Package render turns a snapshot into the self-contained HTML screen
// pushed to the e-ink display.
package render

import (
	"fmt"
	"html"
	"math"
	"strconv"
	"time"

	"github.com/chasefleming/elem-go"
	"github.com/chasefleming/elem-go/attrs"
	"github.com/chasefleming/elem-go/styles"

	"github.com/kradalby/evcc-trmnl/snapshot"
)

// TimestampLayout is how the screen shows its render time.
const TimestampLayout = "15:04, 02.01.2006"

const defaultTitle = "evcc"

// Options configures a Renderer.
type Options struct {
	// Title is shown in the header. Empty falls back to "evcc".
	Title string
	// Location is used for the timestamp. Nil means local time.
	Location *time.Location
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Renderer produces the screen HTML. It holds no mutable state and is safe
// for concurrent use.
type Renderer struct {
	title string
	loc   *time.Location
	now   func() time.Time
}

// New creates a Renderer.
func New(opts Options) *Renderer {
	r := &Renderer{
		title: opts.Title,
		loc:   opts.Location,
		now:   opts.Now,
	}
	if r.title == "" {
		r.title = defaultTitle
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Title returns the header title.
func (r *Renderer) Title() string {
	return r.title
}

var (
	pageStyle = styles.Props{
		"font-family":      "Helvetica, Arial, sans-serif",
		"margin":           "0",
		"padding":          "12px",
		"width":            "800px",
		"height":           "480px",
		"box-sizing":       "border-box",
		"color":            "#000",
		"background-color": "#fff",
	}
	headerStyle = styles.Props{
		"display":         "flex",
		"justify-content": "space-between",
		"align-items":     "baseline",
		"border-bottom":   "2px solid #000",
		"padding-bottom":  "6px",
		"margin-bottom":   "10px",
	}
	titleStyle = styles.Props{
		"font-size":   "24px",
		"font-weight": "bold",
	}
	mutedStyle = styles.Props{
		"font-size": "14px",
		"color":     "#555",
	}
	gridStyle = styles.Props{
		"display":               "grid",
		"grid-template-columns": "repeat(4, 1fr)",
		"gap":                   "8px",
		"margin-bottom":         "12px",
	}
	tileStyle = styles.Props{
		"border":        "1px solid #000",
		"border-radius": "6px",
		"padding":       "6px 8px",
	}
	labelStyle = styles.Props{
		"font-size":      "12px",
		"text-transform": "uppercase",
		"color":          "#555",
	}
	valueStyle = styles.Props{
		"font-size":   "26px",
		"font-weight": "bold",
	}
	pointStyle = styles.Props{
		"border":        "2px solid #000",
		"border-radius": "6px",
		"padding":       "8px",
		"margin-bottom": "8px",
	}
	pointHeaderStyle = styles.Props{
		"display":         "flex",
		"justify-content": "space-between",
		"font-size":       "20px",
		"font-weight":     "bold",
	}
	detailStyle = styles.Props{
		"font-size":  "16px",
		"margin-top": "4px",
	}
)

// Render returns the full HTML document for s.
func (r *Renderer) Render(s *snapshot.Snapshot) string {
	updated := r.now().In(r.loc).Format(TimestampLayout)

	page := elem.Html(attrs.Props{"lang": "en"},
		elem.Head(nil,
			elem.Meta(attrs.Props{"charset": "utf-8"}),
			elem.Title(nil, text(r.title)),
		),
		elem.Body(attrs.Props{attrs.Style: pageStyle.ToInline()},
			elem.Div(attrs.Props{attrs.Style: headerStyle.ToInline()},
				elem.Span(attrs.Props{attrs.ID: "title", attrs.Style: titleStyle.ToInline()}, text(r.title)),
				elem.Span(attrs.Props{attrs.ID: "updated", attrs.Style: mutedStyle.ToInline()}, elem.Text(updated)),
			),
			r.powerSection(s),
			r.pointsSection(s.ChargingPoints),
		),
	)

	return page.Render()
}

func (r *Renderer) powerSection(s *snapshot.Snapshot) elem.Node {
	gridLabel := "Grid import"
	if s.Exporting() {
		gridLabel = "Grid export"
	}

	return elem.Div(attrs.Props{attrs.ID: "power", attrs.Style: gridStyle.ToInline()},
		tile(gridLabel, "grid-power", FormatPower(s.GridPowerWatts), "W"),
		tile("Solar", "solar-power", FormatPower(s.SolarPowerWatts), "W"),
		tile("Home", "home-power", FormatPower(s.HomePowerWatts), "W"),
		batteryTile(s),
	)
}

// batteryTile shows the battery reading, or a placeholder when the site has
// no battery. Absence is never rendered as zero.
func batteryTile(s *snapshot.Snapshot) elem.Node {
	if !s.HasBattery() {
		return elem.Div(attrs.Props{attrs.ID: "no-battery", attrs.Style: tileStyle.ToInline()},
			elem.Div(attrs.Props{attrs.Style: labelStyle.ToInline()}, elem.Text("Battery")),
			elem.Div(attrs.Props{attrs.Style: mutedStyle.ToInline()}, elem.Text("No battery present")),
		)
	}

	return elem.Div(attrs.Props{attrs.ID: "battery", attrs.Style: tileStyle.ToInline()},
		elem.Div(attrs.Props{attrs.Style: labelStyle.ToInline()}, elem.Text("Battery")),
		elem.Div(attrs.Props{attrs.Style: valueStyle.ToInline()},
			elem.Span(attrs.Props{attrs.ID: "battery-power"}, elem.Text(FormatPower(*s.BatteryPowerWatts))),
			elem.Text(" W"),
		),
		elem.If[elem.Node](s.BatterySocPercent != nil,
			elem.Div(attrs.Props{attrs.Style: mutedStyle.ToInline()},
				elem.Span(attrs.Props{attrs.ID: "battery-soc"}, elem.Text(formatOptional(s.BatterySocPercent))),
				elem.Text(" %"),
			),
			elem.None(),
		),
	)
}

func (r *Renderer) pointsSection(points []snapshot.ChargingPoint) elem.Node {
	if len(points) == 0 {
		return elem.Div(attrs.Props{attrs.ID: "no-charging-points", attrs.Style: pointStyle.ToInline()},
			elem.Text("No charging points reported"),
		)
	}

	indexed := make([]indexedPoint, len(points))
	for i, cp := range points {
		indexed[i] = indexedPoint{index: i, point: cp}
	}

	return elem.Div(attrs.Props{attrs.ID: "charging-points"},
		elem.TransformEach(indexed, pointCard)...,
	)
}

type indexedPoint struct {
	index int
	point snapshot.ChargingPoint
}

func pointCard(ip indexedPoint) elem.Node {
	cp := ip.point
	id := func(field string) string {
		return fmt.Sprintf("cp-%d-%s", ip.index, field)
	}

	return elem.Div(attrs.Props{attrs.ID: fmt.Sprintf("cp-%d", ip.index), attrs.Style: pointStyle.ToInline()},
		elem.Div(attrs.Props{attrs.Style: pointHeaderStyle.ToInline()},
			elem.Span(attrs.Props{attrs.ID: id("name")}, text(cp.Name)),
			elem.Span(attrs.Props{attrs.ID: id("status")}, elem.Text(StatusText(cp.Status()))),
		),
		elem.Div(attrs.Props{attrs.Style: detailStyle.ToInline()},
			elem.Span(attrs.Props{attrs.ID: id("power")}, elem.Text(FormatPower(cp.PowerWatts))),
			elem.Text(" W"),
		),
		elem.Div(attrs.Props{attrs.Style: detailStyle.ToInline()},
			elem.Text("Vehicle: "),
			elem.Span(attrs.Props{attrs.ID: id("vehicle")}, text(cp.VehicleLabel)),
		),
		elem.If[elem.Node](cp.StateOfChargePercent != nil,
			elem.Div(attrs.Props{attrs.Style: detailStyle.ToInline()},
				elem.Text("SoC: "),
				elem.Span(attrs.Props{attrs.ID: id("soc")}, elem.Text(formatOptional(cp.StateOfChargePercent))),
				elem.Text(" %"),
			),
			elem.None(),
		),
		elem.If[elem.Node](cp.RangeKm != nil,
			elem.Div(attrs.Props{attrs.Style: detailStyle.ToInline()},
				elem.Text("Range: "),
				elem.Span(attrs.Props{attrs.ID: id("range")}, elem.Text(formatRounded(cp.RangeKm))),
				elem.Text(" km"),
			),
			elem.None(),
		),
	)
}

func tile(label, id, value, unit string) elem.Node {
	return elem.Div(attrs.Props{attrs.Style: tileStyle.ToInline()},
		elem.Div(attrs.Props{attrs.Style: labelStyle.ToInline()}, elem.Text(label)),
		elem.Div(attrs.Props{attrs.Style: valueStyle.ToInline()},
			elem.Span(attrs.Props{attrs.ID: id}, elem.Text(value)),
			elem.Text(" "+unit),
		),
	)
}

// text escapes strings that come from upstream or configuration; elem.Text
// writes its content verbatim.
func text(s string) elem.Node {
	return elem.Raw(html.EscapeString(s))
}

// StatusText is the upper-case label shown for a charging point status.
func StatusText(s snapshot.Status) string {
	switch s {
	case snapshot.StatusCharging:
		return "CHARGING"
	case snapshot.StatusConnected:
		return "CONNECTED"
	default:
		return "IDLE"
	}
}

// FormatPower rounds watts half away from zero and keeps the sign.
func FormatPower(w float64) string {
	return FormatInteger(w)
}

// FormatInteger rounds v half away from zero and keeps the sign. Every
// numeric field except SOC is shown this way.
func FormatInteger(w float64) string {
	r := math.Round(w)
	if r == 0 {
		// drop negative zero
		r = 0
	}
	return strconv.FormatFloat(r, 'f', 0, 64)
}

// FormatNumber prints v with the precision normalization produced, trimmed
// of float noise.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return FormatNumber(*v)
}

func formatRounded(v *float64) string {
	if v == nil {
		return ""
	}
	return FormatInteger(*v)
}
