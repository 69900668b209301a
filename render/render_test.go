package render

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kradalby/evcc-trmnl/snapshot"
)

var fixedNow = time.Date(2025, 6, 1, 14, 5, 0, 0, time.UTC)

func newTestRenderer() *Renderer {
	return New(Options{
		Title:    "evcc.local",
		Location: time.UTC,
		Now:      func() time.Time { return fixedNow },
	})
}

// field extracts the text of the element with the given id.
func field(t *testing.T, doc, id string) (string, bool) {
	t.Helper()
	re := regexp.MustCompile(`id="` + regexp.QuoteMeta(id) + `"[^>]*>([^<]*)<`)
	m := re.FindStringSubmatch(doc)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func mustField(t *testing.T, doc, id string) string {
	t.Helper()
	v, ok := field(t, doc, id)
	require.True(t, ok, "element %q missing", id)
	return v
}

func TestRenderSample(t *testing.T) {
	doc := newTestRenderer().Render(snapshot.Sample(fixedNow))

	assert.Equal(t, "evcc.local", mustField(t, doc, "title"))
	assert.Equal(t, "14:05, 01.06.2025", mustField(t, doc, "updated"))
	assert.Equal(t, "2500", mustField(t, doc, "grid-power"))
	assert.Equal(t, "4800", mustField(t, doc, "solar-power"))
	assert.Equal(t, "1800", mustField(t, doc, "home-power"))
	assert.Equal(t, "-1200", mustField(t, doc, "battery-power"))
	assert.Equal(t, "85", mustField(t, doc, "battery-soc"))

	assert.Equal(t, "Garage", mustField(t, doc, "cp-0-name"))
	assert.Equal(t, "CHARGING", mustField(t, doc, "cp-0-status"))
	assert.Equal(t, "7200", mustField(t, doc, "cp-0-power"))
	assert.Equal(t, "Test Vehicle (API)", mustField(t, doc, "cp-0-vehicle"))
	assert.Equal(t, "65", mustField(t, doc, "cp-0-soc"))
	assert.Equal(t, "280", mustField(t, doc, "cp-0-range"))

	assert.Equal(t, "Stellplatz", mustField(t, doc, "cp-1-name"))
	assert.Equal(t, "IDLE", mustField(t, doc, "cp-1-status"))
	assert.Equal(t, "0", mustField(t, doc, "cp-1-power"))
	assert.Equal(t, snapshot.NoVehicle, mustField(t, doc, "cp-1-vehicle"))

	_, ok := field(t, doc, "cp-1-soc")
	assert.False(t, ok, "soc rendered for point without soc")
	_, ok = field(t, doc, "cp-1-range")
	assert.False(t, ok, "range rendered for point without range")
	_, ok = field(t, doc, "no-charging-points")
	assert.False(t, ok)
}

func TestRenderRoundTripsPowers(t *testing.T) {
	s := &snapshot.Snapshot{
		GridPowerWatts:  -200,
		SolarPowerWatts: 4350.5,
		HomePowerWatts:  612.4,
		ChargingPoints: []snapshot.ChargingPoint{
			{Name: "A", Connected: true, Charging: true, PowerWatts: 11039.6, VehicleLabel: "Car"},
			{Name: "B", Connected: true, VehicleLabel: snapshot.NoVehicle},
		},
	}

	doc := newTestRenderer().Render(s)

	parse := func(id string) float64 {
		v, err := strconv.ParseFloat(mustField(t, doc, id), 64)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, float64(-200), parse("grid-power"))
	assert.Equal(t, float64(4351), parse("solar-power"))
	assert.Equal(t, float64(612), parse("home-power"))
	assert.Equal(t, float64(11040), parse("cp-0-power"))
	assert.Equal(t, float64(0), parse("cp-1-power"))
	assert.Equal(t, "CONNECTED", mustField(t, doc, "cp-1-status"))
	assert.Contains(t, doc, "Grid export")
}

func TestRenderKeepsNegativeGridSign(t *testing.T) {
	doc := newTestRenderer().Render(&snapshot.Snapshot{GridPowerWatts: -200})

	assert.Equal(t, "-200", mustField(t, doc, "grid-power"))
	assert.NotContains(t, doc, `id="grid-power">200<`)
}

func TestRenderWithoutBattery(t *testing.T) {
	doc := newTestRenderer().Render(&snapshot.Snapshot{GridPowerWatts: 100})

	_, ok := field(t, doc, "battery-power")
	assert.False(t, ok)
	_, ok = field(t, doc, "battery-soc")
	assert.False(t, ok)
	assert.Contains(t, doc, `id="no-battery"`)
	assert.Contains(t, doc, "No battery present")
	assert.Contains(t, doc, "Grid import")
}

func TestRenderBatteryWithoutSoc(t *testing.T) {
	power := 300.0
	doc := newTestRenderer().Render(&snapshot.Snapshot{BatteryPowerWatts: &power})

	assert.Equal(t, "300", mustField(t, doc, "battery-power"))
	_, ok := field(t, doc, "battery-soc")
	assert.False(t, ok)
	assert.NotContains(t, doc, "No battery present")
}

func TestRenderRoundsRange(t *testing.T) {
	soc := 46.288
	tests := []struct {
		rangeKm float64
		want    string
	}{
		{280.6, "281"},
		{280.5, "281"},
		{280.4, "280"},
		{0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			rangeKm := tt.rangeKm
			doc := newTestRenderer().Render(&snapshot.Snapshot{
				ChargingPoints: []snapshot.ChargingPoint{
					{Name: "A", Connected: true, VehicleLabel: "Car", StateOfChargePercent: &soc, RangeKm: &rangeKm},
				},
			})

			assert.Equal(t, tt.want, mustField(t, doc, "cp-0-range"))
			assert.Equal(t, "46.288", mustField(t, doc, "cp-0-soc"))
		})
	}
}

func TestRenderNoChargingPoints(t *testing.T) {
	doc := newTestRenderer().Render(&snapshot.Snapshot{})

	assert.Equal(t, "No charging points reported", mustField(t, doc, "no-charging-points"))
	_, ok := field(t, doc, "cp-0-name")
	assert.False(t, ok)
}

func TestRenderEscapesUpstreamStrings(t *testing.T) {
	r := New(Options{Title: "<b>site</b>", Location: time.UTC, Now: func() time.Time { return fixedNow }})
	doc := r.Render(&snapshot.Snapshot{
		ChargingPoints: []snapshot.ChargingPoint{
			{Name: `<script>alert("x")</script>`, VehicleLabel: "Tom & Jerry"},
		},
	})

	assert.NotContains(t, doc, "<script>")
	assert.NotContains(t, doc, "<b>site</b>")
	assert.Contains(t, doc, "&lt;script&gt;")
	assert.Equal(t, "Tom &amp; Jerry", mustField(t, doc, "cp-0-vehicle"))
}

func TestRenderFractionalSoc(t *testing.T) {
	doc := newTestRenderer().Render(&snapshot.Snapshot{
		ChargingPoints: []snapshot.ChargingPoint{
			{Name: "A", Connected: true, VehicleLabel: "Car", StateOfChargePercent: snapshot.Float(46.288)},
		},
	})

	assert.Equal(t, "46.288", mustField(t, doc, "cp-0-soc"))
}

func TestRenderIsDeterministic(t *testing.T) {
	r := newTestRenderer()
	s := snapshot.Sample(fixedNow)

	assert.Equal(t, r.Render(s), r.Render(s))
}

func TestRenderTimezone(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	doc := New(Options{Location: loc, Now: func() time.Time { return fixedNow }}).Render(&snapshot.Snapshot{})

	assert.Equal(t, "16:05, 01.06.2025", mustField(t, doc, "updated"))
	assert.Equal(t, defaultTitle, mustField(t, doc, "title"))
}

func TestRenderUsesInlineStylesOnly(t *testing.T) {
	doc := newTestRenderer().Render(snapshot.Sample(fixedNow))

	assert.NotContains(t, doc, "<link")
	assert.NotContains(t, doc, "<script")
	assert.True(t, strings.Contains(doc, `style="`))
}

func TestFormatPower(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{-0.4, "0"},
		{0.5, "1"},
		{-0.5, "-1"},
		{2.5, "3"},
		{-200, "-200"},
		{1234.49, "1234"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatPower(tt.in), "FormatPower(%v)", tt.in)
	}
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "CHARGING", StatusText(snapshot.StatusCharging))
	assert.Equal(t, "CONNECTED", StatusText(snapshot.StatusConnected))
	assert.Equal(t, "IDLE", StatusText(snapshot.StatusIdle))
}
