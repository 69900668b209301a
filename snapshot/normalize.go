package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NormalizationError reports an /api/state payload whose shape cannot be
// turned into a Snapshot.
type NormalizationError struct {
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize evcc state: %s: %v", e.Reason, e.Err)
	}
	return "normalize evcc state: " + e.Reason
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// Options tune normalization.
type Options struct {
	// LoadpointNames are used, by position, for loadpoints without a title.
	LoadpointNames []string
}

// Wire schema of the parts of /api/state that are read. Fields that evcc
// reports in more than one shape stay raw until normalization.
type (
	stateEnvelope struct {
		Result json.RawMessage `json:"result"`
	}

	stateResult struct {
		Grid       *gridReading           `json:"grid"`
		GridPower  *float64               `json:"gridPower"`
		PV         json.RawMessage        `json:"pv"`
		PVPower    *float64               `json:"pvPower"`
		HomePower  *float64               `json:"homePower"`
		Battery    json.RawMessage        `json:"battery"`
		Loadpoints *[]loadpointReading    `json:"loadpoints"`
		Vehicles   map[string]vehicleInfo `json:"vehicles"`
	}

	gridReading struct {
		Power *float64 `json:"power"`
	}

	powerReading struct {
		Power *float64 `json:"power"`
	}

	batteryReading struct {
		Power *float64 `json:"power"`
		Soc   *float64 `json:"soc"`
	}

	loadpointReading struct {
		Title        string   `json:"title"`
		ChargePower  *float64 `json:"chargePower"`
		Connected    bool     `json:"connected"`
		Charging     bool     `json:"charging"`
		VehicleName  *string  `json:"vehicleName"`
		VehicleSoc   *float64 `json:"vehicleSoc"`
		VehicleRange *float64 `json:"vehicleRange"`
	}

	vehicleInfo struct {
		Title string `json:"title"`
	}
)

// Normalize maps a raw /api/state body into a Snapshot. Missing structural
// keys abort with a *NormalizationError; missing leaf values fall back to
// zero or absence.
func Normalize(raw json.RawMessage, capturedAt time.Time, opts Options) (*Snapshot, error) {
	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &NormalizationError{Reason: "decode envelope", Err: err}
	}
	if kind(env.Result) != '{' {
		return nil, &NormalizationError{Reason: "missing result object"}
	}

	var res stateResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return nil, &NormalizationError{Reason: "decode result", Err: err}
	}

	snap := &Snapshot{CapturedAt: capturedAt}

	switch {
	case res.Grid != nil:
		snap.GridPowerWatts = valueOr(res.Grid.Power, 0)
	case res.GridPower != nil:
		snap.GridPowerWatts = *res.GridPower
	default:
		return nil, &NormalizationError{Reason: "missing grid reading"}
	}

	solar, err := solarPower(res.PV, res.PVPower)
	if err != nil {
		return nil, err
	}
	snap.SolarPowerWatts = solar

	snap.HomePowerWatts = valueOr(res.HomePower, 0)

	battery, err := firstBattery(res.Battery)
	if err != nil {
		return nil, err
	}
	if battery != nil && battery.Power != nil {
		snap.BatteryPowerWatts = Float(*battery.Power)
		if battery.Soc != nil {
			snap.BatterySocPercent = Float(*battery.Soc)
		}
	}

	if res.Loadpoints == nil {
		return nil, &NormalizationError{Reason: "missing loadpoints"}
	}
	snap.ChargingPoints = make([]ChargingPoint, 0, len(*res.Loadpoints))
	for i, lp := range *res.Loadpoints {
		snap.ChargingPoints = append(snap.ChargingPoints, chargingPoint(i, lp, res.Vehicles, opts))
	}

	return snap, nil
}

func chargingPoint(index int, lp loadpointReading, vehicles map[string]vehicleInfo, opts Options) ChargingPoint {
	cp := ChargingPoint{
		Name:                 loadpointName(index, lp.Title, opts),
		Charging:             lp.Charging,
		Connected:            lp.Connected || lp.Charging,
		VehicleLabel:         vehicleLabel(lp.VehicleName, vehicles),
		StateOfChargePercent: socPercent(lp.VehicleSoc),
	}

	if cp.Charging {
		cp.PowerWatts = max(valueOr(lp.ChargePower, 0), 0)
	}
	if lp.VehicleRange != nil {
		cp.RangeKm = Float(*lp.VehicleRange)
	}

	return cp
}

func loadpointName(index int, title string, opts Options) string {
	if title != "" {
		return title
	}
	if index < len(opts.LoadpointNames) && opts.LoadpointNames[index] != "" {
		return opts.LoadpointNames[index]
	}
	return fmt.Sprintf("Loadpoint %d", index+1)
}

// vehicleLabel resolves the loadpoint's vehicle id through the vehicle
// dictionary. The raw id is never shown.
func vehicleLabel(id *string, vehicles map[string]vehicleInfo) string {
	if id == nil || *id == "" {
		return NoVehicle
	}
	v, ok := vehicles[*id]
	if !ok || v.Title == "" {
		return NoVehicle
	}
	return v.Title
}

// socPercent treats values below 1 as a fraction and everything else as an
// already scaled percentage.
func socPercent(raw *float64) *float64 {
	switch {
	case raw == nil || *raw < 0:
		return nil
	case *raw < 1:
		return Float(*raw * 100)
	default:
		return Float(*raw)
	}
}

func solarPower(pv json.RawMessage, legacy *float64) (float64, error) {
	var total float64

	switch kind(pv) {
	case 0:
		total = valueOr(legacy, 0)
	case '[':
		var readings []powerReading
		if err := json.Unmarshal(pv, &readings); err != nil {
			return 0, &NormalizationError{Reason: "decode pv list", Err: err}
		}
		for _, r := range readings {
			total += valueOr(r.Power, 0)
		}
	case '{':
		var r powerReading
		if err := json.Unmarshal(pv, &r); err != nil {
			return 0, &NormalizationError{Reason: "decode pv object", Err: err}
		}
		total = valueOr(r.Power, 0)
	default:
		if err := json.Unmarshal(pv, &total); err != nil {
			return 0, &NormalizationError{Reason: "decode pv value", Err: err}
		}
	}

	return max(total, 0), nil
}

func firstBattery(raw json.RawMessage) (*batteryReading, error) {
	switch kind(raw) {
	case 0:
		return nil, nil
	case '[':
		var list []batteryReading
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, &NormalizationError{Reason: "decode battery list", Err: err}
		}
		if len(list) == 0 {
			return nil, nil
		}
		return &list[0], nil
	case '{':
		var b batteryReading
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, &NormalizationError{Reason: "decode battery object", Err: err}
		}
		return &b, nil
	default:
		return nil, &NormalizationError{Reason: "battery must be a list or an object"}
	}
}

// kind returns the first significant byte of a JSON value, or 0 when the
// value is absent or null.
func kind(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0
	}
	return trimmed[0]
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
