package pipeline

import (
	"math"
	"strconv"

	"github.com/kradalby/evcc-trmnl/snapshot"
)

// ChangeDetector decides whether a new snapshot differs enough from the last
// delivered one to be worth a screen refresh.
type ChangeDetector struct {
	// Threshold is the absolute difference in watts, after rounding both
	// sides to integers, that a power value must exceed. Zero means any
	// rounded difference counts.
	Threshold float64
}

// IsSignificant compares cur against prev. A nil prev is always significant.
func (c ChangeDetector) IsSignificant(prev, cur *snapshot.Snapshot) bool {
	if prev == nil {
		return true
	}
	if cur == nil {
		return false
	}

	if c.powerChanged(prev.GridPowerWatts, cur.GridPowerWatts) ||
		c.powerChanged(prev.SolarPowerWatts, cur.SolarPowerWatts) ||
		c.powerChanged(prev.HomePowerWatts, cur.HomePowerWatts) {
		return true
	}

	if prev.HasBattery() != cur.HasBattery() {
		return true
	}
	if cur.HasBattery() && c.powerChanged(*prev.BatteryPowerWatts, *cur.BatteryPowerWatts) {
		return true
	}

	if len(prev.ChargingPoints) != len(cur.ChargingPoints) {
		return true
	}

	before := pointsByKey(prev.ChargingPoints)
	for key, now := range pointsByKey(cur.ChargingPoints) {
		was, ok := before[key]
		if !ok {
			return true
		}
		if was.Connected != now.Connected ||
			was.Charging != now.Charging ||
			was.VehicleLabel != now.VehicleLabel {
			return true
		}
		if c.powerChanged(was.PowerWatts, now.PowerWatts) {
			return true
		}
	}

	return false
}

func (c ChangeDetector) powerChanged(a, b float64) bool {
	return math.Abs(math.Round(a)-math.Round(b)) > c.Threshold
}

// pointsByKey indexes points by name. Repeated names get an occurrence
// suffix so two loadpoints sharing a placeholder name stay distinct.
func pointsByKey(points []snapshot.ChargingPoint) map[string]snapshot.ChargingPoint {
	seen := make(map[string]int, len(points))
	out := make(map[string]snapshot.ChargingPoint, len(points))
	for _, cp := range points {
		n := seen[cp.Name]
		seen[cp.Name] = n + 1
		out[cp.Name+"#"+strconv.Itoa(n)] = cp
	}
	return out
}
