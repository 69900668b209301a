// Package snapshot holds the display model built from evcc's /api/state
// response and the normalization that produces it.
package snapshot

import (
	"time"
)

// NoVehicle is the vehicle label of a charging point without a resolvable
// vehicle.
const NoVehicle = "none"

// Status is the derived state of a charging point.
type Status string

const (
	StatusCharging  Status = "charging"
	StatusConnected Status = "connected"
	StatusIdle      Status = "idle"
)

// ChargingPoint is one physical charging connector (an evcc loadpoint).
type ChargingPoint struct {
	Name                 string   `json:"name"`
	Connected            bool     `json:"connected"`
	Charging             bool     `json:"charging"`
	PowerWatts           float64  `json:"power_watts"`
	VehicleLabel         string   `json:"vehicle"`
	StateOfChargePercent *float64 `json:"soc_percent,omitempty"`
	RangeKm              *float64 `json:"range_km,omitempty"`
}

// Status derives the display status from the connection flags.
func (cp ChargingPoint) Status() Status {
	switch {
	case cp.Charging:
		return StatusCharging
	case cp.Connected:
		return StatusConnected
	default:
		return StatusIdle
	}
}

// HasVehicle reports whether a vehicle was resolved for this point.
func (cp ChargingPoint) HasVehicle() bool {
	return cp.VehicleLabel != "" && cp.VehicleLabel != NoVehicle
}

// Snapshot is the normalized system state of one poll cycle. It is treated
// as immutable once Normalize returns it.
type Snapshot struct {
	GridPowerWatts    float64         `json:"grid_power_watts"`
	SolarPowerWatts   float64         `json:"solar_power_watts"`
	HomePowerWatts    float64         `json:"home_power_watts"`
	BatteryPowerWatts *float64        `json:"battery_power_watts,omitempty"`
	BatterySocPercent *float64        `json:"battery_soc_percent,omitempty"`
	ChargingPoints    []ChargingPoint `json:"charging_points"`
	CapturedAt        time.Time       `json:"captured_at"`
}

// HasBattery reports whether a home battery was reported.
func (s *Snapshot) HasBattery() bool {
	return s.BatteryPowerWatts != nil
}

// Exporting reports whether power is fed into the grid.
func (s *Snapshot) Exporting() bool {
	return s.GridPowerWatts < 0
}

// Sample returns a fixed snapshot used to test the display end to end
// without a reachable evcc instance.
func Sample(at time.Time) *Snapshot {
	return &Snapshot{
		GridPowerWatts:    2500,
		SolarPowerWatts:   4800,
		HomePowerWatts:    1800,
		BatteryPowerWatts: Float(-1200),
		BatterySocPercent: Float(85),
		ChargingPoints: []ChargingPoint{
			{
				Name:                 "Garage",
				Connected:            true,
				Charging:             true,
				PowerWatts:           7200,
				VehicleLabel:         "Test Vehicle (API)",
				StateOfChargePercent: Float(65),
				RangeKm:              Float(280),
			},
			{
				Name:         "Stellplatz",
				VehicleLabel: NoVehicle,
			},
		},
		CapturedAt: at,
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
