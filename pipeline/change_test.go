package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kradalby/evcc-trmnl/snapshot"
)

// clone returns a deep copy so tests never share pointers between the
// previous and current snapshot.
func clone(s *snapshot.Snapshot) *snapshot.Snapshot {
	c := *s
	if s.BatteryPowerWatts != nil {
		c.BatteryPowerWatts = snapshot.Float(*s.BatteryPowerWatts)
	}
	if s.BatterySocPercent != nil {
		c.BatterySocPercent = snapshot.Float(*s.BatterySocPercent)
	}
	c.ChargingPoints = append([]snapshot.ChargingPoint(nil), s.ChargingPoints...)
	return &c
}

func TestIsSignificantWithoutPrevious(t *testing.T) {
	d := ChangeDetector{}
	assert.True(t, d.IsSignificant(nil, snapshot.Sample(time.Now())))
	assert.True(t, d.IsSignificant(nil, &snapshot.Snapshot{}))
}

func TestIsSignificantIdenticalCopy(t *testing.T) {
	s := snapshot.Sample(time.Now())
	for _, threshold := range []float64{0, 50, 1000} {
		d := ChangeDetector{Threshold: threshold}
		assert.False(t, d.IsSignificant(s, clone(s)), "threshold %v", threshold)
	}
}

func TestIsSignificantIgnoresCaptureTime(t *testing.T) {
	prev := snapshot.Sample(time.Now())
	cur := clone(prev)
	cur.CapturedAt = prev.CapturedAt.Add(2 * time.Minute)

	assert.False(t, ChangeDetector{}.IsSignificant(prev, cur))
}

func TestIsSignificantChanges(t *testing.T) {
	base := snapshot.Sample(time.Now())

	tests := []struct {
		name      string
		threshold float64
		mutate    func(s *snapshot.Snapshot)
		want      bool
	}{
		{
			name:   "grid rounds to same watt",
			mutate: func(s *snapshot.Snapshot) { s.GridPowerWatts += 0.3 },
			want:   false,
		},
		{
			name:   "grid changes one watt",
			mutate: func(s *snapshot.Snapshot) { s.GridPowerWatts += 1 },
			want:   true,
		},
		{
			name:   "grid flips to export",
			mutate: func(s *snapshot.Snapshot) { s.GridPowerWatts = -200 },
			want:   true,
		},
		{
			name:      "solar change within threshold",
			threshold: 100,
			mutate:    func(s *snapshot.Snapshot) { s.SolarPowerWatts += 100 },
			want:      false,
		},
		{
			name:      "solar change above threshold",
			threshold: 100,
			mutate:    func(s *snapshot.Snapshot) { s.SolarPowerWatts += 101 },
			want:      true,
		},
		{
			name:   "home power change",
			mutate: func(s *snapshot.Snapshot) { s.HomePowerWatts = 0 },
			want:   true,
		},
		{
			name:   "battery power change",
			mutate: func(s *snapshot.Snapshot) { s.BatteryPowerWatts = snapshot.Float(300) },
			want:   true,
		},
		{
			name: "battery disappears",
			mutate: func(s *snapshot.Snapshot) {
				s.BatteryPowerWatts = nil
				s.BatterySocPercent = nil
			},
			want: true,
		},
		{
			name:   "battery soc alone is not a power change",
			mutate: func(s *snapshot.Snapshot) { s.BatterySocPercent = snapshot.Float(86) },
			want:   false,
		},
		{
			name:   "charging stops",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints[0].Charging = false },
			want:   true,
		},
		{
			name:   "vehicle connects",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints[1].Connected = true },
			want:   true,
		},
		{
			name:   "vehicle label changes",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints[1].VehicleLabel = "Guest" },
			want:   true,
		},
		{
			name:      "charge power within threshold",
			threshold: 500,
			mutate:    func(s *snapshot.Snapshot) { s.ChargingPoints[0].PowerWatts -= 400 },
			want:      false,
		},
		{
			name:   "charge power change",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints[0].PowerWatts -= 400 },
			want:   true,
		},
		{
			name:   "vehicle soc alone is not significant",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints[0].StateOfChargePercent = snapshot.Float(66) },
			want:   false,
		},
		{
			name: "charging point added",
			mutate: func(s *snapshot.Snapshot) {
				s.ChargingPoints = append(s.ChargingPoints, snapshot.ChargingPoint{Name: "Carport", VehicleLabel: snapshot.NoVehicle})
			},
			want: true,
		},
		{
			name:   "charging point removed",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints = s.ChargingPoints[:1] },
			want:   true,
		},
		{
			name:   "charging point renamed",
			mutate: func(s *snapshot.Snapshot) { s.ChargingPoints[1].Name = "Carport" },
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := clone(base)
			tt.mutate(cur)

			got := ChangeDetector{Threshold: tt.threshold}.IsSignificant(base, cur)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSignificantDuplicateNames(t *testing.T) {
	prev := &snapshot.Snapshot{ChargingPoints: []snapshot.ChargingPoint{
		{Name: "Loadpoint", VehicleLabel: snapshot.NoVehicle},
		{Name: "Loadpoint", Connected: true, VehicleLabel: "Car"},
	}}

	same := clone(prev)
	assert.False(t, ChangeDetector{}.IsSignificant(prev, same))

	changed := clone(prev)
	changed.ChargingPoints[1].Connected = false
	assert.True(t, ChangeDetector{}.IsSignificant(prev, changed))
}
