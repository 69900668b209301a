package pipeline

import (
	"time"

	"github.com/kradalby/evcc-trmnl/snapshot"
)

// DeliveryState is what the pipeline remembers about the last screen the
// sink accepted. The zero value means nothing has been delivered yet.
type DeliveryState struct {
	LastDeliveredAt time.Time
	LastDelivered   *snapshot.Snapshot
}

// Delivered reports whether any delivery has been recorded.
func (d DeliveryState) Delivered() bool {
	return !d.LastDeliveredAt.IsZero()
}

// Record returns the state after s was accepted by the sink at at.
func (d DeliveryState) Record(s *snapshot.Snapshot, at time.Time) DeliveryState {
	return DeliveryState{LastDeliveredAt: at, LastDelivered: s}
}
