package pipeline

import "time"

// MayDeliver reports whether enough time has passed since the last delivery.
// force bypasses the interval. It says nothing about whether the content
// changed; callers combine it with ChangeDetector.
func MayDeliver(state DeliveryState, now time.Time, minInterval time.Duration, force bool) bool {
	if force || !state.Delivered() {
		return true
	}
	return now.Sub(state.LastDeliveredAt) >= minInterval
}
