package events

import (
	"time"

	"github.com/kradalby/evcc-trmnl/snapshot"
)

// PollResult classifies the outcome of one fetch-and-normalize step.
type PollResult string

const (
	PollResultOK             PollResult = "ok"
	PollResultFetchError     PollResult = "fetch_error"
	PollResultNormalizeError PollResult = "normalize_error"
)

// PollEvent is published after every poll, successful or not.
type PollEvent struct {
	Timestamp time.Time          `json:"timestamp"`
	Cycle     string             `json:"cycle"`
	Result    PollResult         `json:"result"`
	Error     string             `json:"error,omitempty"`
	Snapshot  *snapshot.Snapshot `json:"snapshot,omitempty"`
}

// DeliveryResult classifies what happened to a candidate screen.
type DeliveryResult string

const (
	DeliveryResultDelivered   DeliveryResult = "delivered"
	DeliveryResultUnchanged   DeliveryResult = "skipped_unchanged"
	DeliveryResultRateLimited DeliveryResult = "skipped_rate_limited"
	DeliveryResultFailed      DeliveryResult = "failed"
	DeliveryResultDisabled    DeliveryResult = "disabled"
)

// Trigger names what started a delivery attempt.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerTest      Trigger = "test"
	TriggerWeb       Trigger = "web"
)

// DeliveryEvent is published for every delivery decision.
type DeliveryEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Cycle      string         `json:"cycle"`
	Trigger    Trigger        `json:"trigger"`
	Result     DeliveryResult `json:"result"`
	StatusCode int            `json:"status_code,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ConnectionStatusEvent conveys component lifecycle information (web, MQTT).
type ConnectionStatusEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	Component string           `json:"component"`
	Status    ConnectionStatus `json:"status"`
	Error     string           `json:"error"`
}

// ConnectionStatus represents lifecycle state for a component.
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusFailed       ConnectionStatus = "failed"
)

// ConnectionStatuses lists every status in a stable order.
var ConnectionStatuses = []ConnectionStatus{
	ConnectionStatusDisconnected,
	ConnectionStatusConnecting,
	ConnectionStatusConnected,
	ConnectionStatusFailed,
}
