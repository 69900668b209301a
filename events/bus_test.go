package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/util/eventbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestClientIsReusedByName(t *testing.T) {
	bus, err := New(testLogger())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	a, err := bus.Client(ClientPipeline)
	require.NoError(t, err)
	b, err := bus.Client(ClientPipeline)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = bus.Client("")
	assert.Error(t, err)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus, err := New(testLogger())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	sub, err := bus.Client(ClientMetrics)
	require.NoError(t, err)
	polls := eventbus.Subscribe[PollEvent](sub)
	deliveries := eventbus.Subscribe[DeliveryEvent](sub)

	pub, err := bus.Client(ClientPipeline)
	require.NoError(t, err)

	bus.PublishPoll(pub, PollEvent{Cycle: "c1", Result: PollResultOK})
	bus.PublishPoll(pub, PollEvent{Cycle: "c2", Result: PollResultFetchError})
	bus.PublishDelivery(pub, DeliveryEvent{Cycle: "c2", Trigger: TriggerManual, Result: DeliveryResultFailed, StatusCode: 500})

	for _, want := range []string{"c1", "c2"} {
		select {
		case evt := <-polls.Events():
			assert.Equal(t, want, evt.Cycle)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for poll event %s", want)
		}
	}

	select {
	case evt := <-deliveries.Events():
		assert.Equal(t, DeliveryResultFailed, evt.Result)
		assert.Equal(t, 500, evt.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery event")
	}
}

func TestClosedBus(t *testing.T) {
	bus, err := New(testLogger())
	require.NoError(t, err)

	c, err := bus.Client(ClientWeb)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, err = bus.Client(ClientWeb)
	assert.ErrorIs(t, err, ErrClosed)

	assert.NotPanics(t, func() {
		bus.PublishConnectionStatus(c, ConnectionStatusEvent{Component: "web"})
	})
}
