package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkos/backend/internal/domain"
)

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestLocalBus_DeliversToMatchingSubscribers(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 1)
	bus.Subscribe(TypeAccessLog, func(_ context.Context, ev *Event) { got <- ev })

	other := make(chan *Event, 1)
	bus.Subscribe(TypeOccupancyUpdate, func(_ context.Context, ev *Event) { other <- ev })

	ev := New(TypeAccessLog, AccessLogPayload{GateName: "Main Entry", Status: "ALLOWED"})
	require.NoError(t, bus.Publish(context.Background(), ev))

	received := waitFor(t, got)
	assert.Equal(t, ev.ID, received.ID)
	assert.Empty(t, other, "occupancy subscriber must not see access_log events")
}

func TestLocalBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan *Event, 4)
	unsub := bus.Subscribe(TypeDeviceStatus, func(_ context.Context, ev *Event) { got <- ev })

	require.NoError(t, bus.Publish(context.Background(), New(TypeDeviceStatus, nil)))
	waitFor(t, got)

	unsub()
	require.NoError(t, bus.Publish(context.Background(), New(TypeDeviceStatus, nil)))

	select {
	case <-got:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalBus_PublishAfterCloseIsNoOp(t *testing.T) {
	bus := NewLocalBus()
	got := make(chan *Event, 1)
	bus.Subscribe(TypeAccessLog, func(_ context.Context, ev *Event) { got <- ev })

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Publish(context.Background(), New(TypeAccessLog, nil)))

	select {
	case <-got:
		t.Fatal("closed bus must not deliver")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewOccupancyEvent(t *testing.T) {
	z := domain.Zone{ID: 3, Name: "VIP Section", Capacity: 10, Occupancy: 4}
	ev := NewOccupancyEvent(z)

	assert.Equal(t, TypeOccupancyUpdate, ev.Type)
	assert.NotEmpty(t, ev.ID)

	payload, ok := ev.Payload.(OccupancyPayload)
	require.True(t, ok)
	assert.Equal(t, int64(3), payload.ZoneID)
	assert.Equal(t, 4, payload.Current)
	assert.Equal(t, 10, payload.Capacity)
	assert.InDelta(t, 40.0, payload.Percent, 0.01)
}
