package ingress

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/store"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		frame string
		kind  domain.CredentialKind
		value string
		ok    bool
	}{
		{"RFID:CARD-001", domain.KindRFID, "CARD-001", true},
		{"LPR:B-123-CD", domain.KindLPR, "B-123-CD", true},
		{"QR:TICKET-42", domain.KindQR, "TICKET-42", true},
		{"PIN:1234", domain.KindPIN, "1234", true},
		{"lpr:b-123-cd", domain.KindLPR, "b-123-cd", true},
		// No colon: the frame is a raw RFID payload.
		{"CARD-001", domain.KindRFID, "CARD-001", true},
		// Value keeps any later colons.
		{"QR:a:b:c", domain.KindQR, "a:b:c", true},
		{"BARCODE:X1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.frame, func(t *testing.T) {
			kind, value, ok := parseFrame(tt.frame)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.kind, kind)
				assert.Equal(t, tt.value, value)
			}
		})
	}
}

type staticResolver struct {
	devices map[string]*domain.Device
}

func (r *staticResolver) DeviceByIP(_ context.Context, ip string) (*domain.Device, error) {
	if d, ok := r.devices[ip]; ok {
		return d, nil
	}
	return nil, store.ErrNotFound
}

func startTestServer(t *testing.T, resolver DeviceResolver, bus events.Bus) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", resolver, nil, bus, NewCommander(time.Second), 5005)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			t.Errorf("listener failed: %v", err)
		}
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond)
	return srv
}

func TestServer_HeartbeatPublishesDeviceStatus(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()

	got := make(chan *events.Event, 1)
	bus.Subscribe(events.TypeDeviceStatus, func(_ context.Context, ev *events.Event) { got <- ev })

	srv := startTestServer(t, &staticResolver{}, bus)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprint(conn, "HEARTBEAT\n")
	require.NoError(t, err)

	select {
	case ev := <-got:
		payload, ok := ev.Payload.(events.DeviceStatusPayload)
		require.True(t, ok)
		assert.Equal(t, "ONLINE", payload.Status)
		assert.Equal(t, "127.0.0.1", payload.DeviceIP)
	case <-time.After(2 * time.Second):
		t.Fatal("no device_status event after heartbeat")
	}
}

func TestServer_UnknownDeviceFrameIsDropped(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()

	got := make(chan *events.Event, 1)
	bus.Subscribe(events.TypeAccessLog, func(_ context.Context, ev *events.Event) { got <- ev })

	// No devices registered; a scan frame from this peer must be ignored
	// without reaching the engine (engine is nil, so a panic would fail it).
	srv := startTestServer(t, &staticResolver{}, bus)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprint(conn, "RFID:CARD-001\n")
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("unknown-device frame must not produce an access event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServer_EmptyAndOversizedFramesDoNotCrash(t *testing.T) {
	bus := events.NewLocalBus()
	defer bus.Close()
	srv := startTestServer(t, &staticResolver{}, bus)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Blank line, then a frame over the 1 KiB cap; the server drops the
	// connection rather than crashing, and stays usable for new peers.
	_, err = fmt.Fprint(conn, "\n")
	require.NoError(t, err)
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'A'
	}
	_, _ = conn.Write(append(big, '\n'))

	conn2, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	conn2.Close()
}
