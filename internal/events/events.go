// Package events provides the publish/subscribe channel between the decision
// engine and its consumers (the websocket feed, tests). Single-instance
// deployments use the in-process bus; multi-instance deployments switch to
// the Redis-backed bus so feed events reach every node.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parkos/backend/internal/domain"
)

// Type classifies the event streams published to the live feed.
type Type string

const (
	TypeAccessLog       Type = "access_log"
	TypeDeviceStatus    Type = "device_status"
	TypeOccupancyUpdate Type = "occupancy_update"
)

// Types lists every stream, for consumers that subscribe to all of them.
var Types = []Type{TypeAccessLog, TypeDeviceStatus, TypeOccupancyUpdate}

// Event is one published notification. Payload is one of the payload structs
// below when published locally, or a decoded map after a Redis round trip.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// AccessLogPayload mirrors one audit row, plus the display fields the
// dashboard renders directly.
type AccessLogPayload struct {
	Time       string `json:"time"`
	GateID     *int64 `json:"gate_id"`
	GateName   string `json:"gate_name"`
	UserName   string `json:"user_name"`
	Role       string `json:"role"`
	Credential string `json:"credential"`
	Status     string `json:"status"` // ALLOWED or DENIED
	Reason     string `json:"reason"`
	IsEntry    bool   `json:"is_entry"`
}

// DeviceStatusPayload reports hardware liveness, emitted on heartbeats.
type DeviceStatusPayload struct {
	DeviceIP string `json:"device_ip"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// OccupancyPayload reports a zone's occupancy after a state transition.
type OccupancyPayload struct {
	ZoneID   int64   `json:"zone_id"`
	ZoneName string  `json:"zone_name"`
	Current  int     `json:"current"`
	Capacity int     `json:"capacity"`
	Percent  float64 `json:"percent"`
}

// NewOccupancyEvent builds an occupancy_update event from a zone snapshot.
func NewOccupancyEvent(z domain.Zone) *Event {
	return New(TypeOccupancyUpdate, OccupancyPayload{
		ZoneID:   z.ID,
		ZoneName: z.Name,
		Current:  z.Occupancy,
		Capacity: z.Capacity,
		Percent:  z.PercentFull(),
	})
}

// New builds an event with a fresh ID and timestamp.
func New(t Type, payload any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event)

// Bus is the pub/sub contract shared by the local and Redis implementations.
type Bus interface {
	Publish(ctx context.Context, event *Event) error
	// Subscribe registers a handler and returns its unsubscribe function.
	Subscribe(t Type, handler Handler) (unsubscribe func())
	Close() error
}

// LocalBus is the in-memory implementation for single-process deployments.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type][]subscriber
	closed bool
}

type subscriber struct {
	id      int
	handler Handler
}

// NewLocalBus creates an in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[Type][]subscriber)}
}

// Publish delivers the event to all matching subscribers asynchronously.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs[event.Type] {
		h := sub.handler
		go h(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for one event type.
func (b *LocalBus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriber{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops delivery; pending handler goroutines run to completion.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
