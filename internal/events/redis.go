package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus distributes events across backend instances via Redis Pub/Sub.
// Subscribers on every instance, including the publishing one, receive
// events through the Redis channel, so each event is delivered exactly once
// per subscriber.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu       sync.Mutex
	local    *LocalBus
	pubsubs  []*redis.PubSub
	watching map[Type]bool
	cancel   context.CancelFunc
	ctx      context.Context
}

// NewRedisBus connects to Redis at addr. The channel prefix namespaces this
// deployment's events.
func NewRedisBus(addr, prefix string) (*RedisBus, error) {
	if prefix == "" {
		prefix = "parkos:events:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		client.Close()
		return nil, err
	}
	return &RedisBus{
		client:   client,
		prefix:   prefix,
		local:    NewLocalBus(),
		watching: make(map[Type]bool),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Publish sends the event to Redis; when Redis is unreachable it degrades to
// local-only delivery so the feed on this instance keeps working.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	channel := b.prefix + string(event.Type)
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		slog.Warn("redis publish failed, delivering locally", "type", event.Type, "error", err)
		return b.local.Publish(ctx, event)
	}
	return nil
}

// Subscribe registers a handler. The first subscription per type also opens
// the Redis channel so events from other instances are delivered.
func (b *RedisBus) Subscribe(t Type, handler Handler) func() {
	unsub := b.local.Subscribe(t, handler)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.watching[t] {
		b.watching[t] = true
		ps := b.client.Subscribe(b.ctx, b.prefix+string(t))
		b.pubsubs = append(b.pubsubs, ps)
		go b.pump(ps)
	}
	return unsub
}

// pump forwards Redis messages into the local bus until the channel closes.
func (b *RedisBus) pump(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			slog.Warn("dropping malformed event from redis", "error", err)
			continue
		}
		if err := b.local.Publish(b.ctx, &event); err != nil {
			return
		}
	}
}

// Close tears down the Redis subscriptions and the connection.
func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, ps := range b.pubsubs {
		_ = ps.Close()
	}
	b.pubsubs = nil
	b.mu.Unlock()
	_ = b.local.Close()
	return b.client.Close()
}
