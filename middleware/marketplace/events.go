package marketplace

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	core "marketplace-backend/core/marketplace"
)

// EventBus fans lifecycle events out to registered sinks. Delivery is
// fire-and-forget and happens after the transition is already durable;
// consumers must tolerate late, repeated, or reordered events.
type EventBus struct {
	mu    sync.Mutex
	sinks []func(core.Event)
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Register adds a callback to receive marketplace events.
func (b *EventBus) Register(sink func(core.Event)) {
	if sink == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Publish forwards an event to registered sinks.
func (b *EventBus) Publish(evt core.Event) {
	b.mu.Lock()
	sinks := append([]func(core.Event){}, b.sinks...)
	b.mu.Unlock()
	for _, sink := range sinks {
		sink(evt)
	}
}

// RedisEventSink publishes lifecycle events to a Redis channel so external
// dashboards can subscribe without touching the job store.
type RedisEventSink struct {
	rdb     *redis.Client
	channel string
}

// NewRedisEventSink connects a sink to the given channel.
func NewRedisEventSink(rdb *redis.Client, channel string) *RedisEventSink {
	if channel == "" {
		channel = "marketplace:events"
	}
	return &RedisEventSink{rdb: rdb, channel: channel}
}

// Sink returns the callback to register on an EventBus. Publish failures are
// logged and dropped; the protocol makes no delivery guarantee.
func (s *RedisEventSink) Sink() func(core.Event) {
	return func(evt core.Event) {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Printf("redis event sink: marshal: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
			log.Printf("redis event sink: publish: %v", err)
		}
	}
}
