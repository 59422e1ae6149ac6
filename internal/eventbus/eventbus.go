// Package eventbus provides a small in-process, per-crawler publish/
// subscribe mechanism. A single process-wide bus singleton would make it
// impossible to run two crawlers with independent migration/CPU signals in
// the same process, so a Bus is constructed by and owned by each crawler
// instance instead, and handed to collaborators that need to publish or
// subscribe.
package eventbus

import (
	"log/slog"
	"sync"
)

// Well-known topic names the crawler and its collaborators publish/consume.
const (
	// TopicCPUInfo carries sysinfo.Sample values describing recent CPU
	// and memory pressure, published periodically by a system sampler.
	TopicCPUInfo = "cpuInfo"

	// TopicMigrating is published once, with no payload, when the host
	// signals an impending migration/shutdown. Subscribers should persist
	// state and stop accepting new work.
	TopicMigrating = "migrating"

	// TopicPersistState is published periodically (and once on migration)
	// to ask all stateful collaborators to flush to the KV store.
	TopicPersistState = "persistState"
)

// Bus is a named publish/subscribe hub. The zero value is not usable; use
// New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan any
	nextID      int
	logger      *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string]map[int]chan any),
		logger:      logger.With("component", "eventbus"),
	}
}

// Subscribe returns a channel that receives every payload published to
// topic from this point on, and an unsubscribe function that must be
// called to release it (typically via defer at the end of the crawler's
// Run). The channel is buffered; while a subscriber's buffer is full, newly
// published payloads are dropped for it rather than stalling the publisher.
func (b *Bus) Subscribe(topic string) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, 16)
	id := b.nextID
	b.nextID++

	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int]chan any)
	}
	b.subscribers[topic][id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[topic]; ok {
			delete(subs, id)
		}
		close(ch)
	}
	return ch, unsubscribe
}

// Publish fans payload out to every current subscriber of topic.
// Non-blocking: a subscriber whose buffer is full is skipped for this
// publish rather than stalling the caller, since publishers run on
// time-sensitive paths (periodic ticks, migration signals).
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- payload:
		default:
			b.logger.Warn("eventbus: subscriber buffer full, dropping publish", "topic", topic)
		}
	}
}
