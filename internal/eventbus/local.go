package eventbus

import (
	"log/slog"
	"sync"
)

// LocalBus is the default in-process channel fan-out transport. It
// holds no network surface, matching the "no network control plane"
// non-goal; Redis is only ever an optional, additional transport (see
// redis.go).
type LocalBus struct {
	mu        sync.Mutex
	listeners map[string][]*subscription
	nextID    uint64
	log       *slog.Logger
}

type subscription struct {
	id       uint64
	listener func(payload map[string]any)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		listeners: make(map[string][]*subscription),
		log:       slog.Default().With("component", "eventbus"),
	}
}

// Publish invokes every listener on channel synchronously, in
// registration order. A panicking listener is recovered and logged so
// one bad listener cannot take down the emitter (mirrors the scheduler
// timer panic-recovery policy in §7).
func (b *LocalBus) Publish(channel string, payload map[string]any) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.listeners[channel]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(sub, channel, payload)
	}
}

func (b *LocalBus) invoke(sub *subscription, channel string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", "channel", channel, "panic", r)
		}
	}()
	sub.listener(payload)
}

func (b *LocalBus) Subscribe(channel string, listener func(payload map[string]any)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, listener: listener}
	b.listeners[channel] = append(b.listeners[channel], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[channel]
		for i, s := range subs {
			if s.id == id {
				b.listeners[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}
