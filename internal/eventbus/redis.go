package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps a LocalBus so every in-process listener keeps working
// unchanged, and additionally mirrors every publish onto a Redis pub/sub
// channel keyed by event channel name. This is an optional, local-opt-in
// transport (a developer pointing multiple devrig processes at one Redis
// instance), not a network control plane: nothing here accepts inbound
// commands, it only republishes events the host already decided to emit.
type RedisBus struct {
	local  *LocalBus
	client *redis.Client
	prefix string
	log    *slog.Logger
}

const redisChannelPrefix = "devrig:events:"

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		local:  NewLocalBus(),
		client: client,
		prefix: redisChannelPrefix,
		log:    slog.Default().With("component", "eventbus", "transport", "redis"),
	}
}

func (b *RedisBus) Publish(channel string, payload map[string]any) {
	b.local.Publish(channel, payload)

	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("failed to marshal event payload for redis", "channel", channel, "error", err)
		return
	}
	if err := b.client.Publish(context.Background(), b.prefix+channel, data).Err(); err != nil {
		b.log.Warn("failed to publish event to redis", "channel", channel, "error", err)
	}
}

func (b *RedisBus) Subscribe(channel string, listener func(payload map[string]any)) func() {
	return b.local.Subscribe(channel, listener)
}

// StartRemoteForwarding subscribes to every known event channel on
// Redis and republishes incoming messages onto the local bus, so
// listeners registered in this process also observe events emitted by
// other devrig processes sharing the same Redis instance. Returns a
// stop function; ctx cancellation also ends the loop.
func (b *RedisBus) StartRemoteForwarding(ctx context.Context) (stop func()) {
	channels := []string{
		b.prefix + EventSyncProgress,
		b.prefix + EventSyncComplete,
		b.prefix + EventSyncError,
		b.prefix + EventInboxUpdated,
	}
	sub := b.client.Subscribe(ctx, channels...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload map[string]any
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					b.log.Warn("failed to unmarshal remote event", "channel", msg.Channel, "error", err)
					continue
				}
				localChannel := msg.Channel[len(b.prefix):]
				b.local.Publish(localChannel, payload)
			}
		}
	}()

	return func() {
		_ = sub.Close()
		<-done
	}
}
