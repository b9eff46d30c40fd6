package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go-social/internal/presence"

	"github.com/redis/go-redis/v9"
)

type peerDelivery struct {
	Origin     string          `json:"origin"`
	ReceiverID string          `json:"receiverId"`
	Payload    json.RawMessage `json:"payload"`
}

// RedisBroker relays payloads for receivers that are connected to another instance.
// Every instance subscribes to the same channel and delivers only to its own registry.
// Nothing is queued: a receiver offline everywhere simply misses the live push.
type RedisBroker struct {
	redis    *redis.Client
	channel  string
	origin   string
	registry *presence.Registry
	metrics  *Metrics
	log      *slog.Logger
}

func NewRedisBroker(client *redis.Client, channel, origin string, registry *presence.Registry, metrics *Metrics, log *slog.Logger) *RedisBroker {
	return &RedisBroker{
		redis:    client,
		channel:  channel,
		origin:   origin,
		registry: registry,
		metrics:  metrics,
		log:      log,
	}
}

func (b *RedisBroker) Publish(ctx context.Context, receiverID string, payload []byte) error {
	data, err := json.Marshal(peerDelivery{Origin: b.origin, ReceiverID: receiverID, Payload: payload})
	if err != nil {
		return err
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run listens for peer deliveries until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver([]byte(msg.Payload))
		}
	}
}

func (b *RedisBroker) deliver(data []byte) {
	var d peerDelivery
	if err := json.Unmarshal(data, &d); err != nil {
		b.log.Warn("malformed peer delivery", "error", err)
		return
	}
	if d.Origin == b.origin {
		return
	}

	conn, ok := b.registry.Lookup(d.ReceiverID)
	if !ok {
		return
	}
	if err := conn.Send(d.Payload); err != nil {
		b.metrics.deliveries.WithLabelValues(deliveryFailed).Inc()
		b.log.Warn("peer delivery failed", "receiver_id", d.ReceiverID, "error", err)
		return
	}
	b.metrics.deliveries.WithLabelValues(deliveryDelivered).Inc()
}
