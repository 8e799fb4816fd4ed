package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"sharedrive/pkg/logger"
)

const relayChannel = "sharedrive:events"

// RedisRelay publishes events on a Redis channel so connections held by
// other instances receive them too. Every instance runs Listen to feed its
// local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger logger.Logger
}

func NewRedisRelay(client *redis.Client, hub *Hub, log logger.Logger) *RedisRelay {
	return &RedisRelay{client: client, hub: hub, logger: log}
}

func (r *RedisRelay) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, relayChannel, data).Err(); err != nil {
		r.logger.Warn("Event relay publish failed, delivering locally", map[string]interface{}{
			"type":  ev.Type,
			"error": err,
		})
		r.hub.deliver(ev)
	}
}

// Listen blocks until ctx is cancelled.
func (r *RedisRelay) Listen(ctx context.Context) {
	sub := r.client.Subscribe(ctx, relayChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("Discarding malformed event", map[string]interface{}{"error": err})
				continue
			}
			r.hub.deliver(ev)
		}
	}
}
