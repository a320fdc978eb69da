package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher broadcasts over Redis channels. Used for local/dev and for
// same-cluster websocket bridges; delivery is per-connection best-effort,
// matching the fan-out contract.
type RedisPublisher struct {
	Client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{Client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	if p == nil || p.Client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, topic, data).Err()
}
