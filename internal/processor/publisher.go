package processor

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/botq/internal/domain"
)

// RedisPublisher sends events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *r.Client
	channel string
}

func NewRedisPublisher(rdb *r.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "processor: encode event")
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return &domain.ExternalServiceError{Service: "redis", Op: "publish " + ev.Name, Err: err}
	}
	return nil
}
