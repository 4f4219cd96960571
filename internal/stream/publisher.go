package stream

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/mesaops/mesa-events/internal/event"
	"go.uber.org/zap"
)

// Publisher appends envelopes to a Redis stream. Used by the outbox processor.
type Publisher struct {
	rdb    *redis.Client
	stream string
	log    *zap.SugaredLogger
}

func NewPublisher(rdb *redis.Client, stream string, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{rdb: rdb, stream: stream, log: logger}
}

// Publish XADDs the envelope under the "data" field and returns on transport
// failure so the caller can drive its retry counter.
func (p *Publisher) Publish(ctx context.Context, env *event.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"data": data},
	}).Result()
	if err != nil {
		return err
	}
	p.log.Debugf("published %s to %s as %s", env.Type, p.stream, id)
	return nil
}
