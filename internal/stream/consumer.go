package stream

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/event"
	"go.uber.org/zap"
)

// EventSink receives every successfully decoded message. A non-nil error
// leaves the message unacknowledged so it stays recoverable; this is the
// at-least-once seam towards the WebSocket layer and the integration feed.
type EventSink interface {
	Handle(ctx context.Context, env *event.Envelope) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, env *event.Envelope) error

func (f SinkFunc) Handle(ctx context.Context, env *event.Envelope) error { return f(ctx, env) }

// MultiSink fans out to several sinks, failing on the first error.
func MultiSink(sinks ...EventSink) EventSink {
	return SinkFunc(func(ctx context.Context, env *event.Envelope) error {
		for _, s := range sinks {
			if err := s.Handle(ctx, env); err != nil {
				return err
			}
		}
		return nil
	})
}

const (
	errBackoffBase = time.Second
	errBackoffMax  = 30 * time.Second
)

// Consumer reads new entries for its consumer group, fans them out through
// the sink and acknowledges on success. Stuck entries are reclaimed from the
// PEL and, past the delivery budget, escalated to the dead-letter stream.
type Consumer struct {
	rdb  *redis.Client
	cfg  config.StreamConfig
	sink EventSink
	log  *zap.SugaredLogger
	now  func() time.Time

	errCount int
}

func NewConsumer(rdb *redis.Client, cfg config.StreamConfig, sink EventSink, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{rdb: rdb, cfg: cfg, sink: sink, log: logger, now: time.Now}
}

// Run blocks until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.log.Infof("stream consumer %s started on %s group=%s", c.cfg.Consumer, c.cfg.Name, c.cfg.Group)

	// drain anything this consumer (or a dead peer) left behind
	if err := c.recoverPending(ctx); err != nil {
		c.log.Errorf("startup pel recovery: %v", err)
	}

	cycles := 0
	for {
		if ctx.Err() != nil {
			c.log.Info("stream consumer stopped")
			return ctx.Err()
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Name, ">"},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block(),
		}).Result()
		switch {
		case err == nil:
			c.errCount = 0
			for _, s := range res {
				for _, msg := range s.Messages {
					c.handleMessage(ctx, msg)
				}
			}
		case errors.Is(err, redis.Nil):
			c.errCount = 0 // block timeout, nothing new
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			continue
		case isNoGroup(err):
			c.log.Warnf("consumer group vanished, recreating: %v", err)
			if gerr := c.ensureGroup(ctx); gerr != nil {
				c.sleepBackoff(ctx)
			}
		default:
			c.log.Errorf("read group: %v", err)
			c.sleepBackoff(ctx)
		}

		cycles++
		if c.cfg.ClaimEvery > 0 && cycles%c.cfg.ClaimEvery == 0 {
			if err := c.recoverPending(ctx); err != nil {
				c.log.Errorf("pel recovery: %v", err)
			}
		}
	}
}

// ensureGroup idempotently creates the group starting from new entries.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Name, c.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// handleMessage decodes and delivers one entry. Malformed payloads are acked
// immediately (poison, retrying cannot help); sink failures leave the entry
// in the PEL.
func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.log.Warnf("message %s has no data field, acking", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}
	env, err := event.Decode([]byte(data))
	if err != nil {
		c.log.Warnf("message %s undecodable, acking: %v", msg.ID, err)
		c.ack(ctx, msg.ID)
		return
	}
	if err := c.sink.Handle(ctx, env); err != nil {
		c.log.Errorf("deliver %s (%s): %v", msg.ID, env.Type, err)
		return
	}
	c.ack(ctx, msg.ID)
}

// recoverPending claims entries idle past min_idle_time. Entries at or over
// the delivery budget go to the dead-letter stream and are acked so a poison
// message cannot block the group; the rest are reprocessed through the sink.
func (c *Consumer) recoverPending(ctx context.Context) error {
	pend, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Name,
		Group:  c.cfg.Group,
		Idle:   c.cfg.MinIdle(),
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(pend) == 0 {
		return nil
	}

	deliveries := make(map[string]int64, len(pend))
	ids := make([]string, 0, len(pend))
	for _, p := range pend {
		deliveries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Name,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle(),
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	for _, msg := range claimed {
		if deliveries[msg.ID] >= c.cfg.MaxDeliveries {
			c.deadLetter(ctx, msg, deliveries[msg.ID])
			continue
		}
		c.handleMessage(ctx, msg)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, retries int64) {
	data, _ := msg.Values["data"].(string)
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		MaxLen: c.cfg.DLQMaxLen,
		Approx: true,
		Values: []interface{}{
			"original_id", msg.ID,
			"retry_count", retries,
			"failed_at", c.now().UTC().Format(time.RFC3339),
			"consumer", c.cfg.Consumer,
			"data", data,
		},
	}).Err()
	if err != nil {
		// keep it in the PEL, the next recovery pass tries again
		c.log.Errorf("dead-letter %s: %v", msg.ID, err)
		return
	}
	c.log.Warnf("message %s dead-lettered after %d deliveries", msg.ID, retries)
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.cfg.Name, c.cfg.Group, id).Err(); err != nil {
		c.log.Errorf("ack %s: %v", id, err)
	}
}

// sleepBackoff waits min(base*2^errCount, max) with jitter, honoring cancel.
func (c *Consumer) sleepBackoff(ctx context.Context) {
	d := backoffDelay(c.errCount)
	c.errCount++
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffDelay(errCount int) time.Duration {
	d := errBackoffBase << uint(errCount)
	if d > errBackoffMax || d <= 0 {
		d = errBackoffMax
	}
	// half fixed, half jitter
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
