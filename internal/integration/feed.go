package integration

import (
	"context"
	"strconv"
	"time"

	"github.com/mesaops/mesa-events/internal/breaker"
	"github.com/mesaops/mesa-events/internal/event"
	"github.com/mesaops/mesa-events/internal/retryqueue"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// RetryKind keys feed redeliveries in the retry queue.
const RetryKind = "integration_feed"

// messageWriter is the slice of *kafka.Writer the feed needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// enqueuer is the slice of *retryqueue.Queue the feed needs.
type enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte, lastErr string, attempt int) error
}

// Feed mirrors delivered events onto a Kafka topic for external consumers.
// The circuit breaker keeps a down broker from stalling the consume path;
// failed deliveries drain through the retry queue instead of blocking acks.
type Feed struct {
	writer  messageWriter
	brk     *breaker.Breaker
	retries enqueuer
	log     *zap.SugaredLogger
}

func NewFeed(w messageWriter, brk *breaker.Breaker, retries enqueuer, logger *zap.SugaredLogger) *Feed {
	return &Feed{writer: w, brk: brk, retries: retries, log: logger}
}

// Handle implements stream.EventSink. It never returns an error: a failed
// delivery is parked in the retry queue so the stream message still acks.
func (f *Feed) Handle(ctx context.Context, env *event.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := f.deliver(ctx, env.TenantID, []byte(data)); err != nil {
		f.log.Warnf("feed delivery of %s deferred to retry queue: %v", env.Type, err)
		if qerr := f.retries.Enqueue(ctx, RetryKind, []byte(data), err.Error(), 0); qerr != nil {
			return qerr
		}
	}
	return nil
}

func (f *Feed) deliver(ctx context.Context, tenantID int64, data []byte) error {
	if err := f.brk.CanExecute(); err != nil {
		return err
	}
	err := f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(tenantID, 10)),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		f.brk.RecordFailure()
		return err
	}
	f.brk.RecordSuccess()
	return nil
}

// RetryHandler returns the retry-queue handler redelivering parked events.
func (f *Feed) RetryHandler() retryqueue.Handler {
	return func(ctx context.Context, payload []byte) error {
		env, err := event.Decode(payload)
		if err != nil {
			return err
		}
		return f.deliver(ctx, env.TenantID, payload)
	}
}
