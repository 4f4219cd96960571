package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mesaops/mesa-events/internal/breaker"
	"github.com/mesaops/mesa-events/internal/event"
	"github.com/mesaops/mesa-events/internal/logger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

type fakeWriter struct {
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

type fakeEnqueuer struct {
	kinds    []string
	payloads [][]byte
	errs     []string
	attempts []int
}

func (q *fakeEnqueuer) Enqueue(_ context.Context, kind string, payload []byte, lastErr string, attempt int) error {
	q.kinds = append(q.kinds, kind)
	q.payloads = append(q.payloads, payload)
	q.errs = append(q.errs, lastErr)
	q.attempts = append(q.attempts, attempt)
	return nil
}

func testBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
		HalfOpenMaxCalls: 1,
	})
}

func testEnvelope(t *testing.T) *event.Envelope {
	env, err := event.New(event.TypePaymentApproved, 42, 1, event.Scope{},
		map[string]any{"payment_id": 9}, event.Actor{Role: "system"})
	assert.NoError(t, err)
	return env
}

func TestHandle_DeliversKeyedByTenant(t *testing.T) {
	w := &fakeWriter{}
	q := &fakeEnqueuer{}
	f := NewFeed(w, testBreaker(), q, logger.NewNop())

	assert.NoError(t, f.Handle(context.Background(), testEnvelope(t)))

	assert.Len(t, w.written, 1)
	assert.Equal(t, "42", string(w.written[0].Key))
	env, err := event.Decode(w.written[0].Value)
	assert.NoError(t, err)
	assert.Equal(t, event.TypePaymentApproved, env.Type)
	assert.Empty(t, q.kinds)
}

func TestHandle_FailureParksInRetryQueue(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	q := &fakeEnqueuer{}
	f := NewFeed(w, testBreaker(), q, logger.NewNop())

	// no error back: the stream message must still ack
	assert.NoError(t, f.Handle(context.Background(), testEnvelope(t)))

	assert.Equal(t, []string{RetryKind}, q.kinds)
	assert.Equal(t, []string{"broker unreachable"}, q.errs)
	assert.Equal(t, []int{0}, q.attempts)
	env, err := event.Decode(q.payloads[0])
	assert.NoError(t, err)
	assert.Equal(t, event.TypePaymentApproved, env.Type)
}

func TestHandle_OpenBreakerSkipsWriter(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unreachable")}
	q := &fakeEnqueuer{}
	brk := testBreaker()
	f := NewFeed(w, brk, q, logger.NewNop())

	ctx := context.Background()
	env := testEnvelope(t)
	assert.NoError(t, f.Handle(ctx, env))
	assert.NoError(t, f.Handle(ctx, env))
	assert.Equal(t, breaker.StateOpen, brk.State())

	// breaker is open now, the writer is no longer attempted
	w.err = nil
	assert.NoError(t, f.Handle(ctx, env))
	assert.Empty(t, w.written)
	assert.Len(t, q.kinds, 3)
	assert.Contains(t, q.errs[2], "circuit open")
}

func TestRetryHandler_Redelivers(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeed(w, testBreaker(), &fakeEnqueuer{}, logger.NewNop())

	data, err := testEnvelope(t).Encode()
	assert.NoError(t, err)
	assert.NoError(t, f.RetryHandler()(context.Background(), []byte(data)))
	assert.Len(t, w.written, 1)
}

func TestRetryHandler_RejectsBadPayload(t *testing.T) {
	w := &fakeWriter{}
	f := NewFeed(w, testBreaker(), &fakeEnqueuer{}, logger.NewNop())

	assert.Error(t, f.RetryHandler()(context.Background(), []byte(`{not json`)))
	assert.Empty(t, w.written)
}
