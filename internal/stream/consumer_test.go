package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/event"
	"github.com/mesaops/mesa-events/internal/logger"
	"github.com/stretchr/testify/assert"
)

type recordSink struct {
	events []*event.Envelope
	err    error
}

func (s *recordSink) Handle(_ context.Context, env *event.Envelope) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, env)
	return nil
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		Name:          "events:critical",
		Group:         "notifiers",
		Consumer:      "c1",
		DLQStream:     "events:critical:dlq",
		DLQMaxLen:     1000,
		BatchSize:     10,
		BlockMs:       100,
		ClaimEvery:    10,
		MinIdleMs:     60000,
		MaxDeliveries: 3,
	}
}

func newTestConsumer(t *testing.T, sink EventSink) (*Consumer, redismock.ClientMock) {
	rdb, mock := redismock.NewClientMock()
	c := NewConsumer(rdb, testStreamConfig(), sink, logger.NewNop())
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c, mock
}

const validData = `{"type":"PAYMENT_APPROVED","tenant_id":1,"branch_id":0}`

func TestEnsureGroup_ToleratesBusyGroup(t *testing.T) {
	c, mock := newTestConsumer(t, &recordSink{})
	mock.ExpectXGroupCreateMkStream("events:critical", "notifiers", "$").
		SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))

	assert.NoError(t, c.ensureGroup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureGroup_PropagatesOtherErrors(t *testing.T) {
	c, mock := newTestConsumer(t, &recordSink{})
	mock.ExpectXGroupCreateMkStream("events:critical", "notifiers", "$").
		SetErr(errors.New("connection refused"))

	assert.Error(t, c.ensureGroup(context.Background()))
}

func TestHandleMessage_AcksOnSuccess(t *testing.T) {
	sink := &recordSink{}
	c, mock := newTestConsumer(t, sink)
	mock.ExpectXAck("events:critical", "notifiers", "1-0").SetVal(1)

	c.handleMessage(context.Background(), redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": validData},
	})

	assert.Len(t, sink.events, 1)
	assert.Equal(t, "PAYMENT_APPROVED", sink.events[0].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMessage_SinkFailureLeavesUnacked(t *testing.T) {
	sink := &recordSink{err: errors.New("websocket hub down")}
	c, mock := newTestConsumer(t, sink)
	// no XAck expectation: the message must stay in the PEL

	c.handleMessage(context.Background(), redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": validData},
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleMessage_PoisonPayloadAckedImmediately(t *testing.T) {
	sink := &recordSink{}
	c, mock := newTestConsumer(t, sink)
	mock.ExpectXAck("events:critical", "notifiers", "1-0").SetVal(1)
	mock.ExpectXAck("events:critical", "notifiers", "2-0").SetVal(1)

	c.handleMessage(context.Background(), redis.XMessage{
		ID:     "1-0",
		Values: map[string]interface{}{"data": `{not json`},
	})
	c.handleMessage(context.Background(), redis.XMessage{
		ID:     "2-0",
		Values: map[string]interface{}{"other": "field"},
	})

	assert.Empty(t, sink.events, "poison messages never reach the sink")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverPending_EscalatesExhaustedToDLQ(t *testing.T) {
	sink := &recordSink{}
	c, mock := newTestConsumer(t, sink)
	cfg := testStreamConfig()

	mock.ExpectXPendingExt(&redis.XPendingExtArgs{
		Stream: cfg.Name,
		Group:  cfg.Group,
		Idle:   cfg.MinIdle(),
		Start:  "-",
		End:    "+",
		Count:  cfg.BatchSize,
	}).SetVal([]redis.XPendingExt{
		{ID: "1-0", Consumer: "c0", RetryCount: 3},
		{ID: "2-0", Consumer: "c0", RetryCount: 1},
	})

	mock.ExpectXClaim(&redis.XClaimArgs{
		Stream:   cfg.Name,
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		MinIdle:  cfg.MinIdle(),
		Messages: []string{"1-0", "2-0"},
	}).SetVal([]redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"data": validData}},
		{ID: "2-0", Values: map[string]interface{}{"data": validData}},
	})

	// 1-0 hit the delivery budget: dead-lettered once, then acked
	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: cfg.DLQStream,
		MaxLen: cfg.DLQMaxLen,
		Approx: true,
		Values: []interface{}{
			"original_id", "1-0",
			"retry_count", int64(3),
			"failed_at", "2023-11-14T22:13:20Z",
			"consumer", "c1",
			"data", validData,
		},
	}).SetVal("9-0")
	mock.ExpectXAck(cfg.Name, cfg.Group, "1-0").SetVal(1)

	// 2-0 is below the budget: reprocessed through the sink and acked
	mock.ExpectXAck(cfg.Name, cfg.Group, "2-0").SetVal(1)

	assert.NoError(t, c.recoverPending(context.Background()))
	assert.Len(t, sink.events, 1, "only the reclaimed message goes through the sink")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverPending_EmptyPEL(t *testing.T) {
	c, mock := newTestConsumer(t, &recordSink{})
	cfg := testStreamConfig()

	mock.ExpectXPendingExt(&redis.XPendingExtArgs{
		Stream: cfg.Name,
		Group:  cfg.Group,
		Idle:   cfg.MinIdle(),
		Start:  "-",
		End:    "+",
		Count:  cfg.BatchSize,
	}).SetVal([]redis.XPendingExt{})

	assert.NoError(t, c.recoverPending(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffDelay_GrowsWithJitterAndCap(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := backoffDelay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
	for i := 0; i < 20; i++ {
		d := backoffDelay(10) // 1s << 10 overflows the cap
		assert.GreaterOrEqual(t, d, 15*time.Second)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestIsNoGroup(t *testing.T) {
	assert.True(t, isNoGroup(errors.New("NOGROUP No such consumer group 'notifiers' for key name 'events:critical'")))
	assert.False(t, isNoGroup(errors.New("connection refused")))
	assert.False(t, isNoGroup(nil))
}
