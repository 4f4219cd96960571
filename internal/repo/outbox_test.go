package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mesaops/mesa-events/internal/logger"
	"github.com/mesaops/mesa-events/internal/model"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxEntry{}, &model.Check{}, &model.Charge{}, &model.Allocation{}, &model.Payment{}))
	return NewRepository(db, nil, logger.NewNop()), context.Background()
}

func pendingEntry(payload string) *model.OutboxEntry {
	return &model.OutboxEntry{
		TenantID:      1,
		EventType:     "PAYMENT_RECORDED",
		AggregateType: "payment",
		AggregateID:   1,
		Payload:       payload,
		Status:        model.OutboxPending,
	}
}

func TestOutboxAtomicity_RollbackLeavesNoRow(t *testing.T) {
	r, ctx := newTestRepo(t)
	boom := errors.New("business mutation failed")

	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.CreateOutboxEntry(ctx, tx, pendingEntry(`{}`)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	assert.NoError(t, r.DB(ctx).Model(&model.OutboxEntry{}).Count(&count).Error)
	assert.Equal(t, int64(0), count, "rolled-back transaction must not leave an outbox row")
}

func TestClaimOutboxBatch_MovesOldestPendingToProcessing(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 3; i++ {
		assert.NoError(t, r.DB(ctx).Create(pendingEntry(`{}`)).Error)
	}
	published := pendingEntry(`{}`)
	published.Status = model.OutboxPublished
	assert.NoError(t, r.DB(ctx).Create(published).Error)

	claimed, err := r.ClaimOutboxBatch(ctx, 2)
	assert.NoError(t, err)
	assert.Len(t, claimed, 2)
	assert.Equal(t, uint64(1), claimed[0].ID)
	assert.Equal(t, uint64(2), claimed[1].ID)

	var statuses []string
	assert.NoError(t, r.DB(ctx).Model(&model.OutboxEntry{}).Order("id").Pluck("status", &statuses).Error)
	assert.Equal(t, []string{
		model.OutboxProcessing, model.OutboxProcessing,
		model.OutboxPending, model.OutboxPublished,
	}, statuses)

	// nothing pending left after draining
	claimed, err = r.ClaimOutboxBatch(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRequeueStaleOutbox(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 2; i++ {
		assert.NoError(t, r.DB(ctx).Create(pendingEntry(`{}`)).Error)
	}
	claimed, err := r.ClaimOutboxBatch(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, claimed, 2)

	// fresh claims stay with their owner
	n, err := r.RequeueStaleOutbox(ctx, time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = r.RequeueStaleOutbox(ctx, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var statuses []string
	assert.NoError(t, r.DB(ctx).Model(&model.OutboxEntry{}).Pluck("status", &statuses).Error)
	assert.Equal(t, []string{model.OutboxPending, model.OutboxPending}, statuses)
}

func TestMarkOutboxTransitions(t *testing.T) {
	r, ctx := newTestRepo(t)
	e := pendingEntry(`{}`)
	assert.NoError(t, r.DB(ctx).Create(e).Error)

	assert.NoError(t, r.MarkOutboxRetry(ctx, e.ID, 2, "broker unavailable"))
	var got model.OutboxEntry
	assert.NoError(t, r.DB(ctx).First(&got, e.ID).Error)
	assert.Equal(t, model.OutboxPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "broker unavailable", got.LastError)
	assert.Nil(t, got.ProcessedAt)

	assert.NoError(t, r.MarkOutboxPublished(ctx, e.ID))
	assert.NoError(t, r.DB(ctx).First(&got, e.ID).Error)
	assert.Equal(t, model.OutboxPublished, got.Status)
	assert.NotNil(t, got.ProcessedAt)
}

func TestReplayOutbox(t *testing.T) {
	r, ctx := newTestRepo(t)
	failed := pendingEntry(`{}`)
	failed.Status = model.OutboxFailed
	failed.RetryCount = 5
	failed.LastError = "exhausted"
	assert.NoError(t, r.DB(ctx).Create(failed).Error)

	ok := pendingEntry(`{}`)
	ok.Status = model.OutboxPublished
	assert.NoError(t, r.DB(ctx).Create(ok).Error)

	assert.NoError(t, r.ReplayOutbox(ctx, failed.ID))
	var got model.OutboxEntry
	assert.NoError(t, r.DB(ctx).First(&got, failed.ID).Error)
	assert.Equal(t, model.OutboxPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)

	// only FAILED rows are replayable
	assert.ErrorIs(t, r.ReplayOutbox(ctx, ok.ID), ErrNotReplayable)
}

func TestListFailedOutbox(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 3; i++ {
		e := pendingEntry(`{}`)
		if i != 1 {
			e.Status = model.OutboxFailed
		}
		assert.NoError(t, r.DB(ctx).Create(e).Error)
	}

	failed, err := r.ListFailedOutbox(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, failed, 2)
	assert.Equal(t, uint64(3), failed[0].ID) // newest first
}
