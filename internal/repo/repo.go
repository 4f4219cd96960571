package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mesaops/mesa-events/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotReplayable is returned when replaying an outbox entry that is not FAILED.
var ErrNotReplayable = errors.New("outbox entry is not in FAILED state")

// RepositoryInterface restricts Repo methods so services can be mocked.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetCheck(ctx context.Context, checkID uint64) (*model.Check, error)
	GetCheckForUpdate(ctx context.Context, tx *gorm.DB, checkID uint64) (*model.Check, error)
	ListCharges(ctx context.Context, tx *gorm.DB, checkID uint64) ([]model.Charge, error)
	AllocatedByCharge(ctx context.Context, tx *gorm.DB, chargeIDs []uint64) (map[uint64]int64, error)
	CreateCharges(ctx context.Context, tx *gorm.DB, charges []*model.Charge) error
	CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error
	CreateAllocations(ctx context.Context, tx *gorm.DB, allocs []*model.Allocation) error
	GetPayment(ctx context.Context, paymentID uint64) (*model.Payment, error)
	UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, paymentID uint64, from, to string) error
	CreateOutboxEntry(ctx context.Context, tx *gorm.DB, entry *model.OutboxEntry) error
	ClaimOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	RequeueStaleOutbox(ctx context.Context, olderThan time.Duration) (int64, error)
	MarkOutboxPublished(ctx context.Context, id uint64) error
	MarkOutboxRetry(ctx context.Context, id uint64, retryCount int, lastErr string) error
	MarkOutboxFailed(ctx context.Context, id uint64, retryCount int, lastErr string) error
	ListFailedOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	ReplayOutbox(ctx context.Context, id uint64) error
	CacheOutstanding(ctx context.Context, checkID uint64, cents int64) error
	GetCachedOutstanding(ctx context.Context, checkID uint64) (int64, error)
	DLQPush(ctx context.Context, key, payload string, maxLen int64) error
	DLQRange(ctx context.Context, key string, n int64) ([]string, error)
}

// Repository implements RepositoryInterface over gorm and redis.
type Repository struct {
	db  *gorm.DB
	rdb *redis.Client
	log *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetCheck fetches a check without locking.
func (r *Repository) GetCheck(ctx context.Context, checkID uint64) (*model.Check, error) {
	var c model.Check
	if err := r.db.WithContext(ctx).First(&c, checkID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCheckForUpdate locks the check row. Every allocation must run under this
// lock for the whole transaction.
func (r *Repository) GetCheckForUpdate(ctx context.Context, tx *gorm.DB, checkID uint64) (*model.Check, error) {
	var c model.Check
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", checkID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCharges returns the check's charges in creation order (id ascending).
func (r *Repository) ListCharges(ctx context.Context, tx *gorm.DB, checkID uint64) ([]model.Charge, error) {
	var charges []model.Charge
	err := tx.WithContext(ctx).Where("check_id = ?", checkID).Order("id asc").Find(&charges).Error
	return charges, err
}

// AllocatedByCharge sums existing allocations per charge.
func (r *Repository) AllocatedByCharge(ctx context.Context, tx *gorm.DB, chargeIDs []uint64) (map[uint64]int64, error) {
	type row struct {
		ChargeID uint64
		Total    int64
	}
	if len(chargeIDs) == 0 {
		return map[uint64]int64{}, nil
	}
	var rows []row
	err := tx.WithContext(ctx).Model(&model.Allocation{}).
		Select("charge_id, COALESCE(SUM(amount_cents),0) AS total").
		Where("charge_id IN ?", chargeIDs).
		Group("charge_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]int64, len(rows))
	for _, rw := range rows {
		out[rw.ChargeID] = rw.Total
	}
	return out, nil
}

// CreateCharges inserts charge rows.
func (r *Repository) CreateCharges(ctx context.Context, tx *gorm.DB, charges []*model.Charge) error {
	return tx.WithContext(ctx).Create(charges).Error
}

// CreatePayment inserts payment record.
func (r *Repository) CreatePayment(ctx context.Context, tx *gorm.DB, p *model.Payment) error {
	return tx.WithContext(ctx).Create(p).Error
}

// CreateAllocations inserts allocation rows.
func (r *Repository) CreateAllocations(ctx context.Context, tx *gorm.DB, allocs []*model.Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(allocs).Error
}

// GetPayment fetches a payment by id.
func (r *Repository) GetPayment(ctx context.Context, paymentID uint64) (*model.Payment, error) {
	var p model.Payment
	if err := r.db.WithContext(ctx).First(&p, paymentID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePaymentStatus transitions a payment guarded by its current status.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, tx *gorm.DB, paymentID uint64, from, to string) error {
	res := tx.WithContext(ctx).Model(&model.Payment{}).
		Where("id = ? AND status = ?", paymentID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("payment %d not in status %s", paymentID, from)
	}
	return nil
}

// CreateOutboxEntry writes the event row; must share the caller's transaction.
func (r *Repository) CreateOutboxEntry(ctx context.Context, tx *gorm.DB, entry *model.OutboxEntry) error {
	return tx.WithContext(ctx).Create(entry).Error
}

// ClaimOutboxBatch picks up to limit PENDING entries oldest-first and moves
// them to PROCESSING. SKIP LOCKED keeps concurrent processors off each other's
// batch; the lock is dropped on commit, the PROCESSING status keeps ownership.
func (r *Repository) ClaimOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", model.OutboxPending).
			Order("id asc").Limit(limit).
			Find(&entries).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		ids := make([]uint64, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		return tx.Model(&model.OutboxEntry{}).
			Where("id IN ?", ids).
			Update("status", model.OutboxProcessing).Error
	})
	return entries, err
}

// RequeueStaleOutbox returns PROCESSING entries whose claim went stale back to
// PENDING. A processor that dies between claim and publish leaves its batch in
// PROCESSING; the threshold keeps live claims of other processors untouched.
func (r *Repository) RequeueStaleOutbox(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("status = ? AND updated_at <= ?", model.OutboxProcessing, time.Now().Add(-olderThan)).
		Update("status", model.OutboxPending)
	return res.RowsAffected, res.Error
}

// MarkOutboxPublished finalizes a delivered entry.
func (r *Repository) MarkOutboxPublished(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.OutboxPublished,
			"processed_at": &now,
		}).Error
}

// MarkOutboxRetry puts the entry back to PENDING for the next poll cycle.
func (r *Repository) MarkOutboxRetry(ctx context.Context, id uint64, retryCount int, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxPending,
			"retry_count": retryCount,
			"last_error":  truncate(lastErr, 1024),
		}).Error
}

// MarkOutboxFailed parks the entry terminally for operator attention.
func (r *Repository) MarkOutboxFailed(ctx context.Context, id uint64, retryCount int, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.OutboxEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.OutboxFailed,
			"retry_count": retryCount,
			"last_error":  truncate(lastErr, 1024),
		}).Error
}

// ListFailedOutbox returns terminally failed entries, newest first.
func (r *Repository) ListFailedOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxFailed).
		Order("id desc").Limit(limit).Find(&entries).Error
	return entries, err
}

// ReplayOutbox resets a FAILED entry to PENDING with a fresh retry budget.
func (r *Repository) ReplayOutbox(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("id = ? AND status = ?", id, model.OutboxFailed).
		Updates(map[string]interface{}{
			"status":      model.OutboxPending,
			"retry_count": 0,
			"last_error":  "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotReplayable
	}
	return nil
}

// CacheOutstanding writes the check's outstanding balance to Redis.
func (r *Repository) CacheOutstanding(ctx context.Context, checkID uint64, cents int64) error {
	return r.rdb.Set(ctx, fmt.Sprintf("outstanding:%d", checkID), strconv.FormatInt(cents, 10), 5*time.Minute).Err()
}

// GetCachedOutstanding reads the cached balance.
func (r *Repository) GetCachedOutstanding(ctx context.Context, checkID uint64) (int64, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("outstanding:%d", checkID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}

// DLQPush appends to a capped dead-letter list.
func (r *Repository) DLQPush(ctx context.Context, key, payload string, maxLen int64) error {
	if err := r.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	return r.rdb.LTrim(ctx, key, 0, maxLen-1).Err()
}

// DLQRange returns the newest n dead-letter records.
func (r *Repository) DLQRange(ctx context.Context, key string, n int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, 0, n-1).Result()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
