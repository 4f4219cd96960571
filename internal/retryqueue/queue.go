package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler processes one delivery payload. A nil return removes the item from
// the queue; an error schedules the next attempt.
type Handler func(ctx context.Context, payload []byte) error

// DeadLetterSink receives permanently failed items. Satisfied by *repo.Repository.
type DeadLetterSink interface {
	DLQPush(ctx context.Context, key, payload string, maxLen int64) error
}

// ErrPassInProgress is returned when ProcessRetries is called while another
// pass is still running.
var ErrPassInProgress = errors.New("retry pass already in progress")

// DeadLetter is the record shape pushed to the dead-letter list.
type DeadLetter struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Queue is a durable, backoff-scheduled retry mechanism for
// externally-triggered callbacks (payment provider webhooks, integration-feed
// deliveries). Independent of the outbox.
type Queue struct {
	db  *gorm.DB
	dlq DeadLetterSink
	cfg config.RetryConfig
	log *zap.SugaredLogger
	now func() time.Time

	hmu      sync.RWMutex
	handlers map[string]Handler

	passMu sync.Mutex // whole-pass re-entrancy guard
}

func NewQueue(db *gorm.DB, dlq DeadLetterSink, cfg config.RetryConfig, logger *zap.SugaredLogger) *Queue {
	return &Queue{
		db:       db,
		dlq:      dlq,
		cfg:      cfg,
		log:      logger,
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a kind to its handler. Call at startup, before Run.
func (q *Queue) RegisterHandler(kind string, h Handler) {
	q.hmu.Lock()
	q.handlers[kind] = h
	q.hmu.Unlock()
}

// Delay computes the backoff before the given attempt: min(base*2^attempt, max).
func Delay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Enqueue schedules a delivery for retry. attempt is the number of tries
// already spent; the item becomes due after min(BASE_DELAY*2^attempt, MAX_DELAY).
func (q *Queue) Enqueue(ctx context.Context, kind string, payload []byte, lastErr string, attempt int) error {
	now := q.now()
	item := &model.WebhookRetry{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     string(payload),
		LastError:   lastErr,
		Attempt:     attempt,
		NextRetryAt: now.Add(Delay(attempt, q.cfg.BaseDelay(), q.cfg.MaxDelay())),
		CreatedAt:   now,
	}
	return q.db.WithContext(ctx).Create(item).Error
}

// ProcessRetries dispatches one batch of due items and returns how many left
// the queue (delivered or dead-lettered); rescheduled failures are not
// progress. Item failures are isolated; only one pass may run at a time.
func (q *Queue) ProcessRetries(ctx context.Context, batchSize int) (int, error) {
	if !q.passMu.TryLock() {
		return 0, ErrPassInProgress
	}
	defer q.passMu.Unlock()

	var due []model.WebhookRetry
	err := q.db.WithContext(ctx).
		Where("next_retry_at <= ?", q.now()).
		Order("next_retry_at asc").Limit(batchSize).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		done, err := q.processItem(ctx, &due[i])
		if err != nil {
			q.log.Errorf("retry item %s: %v", due[i].ID, err)
			continue
		}
		if done {
			processed++
		}
	}
	return processed, nil
}

// processItem reports whether the item left the queue.
func (q *Queue) processItem(ctx context.Context, item *model.WebhookRetry) (bool, error) {
	q.hmu.RLock()
	h, ok := q.handlers[item.Kind]
	q.hmu.RUnlock()

	var handleErr error
	if !ok {
		handleErr = errors.New("no handler registered for kind " + item.Kind)
	} else {
		handleErr = h(ctx, []byte(item.Payload))
	}

	if handleErr == nil {
		return true, q.db.WithContext(ctx).Delete(item).Error
	}

	next := item.Attempt + 1
	if next >= q.cfg.MaxAttempts {
		return true, q.deadLetter(ctx, item, handleErr)
	}
	// CreatedAt survives the update; only the schedule moves
	return false, q.db.WithContext(ctx).Model(item).Updates(map[string]interface{}{
		"attempt":       next,
		"last_error":    handleErr.Error(),
		"next_retry_at": q.now().Add(Delay(next, q.cfg.BaseDelay(), q.cfg.MaxDelay())),
	}).Error
}

func (q *Queue) deadLetter(ctx context.Context, item *model.WebhookRetry, cause error) error {
	rec := DeadLetter{
		ID:        item.ID,
		Kind:      item.Kind,
		Payload:   json.RawMessage(item.Payload),
		Attempt:   item.Attempt + 1,
		LastError: cause.Error(),
		CreatedAt: item.CreatedAt,
		FailedAt:  q.now(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := q.dlq.DLQPush(ctx, q.cfg.DLQKey, string(b), q.cfg.DLQMaxLen); err != nil {
		return err
	}
	q.log.Warnf("retry item %s kind=%s dead-lettered after %d attempts: %v", item.ID, item.Kind, rec.Attempt, cause)
	return q.db.WithContext(ctx).Delete(item).Error
}

// Run polls for due items until the context is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.Interval())
	defer ticker.Stop()

	q.log.Infof("retry queue started, interval=%s", q.cfg.Interval())
	for {
		select {
		case <-ctx.Done():
			q.log.Info("retry queue stopped")
			return
		case <-ticker.C:
			if n, err := q.ProcessRetries(ctx, q.cfg.BatchSize); err != nil && !errors.Is(err, ErrPassInProgress) {
				q.log.Errorf("process retries: %v", err)
			} else if n > 0 {
				q.log.Infof("retry pass done, %d item(s) completed", n)
			}
		}
	}
}
