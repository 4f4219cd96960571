package outbox

import (
	"context"
	"time"

	"github.com/mesaops/mesa-events/internal/config"
	"github.com/mesaops/mesa-events/internal/event"
	"github.com/mesaops/mesa-events/internal/model"
	"github.com/mesaops/mesa-events/internal/repo"
	"go.uber.org/zap"
)

// Publisher is the transport seam; satisfied by *stream.Publisher.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

// Processor polls the outbox for PENDING entries and pushes them to the
// stream transport. One processor loop linearizes each entry's status
// transitions; batch claiming uses SKIP LOCKED so extra processors stay safe.
type Processor struct {
	repo repo.RepositoryInterface
	pub  Publisher
	cfg  config.OutboxConfig
	log  *zap.SugaredLogger
}

func NewProcessor(r repo.RepositoryInterface, pub Publisher, cfg config.OutboxConfig, logger *zap.SugaredLogger) *Processor {
	return &Processor{repo: r, pub: pub, cfg: cfg, log: logger}
}

// Run polls until the context is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollEvery())
	defer ticker.Stop()

	p.log.Infof("outbox processor started, batch=%d every %s", p.cfg.BatchSize, p.cfg.PollEvery())
	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox processor stopped")
			return
		case <-ticker.C:
			if n, err := p.ProcessBatch(ctx); err != nil {
				p.log.Errorf("claim outbox batch: %v", err)
			} else if n > 0 {
				p.log.Infof("published %d outbox event(s)", n)
			}
		}
	}
}

// ProcessBatch claims one bounded batch and processes each entry in
// isolation: a single failed publish never aborts the rest. PROCESSING rows
// whose claim went stale (crashed processor, failed publish bookkeeping) are
// put back to PENDING first so no committed event is stranded.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	if n, err := p.repo.RequeueStaleOutbox(ctx, p.cfg.StaleAfter()); err != nil {
		p.log.Errorf("requeue stale outbox: %v", err)
	} else if n > 0 {
		p.log.Warnf("requeued %d stale PROCESSING outbox entries", n)
	}

	entries, err := p.repo.ClaimOutboxBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for i := range entries {
		if p.processEntry(ctx, &entries[i]) {
			published++
		}
	}
	return published, nil
}

// processEntry drives PROCESSING -> PUBLISHED, or back to PENDING with the
// retry counter bumped, or FAILED once retry_count reaches MaxRetries. The
// counter increments before the comparison, so an entry gets exactly
// MaxRetries publish attempts in total. Undecodable payloads are poison and
// fail terminally on the spot.
func (p *Processor) processEntry(ctx context.Context, e *model.OutboxEntry) bool {
	env, err := event.Decode([]byte(e.Payload))
	if err != nil {
		p.log.Errorf("outbox %d poison payload: %v", e.ID, err)
		if merr := p.repo.MarkOutboxFailed(ctx, e.ID, e.RetryCount, "poison: "+err.Error()); merr != nil {
			p.log.Errorf("mark outbox %d failed: %v", e.ID, merr)
		}
		return false
	}

	if err := p.pub.Publish(ctx, env); err != nil {
		retries := e.RetryCount + 1
		if retries >= p.cfg.MaxRetries {
			p.log.Errorf("outbox %d exhausted after %d attempts: %v", e.ID, retries, err)
			if merr := p.repo.MarkOutboxFailed(ctx, e.ID, retries, err.Error()); merr != nil {
				p.log.Errorf("mark outbox %d failed: %v", e.ID, merr)
			}
		} else {
			p.log.Warnf("outbox %d publish attempt %d failed: %v", e.ID, retries, err)
			if merr := p.repo.MarkOutboxRetry(ctx, e.ID, retries, err.Error()); merr != nil {
				p.log.Errorf("mark outbox %d retry: %v", e.ID, merr)
			}
		}
		return false
	}

	if err := p.repo.MarkOutboxPublished(ctx, e.ID); err != nil {
		// already published; worst case the row is re-claimed and the event
		// goes out twice, which downstream must tolerate (at-least-once)
		p.log.Errorf("mark outbox %d published: %v", e.ID, err)
		return false
	}
	return true
}
