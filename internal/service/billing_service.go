package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesaops/mesa-events/internal/event"
	"github.com/mesaops/mesa-events/internal/model"
	"github.com/mesaops/mesa-events/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidAmount means non-positive amount passed.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrExceedsOutstanding rejects overpayment before any row is written.
	ErrExceedsOutstanding = errors.New("payment exceeds outstanding balance")
)

// RoundItem is one ordered item turning into a charge when the check is requested.
type RoundItem struct {
	RoundItemID int64
	DinerID     *int64
	AmountCents int64
	Description string
}

// PaymentResult reports what RecordPayment wrote.
type PaymentResult struct {
	Payment          *model.Payment
	Allocations      []*model.Allocation
	OutstandingCents int64
}

// BillingService glues the allocation engine, the billing tables and the
// outbox writer. Every mutation and its outbox event share one transaction.
type BillingService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func NewBillingService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *BillingService {
	return &BillingService{repo: r, log: logger}
}

// Repo exposes the repository for wiring and tests.
func (s *BillingService) Repo() repo.RepositoryInterface { return s.repo }

// GenerateCharges creates one immutable charge per round item, applying the
// service-charge percentage, and emits CHECK_REQUESTED in the same transaction.
func (s *BillingService) GenerateCharges(ctx context.Context, checkID uint64, items []RoundItem, serviceChargePct decimal.Decimal, actor event.Actor) (int64, error) {
	if len(items) == 0 {
		return 0, errors.New("no round items")
	}
	factor := decimal.NewFromInt(1).Add(serviceChargePct.Div(decimal.NewFromInt(100)))

	var total int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		check, err := s.repo.GetCheckForUpdate(ctx, tx, checkID)
		if err != nil {
			return err
		}

		charges := make([]*model.Charge, 0, len(items))
		for _, it := range items {
			if it.AmountCents <= 0 {
				return ErrInvalidAmount
			}
			cents := decimal.NewFromInt(it.AmountCents).Mul(factor).Round(0).IntPart()
			charges = append(charges, &model.Charge{
				CheckID:     checkID,
				DinerID:     it.DinerID,
				RoundItemID: it.RoundItemID,
				AmountCents: cents,
				Description: it.Description,
			})
			total += cents
		}
		if err := s.repo.CreateCharges(ctx, tx, charges); err != nil {
			return err
		}

		env, err := event.New(event.TypeCheckRequested, check.TenantID, check.BranchID,
			event.Scope{TableID: &check.TableID, SessionID: check.SessionID},
			map[string]any{
				"check_id":     checkID,
				"table_id":     check.TableID,
				"total_cents":  total,
				"charge_count": len(charges),
			}, actor)
		if err != nil {
			return err
		}
		if err := s.writeOutbox(ctx, tx, env, "check", int64(checkID)); err != nil {
			return err
		}

		if err := s.repo.CacheOutstanding(ctx, checkID, total); err != nil {
			s.log.Warn(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// RecordPayment allocates a payment over the check's outstanding charges,
// FIFO with diner priority, all under the exclusive check lock: payment row,
// allocation rows and the PAYMENT_RECORDED outbox event commit or roll back
// together.
func (s *BillingService) RecordPayment(ctx context.Context, checkID uint64, amountCents int64, provider string, dinerID *int64, actor event.Actor) (*PaymentResult, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	var result PaymentResult
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		check, err := s.repo.GetCheckForUpdate(ctx, tx, checkID)
		if err != nil {
			return err
		}

		charges, err := s.repo.ListCharges(ctx, tx, checkID)
		if err != nil {
			return err
		}
		ids := make([]uint64, len(charges))
		for i, c := range charges {
			ids[i] = c.ID
		}
		allocated, err := s.repo.AllocatedByCharge(ctx, tx, ids)
		if err != nil {
			return err
		}

		balances := make([]ChargeBalance, 0, len(charges))
		var outstanding int64
		for _, c := range charges {
			unpaid := c.AmountCents - allocated[c.ID]
			balances = append(balances, ChargeBalance{ChargeID: c.ID, DinerID: c.DinerID, UnpaidCents: unpaid})
			if unpaid > 0 {
				outstanding += unpaid
			}
		}
		if amountCents > outstanding {
			return ErrExceedsOutstanding
		}

		status := model.PaymentPending
		if provider == "cash" {
			status = model.PaymentApproved
		}
		payment := &model.Payment{CheckID: checkID, Provider: provider, AmountCents: amountCents, Status: status}
		if err := s.repo.CreatePayment(ctx, tx, payment); err != nil {
			return err
		}

		plans := PlanAllocations(amountCents, balances, dinerID)
		allocs := make([]*model.Allocation, len(plans))
		var allocatedCents int64
		for i, pl := range plans {
			allocs[i] = &model.Allocation{PaymentID: payment.ID, ChargeID: pl.ChargeID, AmountCents: pl.AmountCents}
			allocatedCents += pl.AmountCents
		}
		if err := s.repo.CreateAllocations(ctx, tx, allocs); err != nil {
			return err
		}

		env, err := event.New(event.TypePaymentRecorded, check.TenantID, check.BranchID,
			event.Scope{TableID: &check.TableID, SessionID: check.SessionID},
			map[string]any{
				"payment_id":      payment.ID,
				"check_id":        checkID,
				"provider":        provider,
				"amount_cents":    amountCents,
				"allocated_cents": allocatedCents,
			}, actor)
		if err != nil {
			return err
		}
		if err := s.writeOutbox(ctx, tx, env, "payment", int64(payment.ID)); err != nil {
			return err
		}

		if err := s.repo.CacheOutstanding(ctx, checkID, outstanding-allocatedCents); err != nil {
			s.log.Warn(err)
		}

		result = PaymentResult{Payment: payment, Allocations: allocs, OutstandingCents: outstanding - allocatedCents}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ResolvePayment applies an externally-driven status transition
// (PENDING -> APPROVED/REJECTED) and emits the matching event atomically.
func (s *BillingService) ResolvePayment(ctx context.Context, paymentID uint64, approved bool, reason string, actor event.Actor) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	check, err := s.repo.GetCheck(ctx, payment.CheckID)
	if err != nil {
		return err
	}

	to := model.PaymentApproved
	eventType := event.TypePaymentApproved
	entity := map[string]any{
		"payment_id": paymentID,
		"check_id":   payment.CheckID,
		"provider":   payment.Provider,
	}
	if !approved {
		to = model.PaymentRejected
		eventType = event.TypePaymentRejected
		entity["reason"] = reason
	}

	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdatePaymentStatus(ctx, tx, paymentID, model.PaymentPending, to); err != nil {
			return err
		}
		env, err := event.New(eventType, check.TenantID, check.BranchID,
			event.Scope{TableID: &check.TableID, SessionID: check.SessionID}, entity, actor)
		if err != nil {
			return err
		}
		return s.writeOutbox(ctx, tx, env, "payment", int64(paymentID))
	})
}

// GetOutstanding returns the check's unpaid total, cache first.
func (s *BillingService) GetOutstanding(ctx context.Context, checkID uint64) (int64, error) {
	if cents, err := s.repo.GetCachedOutstanding(ctx, checkID); err == nil {
		return cents, nil
	}
	var outstanding int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		charges, err := s.repo.ListCharges(ctx, tx, checkID)
		if err != nil {
			return err
		}
		ids := make([]uint64, len(charges))
		for i, c := range charges {
			ids[i] = c.ID
		}
		allocated, err := s.repo.AllocatedByCharge(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, c := range charges {
			if unpaid := c.AmountCents - allocated[c.ID]; unpaid > 0 {
				outstanding += unpaid
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.repo.CacheOutstanding(ctx, checkID, outstanding); err != nil {
		s.log.Warn(err)
	}
	return outstanding, nil
}

// writeOutbox serializes the envelope into the pending write set. Never
// publishes; the processor owns the row after commit.
func (s *BillingService) writeOutbox(ctx context.Context, tx *gorm.DB, env *event.Envelope, aggregateType string, aggregateID int64) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEntry(ctx, tx, &model.OutboxEntry{
		TenantID:      env.TenantID,
		EventType:     env.Type,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       payload,
		Status:        model.OutboxPending,
	})
}

// WebhookRetryKind keys provider callback redeliveries in the retry queue.
const WebhookRetryKind = "payment_webhook"

// webhookDelivery is the retry-queue payload for provider callbacks.
type webhookDelivery struct {
	Provider string          `json:"provider"`
	Body     json.RawMessage `json:"body"`
}

type webhookBody struct {
	PaymentID uint64 `json:"payment_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

// ProcessPaymentWebhook parses and applies one provider callback. Shared by
// the HTTP handler and the retry-queue handler.
func (s *BillingService) ProcessPaymentWebhook(ctx context.Context, provider string, body []byte) error {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return fmt.Errorf("parse webhook body: %w", err)
	}
	if wb.PaymentID == 0 {
		return errors.New("webhook missing payment_id")
	}
	switch wb.Status {
	case "approved":
		return s.ResolvePayment(ctx, wb.PaymentID, true, "", event.Actor{Role: "provider:" + provider})
	case "rejected":
		return s.ResolvePayment(ctx, wb.PaymentID, false, wb.Reason, event.Actor{Role: "provider:" + provider})
	default:
		return fmt.Errorf("unknown webhook status %q", wb.Status)
	}
}

// EncodeWebhookDelivery packs a raw callback for the retry queue.
func EncodeWebhookDelivery(provider string, body []byte) ([]byte, error) {
	return json.Marshal(webhookDelivery{Provider: provider, Body: body})
}

// WebhookRetryHandler returns the retry-queue handler that replays stored
// provider callbacks.
func (s *BillingService) WebhookRetryHandler() func(ctx context.Context, payload []byte) error {
	return func(ctx context.Context, payload []byte) error {
		var d webhookDelivery
		if err := json.Unmarshal(payload, &d); err != nil {
			return err
		}
		return s.ProcessPaymentWebhook(ctx, d.Provider, d.Body)
	}
}
