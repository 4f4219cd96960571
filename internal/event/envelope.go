package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types emitted by the billing core. The Entity payload contract per type:
//
//	TypeCheckRequested:  {check_id, table_id, total_cents, charge_count}
//	TypePaymentRecorded: {payment_id, check_id, provider, amount_cents, allocated_cents}
//	TypePaymentApproved: {payment_id, check_id, provider}
//	TypePaymentRejected: {payment_id, check_id, provider, reason}
//	TypeRoundSubmitted:  {round_id, table_id, item_count}
const (
	TypeCheckRequested  = "CHECK_REQUESTED"
	TypePaymentRecorded = "PAYMENT_RECORDED"
	TypePaymentApproved = "PAYMENT_APPROVED"
	TypePaymentRejected = "PAYMENT_REJECTED"
	TypeRoundSubmitted  = "ROUND_SUBMITTED"
)

var (
	ErrEmptyType       = errors.New("event type must not be empty")
	ErrInvalidTenant   = errors.New("tenant_id must be positive")
	ErrInvalidBranch   = errors.New("branch_id must not be negative")
	ErrInvalidOptional = errors.New("optional scope id must be positive when set")
)

// Actor describes who triggered the event.
type Actor struct {
	UserID *int64 `json:"user_id"`
	Role   string `json:"role"`
}

// Envelope is the immutable, versioned event record carried through the
// outbox, the stream transport and the integration feed. BranchID 0 is
// reserved for tenant-wide events.
type Envelope struct {
	Type          string         `json:"type"`
	TenantID      int64          `json:"tenant_id"`
	BranchID      int64          `json:"branch_id"`
	TableID       *int64         `json:"table_id,omitempty"`
	SessionID     *int64         `json:"session_id,omitempty"`
	SectorID      *int64         `json:"sector_id,omitempty"`
	Entity        map[string]any `json:"entity"`
	Actor         Actor          `json:"actor"`
	Timestamp     string         `json:"timestamp"`
	SchemaVersion int            `json:"schema_version"`
}

// Scope holds the optional location identifiers of an envelope.
type Scope struct {
	TableID   *int64
	SessionID *int64
	SectorID  *int64
}

// New builds a validated envelope. Timestamp defaults to now (UTC, RFC3339)
// and SchemaVersion to 1. Invalid fields fail construction, never coerce.
func New(eventType string, tenantID, branchID int64, scope Scope, entity map[string]any, actor Actor) (*Envelope, error) {
	if eventType == "" {
		return nil, ErrEmptyType
	}
	if tenantID <= 0 {
		return nil, ErrInvalidTenant
	}
	if branchID < 0 {
		return nil, ErrInvalidBranch
	}
	for _, id := range []*int64{scope.TableID, scope.SessionID, scope.SectorID} {
		if id != nil && *id <= 0 {
			return nil, ErrInvalidOptional
		}
	}
	if entity == nil {
		entity = map[string]any{}
	}
	return &Envelope{
		Type:          eventType,
		TenantID:      tenantID,
		BranchID:      branchID,
		TableID:       scope.TableID,
		SessionID:     scope.SessionID,
		SectorID:      scope.SectorID,
		Entity:        entity,
		Actor:         actor,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SchemaVersion: 1,
	}, nil
}

// Encode serializes the envelope for the outbox payload column and the
// stream "data" field.
func (e *Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses and re-validates a serialized envelope. A payload that parses
// but violates an invariant is poison, same as invalid JSON.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	if e.Type == "" {
		return ErrEmptyType
	}
	if e.TenantID <= 0 {
		return ErrInvalidTenant
	}
	if e.BranchID < 0 {
		return ErrInvalidBranch
	}
	for _, id := range []*int64{e.TableID, e.SessionID, e.SectorID} {
		if id != nil && *id <= 0 {
			return ErrInvalidOptional
		}
	}
	return nil
}
