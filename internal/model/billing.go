package model

import "time"

const (
	CheckOpen   = "OPEN"
	CheckClosed = "CLOSED"

	PaymentPending  = "PENDING"
	PaymentApproved = "APPROVED"
	PaymentRejected = "REJECTED"
)

type Check struct {
	ID        uint64    `gorm:"primaryKey"`
	TenantID  int64     `gorm:"not null;index"`
	BranchID  int64     `gorm:"not null"`
	TableID   int64     `gorm:"not null"`
	SessionID *int64
	Status    string    `gorm:"size:16;not null;default:'OPEN'"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Check) TableName() string { return "check_account" }

// Charge is created once per round item when a check is requested. Amount is
// immutable afterwards; payment progress lives in allocations.
type Charge struct {
	ID          uint64    `gorm:"primaryKey"`
	CheckID     uint64    `gorm:"not null;index"`
	DinerID     *int64    `gorm:"index"` // nil means shared
	RoundItemID int64     `gorm:"not null"`
	AmountCents int64     `gorm:"not null"`
	Description string    `gorm:"size:255"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Charge) TableName() string { return "charge" }

type Allocation struct {
	ID          uint64    `gorm:"primaryKey"`
	PaymentID   uint64    `gorm:"not null;index"`
	ChargeID    uint64    `gorm:"not null;index"`
	AmountCents int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Allocation) TableName() string { return "allocation" }

type Payment struct {
	ID          uint64    `gorm:"primaryKey"`
	CheckID     uint64    `gorm:"not null;index"`
	Provider    string    `gorm:"size:32;not null"`
	AmountCents int64     `gorm:"not null"`
	Status      string    `gorm:"size:16;not null;default:'PENDING'"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

func (Payment) TableName() string { return "payment" }
