package model

import "time"

// Outbox entry lifecycle. PENDING rows belong to their writer only until the
// enclosing transaction commits; afterwards the processor is the sole mutator.
const (
	OutboxPending    = "PENDING"
	OutboxProcessing = "PROCESSING"
	OutboxPublished  = "PUBLISHED"
	OutboxFailed     = "FAILED"
)

type OutboxEntry struct {
	ID            uint64    `gorm:"primaryKey"`
	TenantID      int64     `gorm:"not null;index"`
	EventType     string    `gorm:"size:64;not null"`
	AggregateType string    `gorm:"size:64;not null"`
	AggregateID   int64     `gorm:"not null"`
	Payload       string    `gorm:"type:jsonb;not null"`
	Status        string    `gorm:"size:16;not null;default:'PENDING';index"`
	RetryCount    int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"size:1024"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
	ProcessedAt   *time.Time
}

func (OutboxEntry) TableName() string { return "event_outbox" }
