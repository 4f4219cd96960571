package model

import "time"

// WebhookRetry is one scheduled redelivery of an externally-triggered
// callback. CreatedAt is preserved across re-enqueues so the total age of a
// delivery stays visible.
type WebhookRetry struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Kind        string    `gorm:"size:64;not null;index"`
	Payload     string    `gorm:"type:jsonb;not null"`
	LastError   string    `gorm:"size:1024"`
	Attempt     int       `gorm:"not null;default:0"`
	NextRetryAt time.Time `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (WebhookRetry) TableName() string { return "webhook_retry" }
