package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WebhookEventStatus string

const (
	WebhookEventStatusReceived  WebhookEventStatus = "received"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

const (
	PlatformMeta   = "meta"
	PlatformPaymob = "paymob"
	PlatformStripe = "stripe"
)

// WebhookEvent is the ingestion log. (platform, external_id) is unique and rows are never deleted.
type WebhookEvent struct {
	ID           string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Platform     string             `json:"platform" gorm:"not null;uniqueIndex:idx_webhook_events_platform_external,priority:1"`
	ExternalID   string             `json:"external_id" gorm:"not null;uniqueIndex:idx_webhook_events_platform_external,priority:2"`
	Payload      datatypes.JSON     `json:"payload"`
	Status       WebhookEventStatus `json:"status" gorm:"not null;default:'received';index"`
	CompanyID    *string            `json:"company_id" gorm:"index"`
	ErrorMessage string             `json:"error_message"`
	ProcessedAt  *time.Time         `json:"processed_at"`
	CreatedAt    time.Time          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time          `json:"updated_at" gorm:"autoUpdateTime"`
}

func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
