package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TagPaid          = "Paid"
	TagPaymentFailed = "Payment Failed"
)

// Customer is resolved from an inbound sender by (tenant_id, platform, external_id).
// Metadata mirrors the sender id under "psid" or "igsid".
type Customer struct {
	ID         string                      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID   string                      `json:"tenant_id" gorm:"not null;uniqueIndex:idx_customers_sender,priority:1"`
	Platform   string                      `json:"platform" gorm:"uniqueIndex:idx_customers_sender,priority:2"`
	ExternalID *string                     `json:"external_id" gorm:"uniqueIndex:idx_customers_sender,priority:3"`
	Name       string                      `json:"name" gorm:"not null"`
	Phone      string                      `json:"phone" gorm:"index"`
	Email      string                      `json:"email"`
	Tags       datatypes.JSONSlice[string] `json:"tags"`
	Metadata   datatypes.JSONMap           `json:"metadata"`
	Version    int64                       `json:"-" gorm:"not null;default:0"`
	CreatedAt  time.Time                   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time                   `json:"updated_at" gorm:"autoUpdateTime"`
}

func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

func (c *Customer) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
