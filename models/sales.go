package models

import (
	"time"

	"gorm.io/gorm"
)

type SalesStatus string

const (
	SalesStatusPending   SalesStatus = "pending"
	SalesStatusCompleted SalesStatus = "completed"
	SalesStatusCancelled SalesStatus = "cancelled"
)

type SalesRecord struct {
	ID         string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID   string      `json:"tenant_id" gorm:"not null;index"`
	CustomerID *string     `json:"customer_id" gorm:"index"`
	Amount     float64     `json:"amount"`
	Status     SalesStatus `json:"status" gorm:"not null;default:'pending'"`
	CreatedAt  time.Time   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

func (s *SalesRecord) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}

type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is the tenant's plan with this platform, billed through Stripe.
type Subscription struct {
	ID                   string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID             string             `json:"tenant_id" gorm:"not null;uniqueIndex"`
	PlanID               string             `json:"plan_id"`
	Status               SubscriptionStatus `json:"status" gorm:"not null;default:'trial'"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id" gorm:"index"`
	StartsAt             *time.Time         `json:"starts_at"`
	EndsAt               *time.Time         `json:"ends_at"`
	CreatedAt            time.Time          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt            time.Time          `json:"updated_at" gorm:"autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
