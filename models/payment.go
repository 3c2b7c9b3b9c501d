package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSuccess    PaymentStatus = "success"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// IsTerminal reports whether later callbacks may no longer change the status.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

var TerminalPaymentStatuses = []PaymentStatus{PaymentStatusSuccess, PaymentStatusFailed}

type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodFawry        PaymentMethod = "fawry"
	PaymentMethodVodafoneCash PaymentMethod = "vodafone_cash"
	PaymentMethodOrangeMoney  PaymentMethod = "orange_money"
	PaymentMethodEtisalatCash PaymentMethod = "etisalat_cash"
)

func (m PaymentMethod) IsWallet() bool {
	switch m {
	case PaymentMethodVodafoneCash, PaymentMethodOrangeMoney, PaymentMethodEtisalatCash:
		return true
	}
	return false
}

// PaymentTransaction is one payment attempt, keyed for reconciliation by
// MerchantOrderID ("{tenant_id}-{order_id}-{attempt}").
type PaymentTransaction struct {
	ID                   string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID             string            `json:"tenant_id" gorm:"not null;index"`
	CustomerID           *string           `json:"customer_id" gorm:"index"`
	OrderID              *string           `json:"order_id" gorm:"index"`
	MerchantOrderID      string            `json:"merchant_order_id" gorm:"not null;uniqueIndex"`
	GatewayOrderID       string            `json:"gateway_order_id" gorm:"index"`
	GatewayTransactionID *string           `json:"gateway_transaction_id" gorm:"index"`
	PaymentMethod        PaymentMethod     `json:"payment_method" gorm:"not null"`
	Amount               float64           `json:"amount" gorm:"not null"`
	Currency             string            `json:"currency" gorm:"not null;default:'EGP'"`
	Status               PaymentStatus     `json:"status" gorm:"not null;default:'pending';index"`
	FailureReason        *string           `json:"failure_reason"`
	PaymentURL           string            `json:"payment_url"`
	ReferenceCode        string            `json:"reference_code"`
	ExpiresAt            *time.Time        `json:"expires_at"`
	PaidAt               *time.Time        `json:"paid_at"`
	Metadata             datatypes.JSONMap `json:"metadata"`
	CreatedAt            time.Time         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt            time.Time         `json:"updated_at" gorm:"autoUpdateTime"`
}

func (t *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	ensureID(&t.ID)
	return nil
}

// StatusUpdate is what a gateway callback writes onto a transaction.
type StatusUpdate struct {
	Status               PaymentStatus
	GatewayTransactionID string
	FailureReason        *string
	PaidAt               *time.Time
	Metadata             datatypes.JSONMap
}

type InitiatePaymentRequest struct {
	OrderID       string        `json:"order_id" validate:"required"`
	CustomerID    string        `json:"customer_id"`
	Amount        float64       `json:"amount" validate:"required,gt=0"`
	CustomerName  string        `json:"customer_name" validate:"required"`
	CustomerPhone string        `json:"customer_phone" validate:"required"`
	CustomerEmail string        `json:"customer_email" validate:"omitempty,email"`
	PaymentMethod PaymentMethod `json:"payment_method" validate:"required,oneof=card fawry vodafone_cash orange_money etisalat_cash"`
}

type InitiatePaymentResponse struct {
	Success       bool       `json:"success"`
	TransactionID string     `json:"transaction_id,omitempty"`
	PaymentURL    string     `json:"payment_url,omitempty"`
	ReferenceCode string     `json:"reference_code,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}
