package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Source string

const (
	SourceWhatsApp  Source = "whatsapp"
	SourceFacebook  Source = "facebook"
	SourceInstagram Source = "instagram"
)

// SenderKey is the customer metadata key holding the platform sender id.
func (s Source) SenderKey() string {
	if s == SourceInstagram {
		return "igsid"
	}
	return "psid"
}

func (s Source) DisplayName() string {
	switch s {
	case SourceInstagram:
		return "Instagram"
	case SourceWhatsApp:
		return "WhatsApp"
	default:
		return "Facebook"
	}
}

type ConversationStatus string

const (
	ConversationStatusOpen   ConversationStatus = "open"
	ConversationStatusClosed ConversationStatus = "closed"
)

// Conversation allows at most one open row per (tenant_id, customer_id, source).
// The partial unique index is created in db.Migrate.
type Conversation struct {
	ID            string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID      string             `json:"tenant_id" gorm:"not null;index"`
	CustomerID    string             `json:"customer_id" gorm:"not null;index"`
	ChannelID     string             `json:"channel_id"`
	Source        Source             `json:"source" gorm:"not null"`
	Status        ConversationStatus `json:"status" gorm:"not null;default:'open'"`
	AssignedTo    *string            `json:"assigned_to"`
	LastMessageAt time.Time          `json:"last_message_at" gorm:"index"`
	UnreadCount   int                `json:"unread_count" gorm:"not null;default:0"`
	CreatedAt     time.Time          `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time          `json:"updated_at" gorm:"autoUpdateTime"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

type SenderType string

const (
	SenderTypeCustomer SenderType = "customer"
	SenderTypeAgent    SenderType = "agent"
	SenderTypeSystem   SenderType = "system"
)

type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// blockedBy lists the statuses a receipt must not overwrite; receipts can arrive out of order.
var blockedBy = map[DeliveryStatus][]DeliveryStatus{
	DeliveryStatusSent:      {DeliveryStatusDelivered, DeliveryStatusRead},
	DeliveryStatusDelivered: {DeliveryStatusRead},
	DeliveryStatusFailed:    {DeliveryStatusDelivered, DeliveryStatusRead},
}

func (s DeliveryStatus) BlockedBy() []DeliveryStatus {
	return blockedBy[s]
}

type Message struct {
	ID                string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ConversationID    string            `json:"conversation_id" gorm:"not null;index"`
	TenantID          string            `json:"tenant_id" gorm:"not null;index"`
	SenderID          *string           `json:"sender_id"`
	SenderType        SenderType        `json:"sender_type" gorm:"not null"`
	Content           string            `json:"content"`
	ExternalMessageID *string           `json:"external_message_id" gorm:"index"`
	DeliveryStatus    DeliveryStatus    `json:"delivery_status"`
	DeliveredAt       *time.Time        `json:"delivered_at"`
	ReadAt            *time.Time        `json:"read_at"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at" gorm:"autoCreateTime"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	ensureID(&m.ID)
	return nil
}

type SendMessageRequest struct {
	Content  string                 `json:"content" validate:"required,max=2000"`
	Metadata map[string]interface{} `json:"metadata"`
}
