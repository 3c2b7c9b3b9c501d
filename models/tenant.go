package models

import (
	"time"

	"gorm.io/gorm"
)

// GatewayConfig holds a tenant's payment gateway credentials. Secrets are stored encrypted.
type GatewayConfig struct {
	ID                  string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID            string    `json:"tenant_id" gorm:"not null;uniqueIndex"`
	APIKeyEncrypted     string    `json:"-" gorm:"not null"`
	IntegrationIDCard   string    `json:"integration_id_card"`
	IntegrationIDFawry  string    `json:"integration_id_fawry"`
	IntegrationIDWallet string    `json:"integration_id_wallet"`
	IframeID            string    `json:"iframe_id"`
	HMACSecretEncrypted string    `json:"-" gorm:"not null"`
	CreatedAt           time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt           time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (g *GatewayConfig) BeforeCreate(tx *gorm.DB) error {
	ensureID(&g.ID)
	return nil
}

type ChannelStatus string

const (
	ChannelStatusConnected    ChannelStatus = "connected"
	ChannelStatusDisconnected ChannelStatus = "disconnected"
)

// Channel is a tenant's connected messaging account. PlatformID is the page id,
// Instagram business account id or WhatsApp phone number id.
type Channel struct {
	ID         string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID   string        `json:"tenant_id" gorm:"not null;index"`
	Platform   Source        `json:"platform" gorm:"not null;uniqueIndex:idx_channels_platform_id,priority:1"`
	PlatformID string        `json:"platform_id" gorm:"not null;uniqueIndex:idx_channels_platform_id,priority:2"`
	Name       string        `json:"name"`
	Token      string        `json:"-"`
	Status     ChannelStatus `json:"status" gorm:"not null;default:'connected'"`
	CreatedAt  time.Time     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time     `json:"updated_at" gorm:"autoUpdateTime"`
}

func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	ensureID(&c.ID)
	return nil
}

func (c *Channel) CanSend() bool {
	return c != nil && c.Status == ChannelStatusConnected && c.Token != "" && c.PlatformID != ""
}
