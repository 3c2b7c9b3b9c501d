package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/utils"
)

const gatewayConfigKeyPrefix = "inboxflow:gateway_config:"

type GatewayConfigSource interface {
	GetByTenant(ctx context.Context, tenantID string) (*models.GatewayConfig, error)
	Upsert(ctx context.Context, cfg *models.GatewayConfig) error
}

// TenantConfigCache reads gateway configs through Redis. Redis errors are
// logged and the store is used instead; a nil cache always reads the store.
type TenantConfigCache struct {
	redis  *RedisCache
	source GatewayConfigSource
}

func CreateTenantConfigCache(redis *RedisCache, source GatewayConfigSource) *TenantConfigCache {
	return &TenantConfigCache{redis: redis, source: source}
}

func (c *TenantConfigCache) GetByTenant(ctx context.Context, tenantID string) (*models.GatewayConfig, error) {
	key := gatewayConfigKeyPrefix + tenantID

	if c.redis != nil {
		data, found, err := c.redis.Get(ctx, key)
		switch {
		case err != nil:
			utils.Warn(ctx, "Gateway config cache read failed", map[string]interface{}{"error": err})
		case found:
			var cached cachedConfig
			if err := json.Unmarshal(data, &cached); err == nil && cached.APIKeyEncrypted != "" {
				return cached.model(), nil
			}
		}
	}

	cfg, err := c.source.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if data, err := json.Marshal(toCached(cfg)); err == nil {
			if err := c.redis.Set(ctx, key, data); err != nil {
				utils.Warn(ctx, "Gateway config cache write failed", map[string]interface{}{"error": err})
			}
		}
	}
	return cfg, nil
}

// Upsert writes cfg to the store and drops the cached copy, so a rotated
// secret is used by the next read instead of after the TTL.
func (c *TenantConfigCache) Upsert(ctx context.Context, cfg *models.GatewayConfig) error {
	if err := c.source.Upsert(ctx, cfg); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, cfg.TenantID); err != nil {
		utils.Warn(ctx, "Gateway config cache invalidation failed", map[string]interface{}{
			"error":     err,
			"tenant_id": cfg.TenantID,
		})
	}
	return nil
}

func (c *TenantConfigCache) Invalidate(ctx context.Context, tenantID string) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Delete(ctx, gatewayConfigKeyPrefix+tenantID)
}

// cachedConfig carries the encrypted secrets that GatewayConfig hides from API JSON.
type cachedConfig struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	APIKeyEncrypted     string    `json:"api_key_encrypted"`
	IntegrationIDCard   string    `json:"integration_id_card"`
	IntegrationIDFawry  string    `json:"integration_id_fawry"`
	IntegrationIDWallet string    `json:"integration_id_wallet"`
	IframeID            string    `json:"iframe_id"`
	HMACSecretEncrypted string    `json:"hmac_secret_encrypted"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toCached(cfg *models.GatewayConfig) cachedConfig {
	return cachedConfig{
		ID:                  cfg.ID,
		TenantID:            cfg.TenantID,
		APIKeyEncrypted:     cfg.APIKeyEncrypted,
		IntegrationIDCard:   cfg.IntegrationIDCard,
		IntegrationIDFawry:  cfg.IntegrationIDFawry,
		IntegrationIDWallet: cfg.IntegrationIDWallet,
		IframeID:            cfg.IframeID,
		HMACSecretEncrypted: cfg.HMACSecretEncrypted,
		UpdatedAt:           cfg.UpdatedAt,
	}
}

func (c cachedConfig) model() *models.GatewayConfig {
	return &models.GatewayConfig{
		ID:                  c.ID,
		TenantID:            c.TenantID,
		APIKeyEncrypted:     c.APIKeyEncrypted,
		IntegrationIDCard:   c.IntegrationIDCard,
		IntegrationIDFawry:  c.IntegrationIDFawry,
		IntegrationIDWallet: c.IntegrationIDWallet,
		IframeID:            c.IframeID,
		HMACSecretEncrypted: c.HMACSecretEncrypted,
		UpdatedAt:           c.UpdatedAt,
	}
}
