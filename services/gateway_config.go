package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/providers"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/utils"
	"gorm.io/gorm"
)

// GatewayConfigSource is satisfied by stores.GatewayConfigStore and cache.TenantConfigCache.
type GatewayConfigSource interface {
	GetByTenant(ctx context.Context, tenantID string) (*models.GatewayConfig, error)
	Upsert(ctx context.Context, cfg *models.GatewayConfig) error
}

// GatewaySettings are a tenant's decrypted Paymob settings.
type GatewaySettings struct {
	Credentials providers.PaymobCredentials
	HMACSecret  string
}

type GatewayConfigResolver struct {
	source     GatewayConfigSource
	encryption *security.EncryptionManager
}

func CreateGatewayConfigResolver(source GatewayConfigSource, encryption *security.EncryptionManager) *GatewayConfigResolver {
	return &GatewayConfigResolver{source: source, encryption: encryption}
}

// Resolve returns utils.ErrConfigMissing when the tenant has no usable config.
func (r *GatewayConfigResolver) Resolve(ctx context.Context, tenantID string) (*GatewaySettings, error) {
	cfg, err := r.source.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrConfigMissing
		}
		return nil, utils.WrapError(err, "failed to load gateway config")
	}

	apiKey, err := r.encryption.Decrypt(cfg.APIKeyEncrypted)
	if err != nil {
		return nil, utils.WrapAPIError(err, utils.ErrConfigMissing)
	}
	hmacSecret, err := r.encryption.Decrypt(cfg.HMACSecretEncrypted)
	if err != nil {
		return nil, utils.WrapAPIError(err, utils.ErrConfigMissing)
	}
	if apiKey == "" {
		return nil, utils.ErrConfigMissing
	}

	return &GatewaySettings{
		Credentials: providers.PaymobCredentials{
			APIKey:              apiKey,
			IntegrationIDCard:   cfg.IntegrationIDCard,
			IntegrationIDFawry:  cfg.IntegrationIDFawry,
			IntegrationIDWallet: cfg.IntegrationIDWallet,
			IframeID:            cfg.IframeID,
		},
		HMACSecret: hmacSecret,
	}, nil
}

// Save encrypts settings and replaces the tenant's stored config.
func (r *GatewayConfigResolver) Save(ctx context.Context, tenantID string, settings GatewaySettings) error {
	if tenantID == "" || settings.Credentials.APIKey == "" || settings.HMACSecret == "" {
		return utils.NewAPIError(http.StatusBadRequest, "tenant, API key and HMAC secret are required")
	}

	apiKey, err := r.encryption.Encrypt(settings.Credentials.APIKey)
	if err != nil {
		return utils.WrapError(err, "failed to encrypt API key")
	}
	hmacSecret, err := r.encryption.Encrypt(settings.HMACSecret)
	if err != nil {
		return utils.WrapError(err, "failed to encrypt HMAC secret")
	}

	cfg := &models.GatewayConfig{
		TenantID:            tenantID,
		APIKeyEncrypted:     apiKey,
		IntegrationIDCard:   settings.Credentials.IntegrationIDCard,
		IntegrationIDFawry:  settings.Credentials.IntegrationIDFawry,
		IntegrationIDWallet: settings.Credentials.IntegrationIDWallet,
		IframeID:            settings.Credentials.IframeID,
		HMACSecretEncrypted: hmacSecret,
	}
	if err := r.source.Upsert(ctx, cfg); err != nil {
		return utils.WrapError(err, "failed to store gateway config")
	}

	utils.Info(ctx, "Gateway config saved", map[string]interface{}{"tenant_id": tenantID})
	return nil
}
