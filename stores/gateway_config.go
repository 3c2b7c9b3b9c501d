package stores

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GatewayConfigStore struct {
	BaseStore
}

func CreateGatewayConfigStore(db *gorm.DB) *GatewayConfigStore {
	return &GatewayConfigStore{BaseStore: BaseStore{db: db}}
}

func (s *GatewayConfigStore) GetByTenant(ctx context.Context, tenantID string) (*models.GatewayConfig, error) {
	var cfg models.GatewayConfig
	if err := s.GetDB(ctx).First(&cfg, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Upsert replaces the tenant's credentials. Secrets must already be encrypted.
func (s *GatewayConfigStore) Upsert(ctx context.Context, cfg *models.GatewayConfig) error {
	return s.GetDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"api_key_encrypted", "integration_id_card", "integration_id_fawry",
			"integration_id_wallet", "iframe_id", "hmac_secret_encrypted", "updated_at",
		}),
	}).Create(cfg).Error
}
