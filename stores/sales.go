package stores

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type SalesStore struct {
	BaseStore
}

func CreateSalesStore(db *gorm.DB) *SalesStore {
	return &SalesStore{BaseStore: BaseStore{db: db}}
}

func (s *SalesStore) Create(ctx context.Context, rec *models.SalesRecord) error {
	return s.GetDB(ctx).Create(rec).Error
}

func (s *SalesStore) GetByID(ctx context.Context, tenantID, id string) (*models.SalesRecord, error) {
	var rec models.SalesRecord
	if err := s.GetDB(ctx).First(&rec, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkCompleted is a no-op for unknown ids; the order reference is caller supplied.
func (s *SalesStore) MarkCompleted(ctx context.Context, tenantID, id string) error {
	return s.GetDB(ctx).Model(&models.SalesRecord{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("status", models.SalesStatusCompleted).Error
}
