package stores

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type AutomationRuleStore struct {
	BaseStore
}

func CreateAutomationRuleStore(db *gorm.DB) *AutomationRuleStore {
	return &AutomationRuleStore{BaseStore: BaseStore{db: db}}
}

func (s *AutomationRuleStore) Create(ctx context.Context, rule *models.AutomationRule) error {
	return s.GetDB(ctx).Create(rule).Error
}

// ListActive returns the tenant's active rules in evaluation order.
func (s *AutomationRuleStore) ListActive(ctx context.Context, tenantID string) ([]*models.AutomationRule, error) {
	var rules []*models.AutomationRule
	err := s.GetDB(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("priority DESC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *AutomationRuleStore) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	return s.GetDB(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("is_active", active).Error
}
