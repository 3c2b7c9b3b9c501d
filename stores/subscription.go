package stores

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SubscriptionStore struct {
	BaseStore
}

func CreateSubscriptionStore(db *gorm.DB) *SubscriptionStore {
	return &SubscriptionStore{BaseStore: BaseStore{db: db}}
}

func (s *SubscriptionStore) GetByTenant(ctx context.Context, tenantID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.primary(ctx).First(&sub, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// Activate creates or renews the tenant's subscription for [start, end).
func (s *SubscriptionStore) Activate(ctx context.Context, tenantID, planID string, stripeSubscriptionID *string, start, end time.Time) error {
	sub := &models.Subscription{
		TenantID:             tenantID,
		PlanID:               planID,
		Status:               models.SubscriptionStatusActive,
		StripeSubscriptionID: stripeSubscriptionID,
		StartsAt:             &start,
		EndsAt:               &end,
	}
	return s.GetDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id", "status", "stripe_subscription_id", "starts_at", "ends_at", "updated_at",
		}),
	}).Create(sub).Error
}

// Cancel returns false when no subscription carries the Stripe id.
func (s *SubscriptionStore) Cancel(ctx context.Context, stripeSubscriptionID string) (bool, error) {
	result := s.GetDB(ctx).Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Update("status", models.SubscriptionStatusCancelled)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
