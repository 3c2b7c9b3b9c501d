package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

var ErrTagConflict = errors.New("customer tags changed concurrently")

const maxTagAttempts = 10

type CustomerStore struct {
	BaseStore
}

func CreateCustomerStore(db *gorm.DB) *CustomerStore {
	return &CustomerStore{BaseStore: BaseStore{db: db}}
}

func (s *CustomerStore) Create(ctx context.Context, customer *models.Customer) error {
	return s.GetDB(ctx).Create(customer).Error
}

func (s *CustomerStore) GetByID(ctx context.Context, id string) (*models.Customer, error) {
	var customer models.Customer
	if err := s.primary(ctx).First(&customer, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func (s *CustomerStore) FindByExternalID(ctx context.Context, tenantID, platform, externalID string) (*models.Customer, error) {
	var customer models.Customer
	err := s.primary(ctx).
		Where("tenant_id = ? AND platform = ? AND external_id = ?", tenantID, platform, externalID).
		First(&customer).Error
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// FindOrCreateBySender resolves the customer for an inbound sender. When two
// deliveries race, the loser re-reads the winner's row.
func (s *CustomerStore) FindOrCreateBySender(ctx context.Context, tenantID string, source models.Source, senderID string) (*models.Customer, bool, error) {
	platform := string(source)
	existing, err := s.FindByExternalID(ctx, tenantID, platform, senderID)
	if err == nil {
		return existing, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}

	sender := senderID
	customer := &models.Customer{
		TenantID:   tenantID,
		Platform:   platform,
		ExternalID: &sender,
		Name:       displayName(source, senderID),
		Metadata:   map[string]interface{}{source.SenderKey(): senderID, "platform": platform},
	}
	if source == models.SourceWhatsApp {
		customer.Phone = senderID
	}

	err = s.GetDB(ctx).Create(customer).Error
	if err == nil {
		return customer, true, nil
	}
	if !IsDuplicate(err) {
		return nil, false, err
	}

	existing, err = s.FindByExternalID(ctx, tenantID, platform, senderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// AddTag appends tag once. Concurrent writers are serialized on the version column.
func (s *CustomerStore) AddTag(ctx context.Context, customerID, tag string) error {
	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		customer, err := s.GetByID(ctx, customerID)
		if err != nil {
			return err
		}
		if customer.HasTag(tag) {
			return nil
		}

		tags := append(customer.Tags, tag)
		result := s.GetDB(ctx).Model(&models.Customer{}).
			Where("id = ? AND version = ?", customerID, customer.Version).
			Updates(map[string]interface{}{
				"tags":    tags,
				"version": customer.Version + 1,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			return nil
		}
	}
	return ErrTagConflict
}

func (s *CustomerStore) List(ctx context.Context, tenantID string, limit, offset int) ([]*models.Customer, error) {
	var customers []*models.Customer
	query := s.GetDB(ctx).Where("tenant_id = ?", tenantID)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Order("created_at DESC").Find(&customers).Error; err != nil {
		return nil, err
	}
	return customers, nil
}

func displayName(source models.Source, senderID string) string {
	short := senderID
	if len(short) > 5 {
		short = short[:5]
	}
	return fmt.Sprintf("%s Customer (%s)", source.DisplayName(), short)
}
