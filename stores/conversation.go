package stores

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type ConversationStore struct {
	BaseStore
}

func CreateConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{BaseStore: BaseStore{db: db}}
}

func (s *ConversationStore) Create(ctx context.Context, conv *models.Conversation) error {
	return s.GetDB(ctx).Create(conv).Error
}

func (s *ConversationStore) GetByID(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.primary(ctx).First(&conv, "id = ? AND tenant_id = ?", id, tenantID).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// FindOpen returns the single open conversation for the triple.
func (s *ConversationStore) FindOpen(ctx context.Context, tenantID, customerID string, source models.Source) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.primary(ctx).
		Where("tenant_id = ? AND customer_id = ? AND source = ? AND status = ?",
			tenantID, customerID, source, models.ConversationStatusOpen).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// LatestForCustomer returns the customer's most recently active conversation on any channel.
func (s *ConversationStore) LatestForCustomer(ctx context.Context, tenantID, customerID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.primary(ctx).
		Where("tenant_id = ? AND customer_id = ?", tenantID, customerID).
		Order("last_message_at DESC").
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// TouchInbound bumps last_message_at and increments unread_count in one statement.
func (s *ConversationStore) TouchInbound(ctx context.Context, id string, at time.Time) error {
	return s.GetDB(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_message_at": at,
			"unread_count":    gorm.Expr("unread_count + 1"),
		}).Error
}

// TouchOutbound records agent activity. The reply window is measured from
// customer messages only, so last_message_at is left alone.
func (s *ConversationStore) TouchOutbound(ctx context.Context, id string, at time.Time) error {
	return s.GetDB(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", at).Error
}

func (s *ConversationStore) MarkRead(ctx context.Context, tenantID, id string) error {
	result := s.GetDB(ctx).Model(&models.Conversation{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("unread_count", 0)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *ConversationStore) ListOpen(ctx context.Context, tenantID string, limit, offset int) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	query := s.GetDB(ctx).Where("tenant_id = ? AND status = ?", tenantID, models.ConversationStatusOpen)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Order("last_message_at DESC").Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}
