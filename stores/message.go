package stores

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type MessageStore struct {
	BaseStore
}

func CreateMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{BaseStore: BaseStore{db: db}}
}

func (s *MessageStore) Create(ctx context.Context, msg *models.Message) error {
	return s.GetDB(ctx).Create(msg).Error
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	var msgs []*models.Message
	query := s.GetDB(ctx).Where("conversation_id = ?", conversationID)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Order("created_at ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateDeliveryStatus applies a platform status receipt to the outbound
// message it refers to. It reports false when no message carries that id or
// the message already reached a later status.
func (s *MessageStore) UpdateDeliveryStatus(ctx context.Context, tenantID, externalMessageID string, status models.DeliveryStatus, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"delivery_status": status,
	}
	switch status {
	case models.DeliveryStatusDelivered:
		updates["delivered_at"] = at
	case models.DeliveryStatusRead:
		updates["read_at"] = at
	}

	query := s.GetDB(ctx).Model(&models.Message{}).
		Where("tenant_id = ? AND external_message_id = ?", tenantID, externalMessageID)
	if blocked := status.BlockedBy(); len(blocked) > 0 {
		query = query.Where("delivery_status IS NULL OR delivery_status NOT IN ?", blocked)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
