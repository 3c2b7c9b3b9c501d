package stores

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WebhookStore struct {
	BaseStore
}

func CreateWebhookStore(db *gorm.DB) *WebhookStore {
	return &WebhookStore{BaseStore: BaseStore{db: db}}
}

// Register records the first sighting of (platform, externalID). A unique
// violation means another delivery got there first: isNew is false and the
// existing row is returned.
func (s *WebhookStore) Register(ctx context.Context, platform, externalID string, payload []byte) (bool, *models.WebhookEvent, error) {
	event := &models.WebhookEvent{
		Platform:   platform,
		ExternalID: externalID,
		Payload:    datatypes.JSON(payload),
		Status:     models.WebhookEventStatusReceived,
	}

	err := s.GetDB(ctx).Create(event).Error
	if err == nil {
		return true, event, nil
	}
	if !IsDuplicate(err) {
		return false, nil, err
	}

	existing, err := s.GetByExternalID(ctx, platform, externalID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *WebhookStore) GetByExternalID(ctx context.Context, platform, externalID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.primary(ctx).
		Where("platform = ? AND external_id = ?", platform, externalID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *WebhookStore) MarkProcessed(ctx context.Context, id string, companyID string) error {
	updates := map[string]interface{}{
		"status":       models.WebhookEventStatusProcessed,
		"processed_at": time.Now().UTC(),
	}
	if companyID != "" {
		updates["company_id"] = companyID
	}
	return s.GetDB(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (s *WebhookStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.GetDB(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.WebhookEventStatusFailed,
			"error_message": errMsg,
			"processed_at":  time.Now().UTC(),
		}).Error
}

// Reclaim moves a failed event back to received so a redelivery can retry it.
// Only one concurrent caller wins.
func (s *WebhookStore) Reclaim(ctx context.Context, id string) (bool, error) {
	result := s.GetDB(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.WebhookEventStatusFailed).
		Updates(map[string]interface{}{
			"status":        models.WebhookEventStatusReceived,
			"error_message": "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *WebhookStore) ListByPlatform(ctx context.Context, platform string, status *models.WebhookEventStatus, limit, offset int) ([]*models.WebhookEvent, error) {
	var events []*models.WebhookEvent
	query := s.GetDB(ctx).Where("platform = ?", platform)

	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
