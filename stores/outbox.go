package stores

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxStore struct {
	BaseStore
}

func CreateOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{BaseStore: BaseStore{db: db}}
}

// Insert reports whether the event is new for its (tenant_id, dedupe_key).
func (s *OutboxStore) Insert(ctx context.Context, event *models.AutomationEvent) (bool, error) {
	result := s.GetDB(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.GetDB(ctx).Model(&models.AutomationEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"published":    true,
			"published_at": at,
		}).Error
}

// ListUnpublished returns events whose publish attempt failed, oldest first.
func (s *OutboxStore) ListUnpublished(ctx context.Context, limit int) ([]*models.AutomationEvent, error) {
	var events []*models.AutomationEvent
	query := s.GetDB(ctx).Where("published = ?", false).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
