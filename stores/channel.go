package stores

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type ChannelStore struct {
	BaseStore
}

func CreateChannelStore(db *gorm.DB) *ChannelStore {
	return &ChannelStore{BaseStore: BaseStore{db: db}}
}

func (s *ChannelStore) Create(ctx context.Context, ch *models.Channel) error {
	return s.GetDB(ctx).Create(ch).Error
}

// FindByPlatformID maps a webhook recipient (page, IG account or WhatsApp
// phone number id) to the owning tenant's channel.
func (s *ChannelStore) FindByPlatformID(ctx context.Context, platform models.Source, platformID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.GetDB(ctx).
		Where("platform = ? AND platform_id = ?", platform, platformID).
		First(&ch).Error
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *ChannelStore) FindConnected(ctx context.Context, tenantID string, platform models.Source) (*models.Channel, error) {
	var ch models.Channel
	err := s.GetDB(ctx).
		Where("tenant_id = ? AND platform = ? AND status = ?", tenantID, platform, models.ChannelStatusConnected).
		Order("created_at ASC").
		First(&ch).Error
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *ChannelStore) Disconnect(ctx context.Context, id string) error {
	return s.GetDB(ctx).Model(&models.Channel{}).
		Where("id = ?", id).
		Update("status", models.ChannelStatusDisconnected).Error
}
