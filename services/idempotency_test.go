package services

import (
	"context"
	"errors"
	"testing"

	"github.com/malwarebo/inboxflow/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyGuard_FailedEventIsRetriedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	isNew, event, err := h.guard.Register(ctx, models.PlatformMeta, "m_1", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, isNew)

	h.guard.Complete(ctx, event, "t1", errors.New("db unavailable"))

	stored, err := h.webhooks.GetByExternalID(ctx, models.PlatformMeta, "m_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusFailed, stored.Status)
	assert.Equal(t, "db unavailable", stored.ErrorMessage)

	isNew, event, err = h.guard.Register(ctx, models.PlatformMeta, "m_1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, isNew, "failed event is handed to the next delivery")

	isNew, _, err = h.guard.Register(ctx, models.PlatformMeta, "m_1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, isNew, "reclaimed event is not handed out twice")

	h.guard.Complete(ctx, event, "t1", nil)
	stored, err = h.webhooks.GetByExternalID(ctx, models.PlatformMeta, "m_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusProcessed, stored.Status)
	require.NotNil(t, stored.CompanyID)
	assert.Equal(t, "t1", *stored.CompanyID)

	isNew, _, err = h.guard.Register(ctx, models.PlatformMeta, "m_1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, isNew)
}
