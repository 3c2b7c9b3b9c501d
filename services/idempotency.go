package services

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

// IngestOutcome tells the ingestion boundary what happened to an accepted delivery.
type IngestOutcome string

const (
	OutcomeProcessed IngestOutcome = "processed"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeRejected  IngestOutcome = "rejected"
	OutcomeIgnored   IngestOutcome = "ignored"
)

// IdempotencyGuard turns at-least-once webhook delivery into at-most-once effect.
type IdempotencyGuard struct {
	store *stores.WebhookStore
}

func CreateIdempotencyGuard(store *stores.WebhookStore) *IdempotencyGuard {
	return &IdempotencyGuard{store: store}
}

// Register returns isNew false when (platform, externalID) was already seen;
// the caller must then skip every downstream mutation. An event whose earlier
// processing failed is handed to exactly one redelivery.
func (g *IdempotencyGuard) Register(ctx context.Context, platform, externalID string, payload []byte) (bool, *models.WebhookEvent, error) {
	isNew, event, err := g.store.Register(ctx, platform, externalID, payload)
	if err != nil {
		return false, nil, utils.WrapError(err, "failed to register webhook event")
	}
	if !isNew && event.Status == models.WebhookEventStatusFailed {
		reclaimed, err := g.store.Reclaim(ctx, event.ID)
		if err != nil {
			return false, nil, utils.WrapError(err, "failed to reclaim webhook event")
		}
		if reclaimed {
			utils.Info(ctx, "Retrying previously failed webhook event", map[string]interface{}{
				"platform":    platform,
				"external_id": externalID,
			})
			return true, event, nil
		}
	}
	if !isNew {
		utils.Info(ctx, "Duplicate webhook delivery skipped", map[string]interface{}{
			"platform":    platform,
			"external_id": externalID,
		})
	}
	return isNew, event, nil
}

// Complete records the final state of a registered event. Errors are logged only.
func (g *IdempotencyGuard) Complete(ctx context.Context, event *models.WebhookEvent, tenantID string, procErr error) {
	if event == nil {
		return
	}
	var err error
	if procErr != nil {
		err = g.store.MarkFailed(ctx, event.ID, procErr.Error())
	} else {
		err = g.store.MarkProcessed(ctx, event.ID, tenantID)
	}
	if err != nil {
		utils.LogError(ctx, err, "Failed to update webhook event status", map[string]interface{}{
			"webhook_event_id": event.ID,
		})
	}
}
