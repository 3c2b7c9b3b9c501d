package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

type Event struct {
	TenantID  string
	Type      models.AutomationEventType
	DedupeKey string
	Payload   map[string]interface{}
}

// DedupeKey scopes an event type to the entity that caused it.
func DedupeKey(eventType models.AutomationEventType, entityID string) string {
	return fmt.Sprintf("%s:%s", eventType, entityID)
}

type envelope struct {
	ID        string                     `json:"id"`
	TenantID  string                     `json:"tenant_id"`
	EventType models.AutomationEventType `json:"event_type"`
	Payload   map[string]interface{}     `json:"payload"`
}

// Dispatcher records events in the outbox and publishes each one at most
// once per dedupe key. Events whose publish failed stay unpublished for Flush.
type Dispatcher struct {
	outbox    *stores.OutboxStore
	publisher Publisher
	clock     clock.Clock
}

func CreateDispatcher(outbox *stores.OutboxStore, publisher Publisher, clk clock.Clock) *Dispatcher {
	if publisher == nil {
		publisher = LogPublisher{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{outbox: outbox, publisher: publisher, clock: clk}
}

// Fire reports whether the event was new.
func (d *Dispatcher) Fire(ctx context.Context, event Event) (bool, error) {
	row := &models.AutomationEvent{
		TenantID:  event.TenantID,
		EventType: event.Type,
		DedupeKey: event.DedupeKey,
		Payload:   event.Payload,
	}
	inserted, err := d.outbox.Insert(ctx, row)
	if err != nil {
		return false, fmt.Errorf("record automation event: %w", err)
	}
	if !inserted {
		utils.Debug(ctx, "Automation event already recorded", map[string]interface{}{
			"dedupe_key": event.DedupeKey,
		})
		return false, nil
	}

	if err := d.publish(ctx, row); err != nil {
		return true, err
	}
	return true, nil
}

// Flush retries events whose publish failed.
func (d *Dispatcher) Flush(ctx context.Context, limit int) (int, error) {
	pending, err := d.outbox.ListUnpublished(ctx, limit)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, row := range pending {
		if err := d.publish(ctx, row); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (d *Dispatcher) publish(ctx context.Context, row *models.AutomationEvent) error {
	data, err := json.Marshal(envelope{
		ID:        row.ID,
		TenantID:  row.TenantID,
		EventType: row.EventType,
		Payload:   row.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal automation event: %w", err)
	}
	if err := d.publisher.Publish(ctx, string(row.EventType), data); err != nil {
		return fmt.Errorf("publish automation event: %w", err)
	}
	return d.outbox.MarkPublished(ctx, row.ID, d.clock.Now())
}
