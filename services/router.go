package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

const (
	ObjectPage      = "page"
	ObjectInstagram = "instagram"
	ObjectWhatsApp  = "whatsapp_business_account"

	messengerNonText = "[محتوى غير نصي]"
	whatsAppNonText  = "[Media]"
)

// SourceForObject maps a webhook "object" value to the channel source.
func SourceForObject(object string) (models.Source, bool) {
	switch object {
	case ObjectPage:
		return models.SourceFacebook, true
	case ObjectInstagram:
		return models.SourceInstagram, true
	case ObjectWhatsApp:
		return models.SourceWhatsApp, true
	}
	return "", false
}

type metaEnvelope struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string          `json:"id"`
	Messaging []metaMessaging `json:"messaging"`
	Changes   []metaChange    `json:"changes"`
}

type metaMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

type metaChange struct {
	Field string `json:"field"`
	Value struct {
		Metadata struct {
			DisplayPhoneNumber string `json:"display_phone_number"`
			PhoneNumberID      string `json:"phone_number_id"`
		} `json:"metadata"`
		Messages []struct {
			From      string `json:"from"`
			ID        string `json:"id"`
			Timestamp string `json:"timestamp"`
			Type      string `json:"type"`
			Text      *struct {
				Body string `json:"body"`
			} `json:"text"`
		} `json:"messages"`
		Statuses []struct {
			ID        string `json:"id"`
			Status    string `json:"status"`
			Timestamp string `json:"timestamp"`
		} `json:"statuses"`
	} `json:"value"`
}

// InboundMessage is one customer message extracted from a platform webhook.
type InboundMessage struct {
	Source     models.Source
	PlatformID string
	SenderID   string
	MessageID  string
	Text       string
	Content    string
	Metadata   map[string]interface{}
	Raw        []byte
}

type deliveryUpdate struct {
	PlatformID string
	MessageID  string
	Status     models.DeliveryStatus
	At         time.Time
}

// MetaIngestResult counts what happened to each item in one delivery.
type MetaIngestResult struct {
	Object     string `json:"object"`
	Processed  int    `json:"processed"`
	Duplicates int    `json:"duplicates"`
	Ignored    int    `json:"ignored"`
	Statuses   int    `json:"statuses"`
}

// Router resolves inbound messages to a customer and an open conversation,
// stores them and hands text to the automation matcher.
type Router struct {
	customers     *stores.CustomerStore
	conversations *stores.ConversationStore
	messages      *stores.MessageStore
	channels      *stores.ChannelStore
	guard         *IdempotencyGuard
	automation    *AutomationMatcher
	metrics       *monitoring.Metrics
	clock         clock.Clock
}

type RouterDeps struct {
	Customers     *stores.CustomerStore
	Conversations *stores.ConversationStore
	Messages      *stores.MessageStore
	Channels      *stores.ChannelStore
	Guard         *IdempotencyGuard
	Automation    *AutomationMatcher
	Metrics       *monitoring.Metrics
	Clock         clock.Clock
}

func CreateRouter(deps RouterDeps) *Router {
	if deps.Metrics == nil {
		deps.Metrics = monitoring.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Router{
		customers:     deps.Customers,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		channels:      deps.Channels,
		guard:         deps.Guard,
		automation:    deps.Automation,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
	}
}

// FindOrCreateCustomer resolves the sender; a lost creation race re-reads the winner.
func (r *Router) FindOrCreateCustomer(ctx context.Context, tenantID, senderID string, source models.Source) (*models.Customer, error) {
	customer, _, err := r.customers.FindOrCreateBySender(ctx, tenantID, source, senderID)
	if err != nil {
		return nil, utils.WrapError(err, "failed to resolve customer")
	}
	return customer, nil
}

// FindOrCreateConversation returns the single open conversation for
// (tenant, customer, source), creating it when absent.
func (r *Router) FindOrCreateConversation(ctx context.Context, tenantID, customerID, channelID string, source models.Source) (*models.Conversation, error) {
	conv, err := r.conversations.FindOpen(ctx, tenantID, customerID, source)
	if err == nil {
		return conv, nil
	}
	if !stores.IsNotFound(err) {
		return nil, utils.WrapError(err, "failed to find conversation")
	}

	conv = &models.Conversation{
		TenantID:      tenantID,
		CustomerID:    customerID,
		ChannelID:     channelID,
		Source:        source,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: r.clock.Now().UTC(),
	}
	err = r.conversations.Create(ctx, conv)
	if err == nil {
		return conv, nil
	}
	if !stores.IsDuplicate(err) {
		return nil, utils.WrapError(err, "failed to create conversation")
	}

	conv, err = r.conversations.FindOpen(ctx, tenantID, customerID, source)
	if err != nil {
		return nil, utils.WrapError(err, "failed to re-read conversation")
	}
	return conv, nil
}

// HandleMetaEvent processes an already verified Messenger, Instagram or
// WhatsApp delivery. expected limits the accepted object type; an empty
// value accepts all three. Items whose storage failed are marked failed so a
// redelivery retries them; the first such error is returned.
func (r *Router) HandleMetaEvent(ctx context.Context, expected models.Source, rawBody []byte) (MetaIngestResult, error) {
	var envelope metaEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return MetaIngestResult{}, utils.WrapAPIError(err, utils.ErrWebhookInvalidPayload)
	}
	result := MetaIngestResult{Object: envelope.Object}

	source, ok := SourceForObject(envelope.Object)
	if !ok || (expected != "" && expected != source) {
		utils.Info(ctx, "Ignoring Meta webhook object", map[string]interface{}{"object": envelope.Object})
		result.Ignored++
		r.metrics.RecordWebhookEvent(models.PlatformMeta, string(OutcomeIgnored))
		return result, nil
	}

	inbound, updates := extractMeta(source, envelope)

	var firstErr error
	for _, msg := range inbound {
		outcome, err := r.route(ctx, msg)
		r.metrics.RecordWebhookEvent(models.PlatformMeta, string(outcome))
		switch outcome {
		case OutcomeProcessed:
			result.Processed++
		case OutcomeDuplicate:
			result.Duplicates++
		default:
			result.Ignored++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, update := range updates {
		applied, err := r.applyDeliveryUpdate(ctx, update)
		if applied {
			result.Statuses++
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return result, firstErr
}

func extractMeta(source models.Source, envelope metaEnvelope) ([]InboundMessage, []deliveryUpdate) {
	var inbound []InboundMessage
	var updates []deliveryUpdate

	for _, entry := range envelope.Entry {
		for _, m := range entry.Messaging {
			if m.Message == nil || m.Message.IsEcho || m.Message.MID == "" {
				continue
			}
			content := m.Message.Text
			if content == "" {
				content = messengerNonText
			}
			raw, _ := json.Marshal(m)
			inbound = append(inbound, InboundMessage{
				Source:     source,
				PlatformID: entry.ID,
				SenderID:   m.Sender.ID,
				MessageID:  m.Message.MID,
				Text:       m.Message.Text,
				Content:    content,
				Metadata: map[string]interface{}{
					"mid":              m.Message.MID,
					source.SenderKey(): m.Sender.ID,
				},
				Raw: raw,
			})
		}

		for _, change := range entry.Changes {
			value := change.Value
			platformID := value.Metadata.PhoneNumberID
			for _, m := range value.Messages {
				if m.ID == "" {
					continue
				}
				text := ""
				if m.Text != nil {
					text = m.Text.Body
				}
				content := text
				if content == "" {
					content = whatsAppNonText
				}
				raw, _ := json.Marshal(m)
				inbound = append(inbound, InboundMessage{
					Source:     models.SourceWhatsApp,
					PlatformID: platformID,
					SenderID:   m.From,
					MessageID:  m.ID,
					Text:       text,
					Content:    content,
					Metadata:   map[string]interface{}{"whatsapp_id": m.ID},
					Raw:        raw,
				})
			}
			for _, st := range value.Statuses {
				status, ok := deliveryStatuses[st.Status]
				if !ok || st.ID == "" {
					continue
				}
				updates = append(updates, deliveryUpdate{
					PlatformID: platformID,
					MessageID:  st.ID,
					Status:     status,
					At:         unixSeconds(st.Timestamp),
				})
			}
		}
	}
	return inbound, updates
}

var deliveryStatuses = map[string]models.DeliveryStatus{
	"sent":      models.DeliveryStatusSent,
	"delivered": models.DeliveryStatusDelivered,
	"read":      models.DeliveryStatusRead,
	"failed":    models.DeliveryStatusFailed,
}

func unixSeconds(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func (r *Router) route(ctx context.Context, msg InboundMessage) (IngestOutcome, error) {
	channel, err := r.channels.FindByPlatformID(ctx, msg.Source, msg.PlatformID)
	if err != nil {
		if stores.IsNotFound(err) {
			utils.Info(ctx, "No channel for inbound message", map[string]interface{}{
				"source":      string(msg.Source),
				"platform_id": msg.PlatformID,
			})
			return OutcomeIgnored, nil
		}
		return OutcomeIgnored, err
	}
	ctx = utils.WithTenantID(ctx, channel.TenantID)

	isNew, event, err := r.guard.Register(ctx, models.PlatformMeta, msg.MessageID, msg.Raw)
	if err != nil {
		return OutcomeIgnored, err
	}
	if !isNew {
		return OutcomeDuplicate, nil
	}

	err = r.persistInbound(ctx, channel, msg)
	r.guard.Complete(ctx, event, channel.TenantID, err)
	if err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeProcessed, nil
}

func (r *Router) persistInbound(ctx context.Context, channel *models.Channel, msg InboundMessage) error {
	customer, err := r.FindOrCreateCustomer(ctx, channel.TenantID, msg.SenderID, msg.Source)
	if err != nil {
		return err
	}

	conv, err := r.FindOrCreateConversation(ctx, channel.TenantID, customer.ID, channel.ID, msg.Source)
	if err != nil {
		return err
	}

	externalID := msg.MessageID
	senderID := customer.ID
	record := &models.Message{
		ConversationID:    conv.ID,
		TenantID:          channel.TenantID,
		SenderID:          &senderID,
		SenderType:        models.SenderTypeCustomer,
		Content:           msg.Content,
		ExternalMessageID: &externalID,
		Metadata:          msg.Metadata,
	}
	now := r.clock.Now().UTC()
	// The message row and the unread bump commit together so a redelivery
	// after a failure starts from a clean slate.
	err = r.messages.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := r.messages.Create(txCtx, record); err != nil {
			return utils.WrapError(err, "failed to store inbound message")
		}
		if err := r.conversations.TouchInbound(txCtx, conv.ID, now); err != nil {
			return utils.WrapError(err, "failed to update conversation")
		}
		return nil
	})
	if err != nil {
		return err
	}
	conv.LastMessageAt = now
	conv.UnreadCount++

	if msg.Text == "" || r.automation == nil {
		return nil
	}
	if _, err := r.automation.Respond(ctx, conv, customer, msg.Text); err != nil {
		utils.LogError(ctx, err, "Automation response failed", map[string]interface{}{
			"conversation_id": conv.ID,
		})
	}
	return nil
}

func (r *Router) applyDeliveryUpdate(ctx context.Context, update deliveryUpdate) (bool, error) {
	channel, err := r.channels.FindByPlatformID(ctx, models.SourceWhatsApp, update.PlatformID)
	if err != nil {
		if stores.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	at := update.At
	if at.IsZero() {
		at = r.clock.Now().UTC()
	}
	applied, err := r.messages.UpdateDeliveryStatus(ctx, channel.TenantID, update.MessageID, update.Status, at)
	if err != nil {
		return false, utils.WrapError(err, "failed to update delivery status")
	}
	return applied, nil
}

// IsInvalidPayload reports whether err came from an unparseable webhook body.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, utils.ErrWebhookInvalidPayload)
}
