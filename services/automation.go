package services

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

const autoResponseType = "auto_response"

// AutomationMatcher answers inbound text with the first matching keyword rule.
// Rules are tried in store order: priority DESC, created_at ASC, id ASC.
type AutomationMatcher struct {
	rules    *stores.AutomationRuleStore
	channels *stores.ChannelStore
	messages *stores.MessageStore
	sender   OutboundSender
	metrics  *monitoring.Metrics
}

func CreateAutomationMatcher(
	rules *stores.AutomationRuleStore,
	channels *stores.ChannelStore,
	messages *stores.MessageStore,
	sender OutboundSender,
	metrics *monitoring.Metrics,
) *AutomationMatcher {
	if metrics == nil {
		metrics = monitoring.Default()
	}
	return &AutomationMatcher{
		rules:    rules,
		channels: channels,
		messages: messages,
		sender:   sender,
		metrics:  metrics,
	}
}

// Match returns the first active rule matching text, or nil.
func (m *AutomationMatcher) Match(ctx context.Context, tenantID, text string) (*models.AutomationRule, error) {
	normalized := models.NormalizeText(text)
	if normalized == "" {
		return nil, nil
	}

	rules, err := m.rules.ListActive(ctx, tenantID)
	if err != nil {
		return nil, utils.WrapError(err, "failed to load automation rules")
	}
	return FirstMatch(rules, normalized), nil
}

// FirstMatch applies rules in order to already-normalized text.
func FirstMatch(rules []*models.AutomationRule, normalized string) *models.AutomationRule {
	for _, rule := range rules {
		if rule.Matches(normalized) {
			return rule
		}
	}
	return nil
}

// Respond sends the matching rule's reply and logs it as an agent message.
// A tenant without a connected channel for the source is a logged no-op.
// The returned message is nil when nothing was sent.
func (m *AutomationMatcher) Respond(ctx context.Context, conv *models.Conversation, customer *models.Customer, text string) (*models.Message, error) {
	rule, err := m.Match(ctx, conv.TenantID, text)
	if err != nil || rule == nil {
		return nil, err
	}
	m.metrics.RecordAutomationMatch()

	channel, err := m.channels.FindConnected(ctx, conv.TenantID, conv.Source)
	if err != nil {
		if stores.IsNotFound(err) {
			utils.Info(ctx, "Automation matched but no connected channel", map[string]interface{}{
				"rule_id": rule.ID,
				"source":  string(conv.Source),
			})
			return nil, nil
		}
		return nil, err
	}
	if !channel.CanSend() {
		utils.Info(ctx, "Automation matched but channel credentials are missing", map[string]interface{}{
			"rule_id":    rule.ID,
			"channel_id": channel.ID,
		})
		return nil, nil
	}

	recipient := recipientFor(customer, conv.Source)
	externalID, err := m.sender.Send(ctx, channel, recipient, rule.ResponseContent)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		SenderType:     models.SenderTypeAgent,
		Content:        rule.ResponseContent,
		DeliveryStatus: models.DeliveryStatusSent,
		Metadata: map[string]interface{}{
			"automation_rule_id": rule.ID,
			"type":               autoResponseType,
		},
	}
	if externalID != "" {
		msg.ExternalMessageID = &externalID
	}
	if err := m.messages.Create(ctx, msg); err != nil {
		return nil, utils.WrapError(err, "failed to log auto-response")
	}

	utils.Info(ctx, "Auto-response sent", map[string]interface{}{
		"rule_id":         rule.ID,
		"conversation_id": conv.ID,
	})
	return msg, nil
}
