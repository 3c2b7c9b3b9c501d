package services

import (
	"context"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

const defaultMessageLimit = 200

type MessagingService struct {
	conversations *stores.ConversationStore
	customers     *stores.CustomerStore
	channels      *stores.ChannelStore
	messages      *stores.MessageStore
	sender        OutboundSender
	guard         *OutboundGuard
	clock         clock.Clock
}

type MessagingDeps struct {
	Conversations *stores.ConversationStore
	Customers     *stores.CustomerStore
	Channels      *stores.ChannelStore
	Messages      *stores.MessageStore
	Sender        OutboundSender
	Guard         *OutboundGuard
	Clock         clock.Clock
}

func CreateMessagingService(deps MessagingDeps) *MessagingService {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Guard == nil {
		deps.Guard = CreateOutboundGuard(DefaultReplyWindow, deps.Clock)
	}
	return &MessagingService{
		conversations: deps.Conversations,
		customers:     deps.Customers,
		channels:      deps.Channels,
		messages:      deps.Messages,
		sender:        deps.Sender,
		guard:         deps.Guard,
		clock:         deps.Clock,
	}
}

func (s *MessagingService) getConversation(ctx context.Context, tenantID, conversationID string) (*models.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, tenantID, conversationID)
	if err != nil {
		if stores.IsNotFound(err) {
			return nil, utils.ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// SendAgentMessage delivers an agent reply. It fails with utils.ErrWindowExpired
// outside the reply window and utils.ErrChannelNotConnected when the tenant
// has no usable channel for the conversation's source.
func (s *MessagingService) SendAgentMessage(ctx context.Context, tenantID, conversationID, agentID string, req *models.SendMessageRequest) (*models.Message, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	conv, err := s.getConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.Check(conv); err != nil {
		return nil, err
	}

	channel, err := s.channels.FindConnected(ctx, tenantID, conv.Source)
	if err != nil {
		if stores.IsNotFound(err) {
			return nil, utils.ErrChannelNotConnected
		}
		return nil, err
	}
	if !channel.CanSend() {
		return nil, utils.ErrChannelNotConnected
	}

	customer, err := s.customers.GetByID(ctx, conv.CustomerID)
	if err != nil {
		return nil, utils.WrapError(err, "failed to load conversation customer")
	}
	recipient := recipientFor(customer, conv.Source)
	if recipient == "" {
		return nil, utils.ErrChannelNotConnected
	}

	externalID, err := s.sender.Send(ctx, channel, recipient, req.Content)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		TenantID:       tenantID,
		SenderType:     models.SenderTypeAgent,
		Content:        req.Content,
		DeliveryStatus: models.DeliveryStatusSent,
		Metadata:       req.Metadata,
	}
	if agentID != "" {
		msg.SenderID = &agentID
	}
	if externalID != "" {
		msg.ExternalMessageID = &externalID
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, utils.WrapError(err, "failed to save message")
	}

	if err := s.conversations.TouchOutbound(ctx, conv.ID, s.clock.Now().UTC()); err != nil {
		utils.LogError(ctx, err, "Failed to update conversation after send", map[string]interface{}{
			"conversation_id": conv.ID,
		})
	}
	return msg, nil
}

// MarkAsRead clears the conversation's unread counter.
func (s *MessagingService) MarkAsRead(ctx context.Context, tenantID, conversationID string) error {
	err := s.conversations.MarkRead(ctx, tenantID, conversationID)
	if stores.IsNotFound(err) {
		return utils.ErrConversationNotFound
	}
	return err
}

func (s *MessagingService) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]*models.Conversation, error) {
	return s.conversations.ListOpen(ctx, tenantID, limit, offset)
}

func (s *MessagingService) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]*models.Message, error) {
	if _, err := s.getConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	return s.messages.ListByConversation(ctx, conversationID, limit)
}
