package services

import (
	"context"
	"fmt"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

const (
	paymentSuccessTemplate = "✅ تم استلام دفعتك بنجاح!\nالمبلغ: %v جنيه\nرقم المعاملة: %s"
	paymentFailedHeader    = "❌ فشلت عملية الدفع\n"
	paymentFailedReason    = "السبب: %s\n"
	paymentFailedFooter    = "جرب طريقة دفع أخرى أو تواصل معنا."
)

func PaymentSuccessText(tx *models.PaymentTransaction) string {
	return fmt.Sprintf(paymentSuccessTemplate, tx.Amount, tx.ID)
}

func PaymentFailedText(reason string) string {
	text := paymentFailedHeader
	if reason != "" {
		text += fmt.Sprintf(paymentFailedReason, reason)
	}
	return text + paymentFailedFooter
}

// Notifier tells a customer about a payment outcome on the channel of their
// most recent conversation. Every step is best effort. The reply window is
// not checked here; it binds agent sends only.
type Notifier struct {
	customers     *stores.CustomerStore
	conversations *stores.ConversationStore
	channels      *stores.ChannelStore
	messages      *stores.MessageStore
	sender        OutboundSender
}

func CreateNotifier(
	customers *stores.CustomerStore,
	conversations *stores.ConversationStore,
	channels *stores.ChannelStore,
	messages *stores.MessageStore,
	sender OutboundSender,
) *Notifier {
	return &Notifier{
		customers:     customers,
		conversations: conversations,
		channels:      channels,
		messages:      messages,
		sender:        sender,
	}
}

// NotifyPayment reports whether a message was sent. A false result with a nil
// error means there was nobody or nothing to send to.
func (n *Notifier) NotifyPayment(ctx context.Context, tx *models.PaymentTransaction, text string) (bool, error) {
	if tx.CustomerID == nil || *tx.CustomerID == "" {
		return false, nil
	}

	customer, err := n.customers.GetByID(ctx, *tx.CustomerID)
	if err != nil {
		if stores.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	conv, err := n.conversations.LatestForCustomer(ctx, tx.TenantID, customer.ID)
	if err != nil {
		if stores.IsNotFound(err) {
			utils.Info(ctx, "No conversation to notify customer on", map[string]interface{}{"customer_id": customer.ID})
			return false, nil
		}
		return false, err
	}

	channel, err := n.channels.FindConnected(ctx, tx.TenantID, conv.Source)
	if err != nil {
		if stores.IsNotFound(err) {
			utils.Info(ctx, "No connected channel for payment notification", map[string]interface{}{
				"source": string(conv.Source),
			})
			return false, nil
		}
		return false, err
	}

	recipient := recipientFor(customer, conv.Source)
	if recipient == "" {
		return false, nil
	}

	externalID, err := n.sender.Send(ctx, channel, recipient, text)
	if err != nil {
		return false, err
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		TenantID:       tx.TenantID,
		SenderType:     models.SenderTypeSystem,
		Content:        text,
		DeliveryStatus: models.DeliveryStatusSent,
		Metadata: map[string]interface{}{
			"type":           "payment_notification",
			"transaction_id": tx.ID,
		},
	}
	if externalID != "" {
		msg.ExternalMessageID = &externalID
	}
	if err := n.messages.Create(ctx, msg); err != nil {
		utils.LogError(ctx, err, "Failed to log payment notification", map[string]interface{}{"conversation_id": conv.ID})
	}
	return true, nil
}
