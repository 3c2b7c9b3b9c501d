package services

import (
	"context"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/utils"
)

const DefaultReplyWindow = 24 * time.Hour

// OutboundSender delivers text to a customer over a connected channel and
// returns the platform message id. providers.MetaSender implements it.
type OutboundSender interface {
	Send(ctx context.Context, channel *models.Channel, recipientID, text string) (string, error)
}

// OutboundGuard enforces the reply window measured from the customer's last message.
type OutboundGuard struct {
	window time.Duration
	clock  clock.Clock
}

func CreateOutboundGuard(window time.Duration, clk clock.Clock) *OutboundGuard {
	if window <= 0 {
		window = DefaultReplyWindow
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &OutboundGuard{window: window, clock: clk}
}

// Check returns utils.ErrWindowExpired once more than the window has passed.
// Exactly at the boundary the send is still allowed.
func (g *OutboundGuard) Check(conv *models.Conversation) error {
	if g.clock.Now().Sub(conv.LastMessageAt) > g.window {
		return utils.ErrWindowExpired
	}
	return nil
}

// recipientFor returns the platform id to address customer on.
func recipientFor(customer *models.Customer, source models.Source) string {
	if customer.ExternalID != nil && *customer.ExternalID != "" {
		return *customer.ExternalID
	}
	if id, ok := customer.Metadata[source.SenderKey()].(string); ok && id != "" {
		return id
	}
	if source == models.SourceWhatsApp {
		return customer.Phone
	}
	return ""
}
