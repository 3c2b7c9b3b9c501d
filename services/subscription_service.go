package services

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/providers"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
	"github.com/stripe/stripe-go/v82"
)

const subscriptionPeriodDays = 30

// SubscriptionWebhookService applies Stripe billing events to tenant subscriptions.
type SubscriptionWebhookService struct {
	verifier      *providers.StripeVerifier
	subscriptions *stores.SubscriptionStore
	guard         *IdempotencyGuard
	metrics       *monitoring.Metrics
	clock         clock.Clock
}

func CreateSubscriptionWebhookService(
	verifier *providers.StripeVerifier,
	subscriptions *stores.SubscriptionStore,
	guard *IdempotencyGuard,
	metrics *monitoring.Metrics,
	clk clock.Clock,
) *SubscriptionWebhookService {
	if metrics == nil {
		metrics = monitoring.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &SubscriptionWebhookService{
		verifier:      verifier,
		subscriptions: subscriptions,
		guard:         guard,
		metrics:       metrics,
		clock:         clk,
	}
}

// HandleStripeWebhook verifies and applies one delivery. A bad signature is
// returned as utils.ErrSignatureInvalid.
func (s *SubscriptionWebhookService) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (IngestOutcome, error) {
	event, err := s.verifier.ConstructEvent(payload, signature)
	if err != nil {
		s.metrics.RecordWebhookEvent(models.PlatformStripe, string(OutcomeRejected))
		return OutcomeRejected, err
	}
	outcome, err := s.HandleStripeEvent(ctx, event)
	if err == nil {
		s.metrics.RecordWebhookEvent(models.PlatformStripe, string(outcome))
	}
	return outcome, err
}

// HandleStripeEvent is idempotent by event id.
func (s *SubscriptionWebhookService) HandleStripeEvent(ctx context.Context, event stripe.Event) (IngestOutcome, error) {
	raw, _ := json.Marshal(event)
	isNew, record, err := s.guard.Register(ctx, models.PlatformStripe, event.ID, raw)
	if err != nil {
		return "", err
	}
	if !isNew {
		return OutcomeDuplicate, nil
	}

	var tenantID string
	outcome := OutcomeIgnored
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		tenantID, err = s.activate(ctx, event)
		if err == nil && tenantID != "" {
			outcome = OutcomeProcessed
		}
	case stripe.EventTypeCustomerSubscriptionDeleted:
		var cancelled bool
		cancelled, err = s.cancel(ctx, event)
		if err == nil && cancelled {
			outcome = OutcomeProcessed
		}
	default:
		utils.Debug(ctx, "Unhandled Stripe event type", map[string]interface{}{"type": string(event.Type)})
	}

	s.guard.Complete(ctx, record, tenantID, err)
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *SubscriptionWebhookService) activate(ctx context.Context, event stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", utils.WrapAPIError(err, utils.ErrWebhookInvalidPayload)
	}

	tenantID := session.Metadata["company_id"]
	planID := session.Metadata["plan_id"]
	if tenantID == "" || planID == "" {
		utils.Warn(ctx, "Checkout session without company or plan metadata", map[string]interface{}{
			"session_id": session.ID,
		})
		return "", nil
	}

	var stripeSubID *string
	if session.Subscription != nil && session.Subscription.ID != "" {
		id := session.Subscription.ID
		stripeSubID = &id
	}

	start := s.clock.Now().UTC()
	end := start.AddDate(0, 0, subscriptionPeriodDays)
	if err := s.subscriptions.Activate(ctx, tenantID, planID, stripeSubID, start, end); err != nil {
		return "", utils.WrapError(err, "failed to activate subscription")
	}

	utils.Info(utils.WithTenantID(ctx, tenantID), "Subscription activated", map[string]interface{}{
		"plan_id": planID,
		"ends_at": end,
	})
	return tenantID, nil
}

func (s *SubscriptionWebhookService) cancel(ctx context.Context, event stripe.Event) (bool, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return false, utils.WrapAPIError(err, utils.ErrWebhookInvalidPayload)
	}
	if sub.ID == "" {
		return false, utils.WrapAPIError(errors.New("missing subscription id"), utils.ErrWebhookInvalidPayload)
	}

	cancelled, err := s.subscriptions.Cancel(ctx, sub.ID)
	if err != nil {
		return false, utils.WrapError(err, "failed to cancel subscription")
	}
	if cancelled {
		utils.Info(ctx, "Subscription cancelled", map[string]interface{}{"stripe_subscription_id": sub.ID})
	}
	return cancelled, nil
}
