package providers

import (
	"errors"

	"github.com/malwarebo/inboxflow/utils"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrMissingStripeSignature = errors.New("missing Stripe-Signature header")

// StripeVerifier authenticates platform billing webhooks.
type StripeVerifier struct {
	webhookSecret string
}

func CreateStripeVerifier(webhookSecret string) *StripeVerifier {
	return &StripeVerifier{webhookSecret: webhookSecret}
}

func (v *StripeVerifier) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, utils.WrapAPIError(ErrMissingStripeSignature, utils.ErrSignatureInvalid)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, utils.WrapAPIError(err, utils.ErrSignatureInvalid)
	}
	return event, nil
}
