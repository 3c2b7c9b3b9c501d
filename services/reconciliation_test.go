package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name       string
		flags      CallbackFlags
		wantStatus models.PaymentStatus
		wantReason string
	}{
		{"success wins over everything", CallbackFlags{Success: true, Pending: true, ErrorOccured: true}, models.PaymentStatusSuccess, ""},
		{"pending before error", CallbackFlags{Pending: true, ErrorOccured: true}, models.PaymentStatusProcessing, ""},
		{"error with gateway message", CallbackFlags{ErrorOccured: true, Message: "Insufficient funds"}, models.PaymentStatusFailed, "Insufficient funds"},
		{"error without message", CallbackFlags{ErrorOccured: true}, models.PaymentStatusFailed, "Payment failed"},
		{"no flags", CallbackFlags{}, models.PaymentStatusFailed, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := DeriveStatus(tt.flags)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantReason == "" {
				assert.Nil(t, reason)
				return
			}
			require.NotNil(t, reason)
			assert.Equal(t, tt.wantReason, *reason)
		})
	}
}

func TestParseMerchantOrderID(t *testing.T) {
	tests := []struct {
		ref        string
		wantTenant string
		wantRest   string
		wantOK     bool
	}{
		{"t1-42", "t1", "42", true},
		{"t1-42-2", "t1", "42-2", true},
		{"t1-order-with-dashes", "t1", "order-with-dashes", true},
		{"5f0c9a1e-3b7d-4c2a-9e61-0a4b8c2d1f33-42", "5f0c9a1e-3b7d-4c2a-9e61-0a4b8c2d1f33", "42", true},
		{"5f0c9a1e-3b7d-4c2a-9e61-0a4b8c2d1f33-8d1e2f3a-0000-4000-8000-000000000001", "5f0c9a1e-3b7d-4c2a-9e61-0a4b8c2d1f33", "8d1e2f3a-0000-4000-8000-000000000001", true},
		{"noseparator", "", "", false},
		{"-42", "", "", false},
		{"t1-", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			tenant, rest, ok := ParseMerchantOrderID(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTenant, tenant)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
	assert.Equal(t, "t1-42-1", MerchantOrderID("t1", "42", 1))
}

func TestReconciliation_SuccessEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	customer, tx := h.seedPayingCustomer(t, "t1", "42")

	body := paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret)

	result, err := h.recon.HandlePaymobCallback(ctx, body, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, models.PaymentStatusSuccess, result.Status)
	assert.Equal(t, tx.ID, result.TransactionID)

	stored, err := h.transactions.GetByMerchantOrderID(ctx, "t1-42")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, stored.PaidAt.Equal(testNow))
	require.NotNil(t, stored.GatewayTransactionID)
	assert.Equal(t, "555", *stored.GatewayTransactionID)
	assert.Nil(t, stored.FailureReason)

	tagged, err := h.customers.GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.TagPaid}, []string(tagged.Tags))

	order, err := h.sales.GetByID(ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, models.SalesStatusCompleted, order.Status)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "psid-777", sent[0].Recipient)
	assert.Equal(t, PaymentSuccessText(stored), sent[0].Text)
	assert.Contains(t, sent[0].Text, "150.5")

	events, err := h.outbox.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "the event is published on first fire")
	assert.Len(t, h.publisher.published(), 1)

	event, err := h.webhooks.GetByExternalID(ctx, models.PlatformPaymob, "555:success")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusProcessed, event.Status)
	require.NotNil(t, event.CompanyID)
	assert.Equal(t, "t1", *event.CompanyID)

	// Redelivery is a no-op.
	result, err = h.recon.HandlePaymobCallback(ctx, body, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Len(t, h.publisher.published(), 1)
	assert.Len(t, h.sender.messages(), 1)

	tagged, err = h.customers.GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{models.TagPaid}, []string(tagged.Tags))
}

func TestReconciliation_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	h.seedPayingCustomer(t, "t1", "42")

	body := paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret)

	const workers = 8
	outcomes := make([]IngestOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.recon.HandlePaymobCallback(ctx, body, "")
			assert.NoError(t, err)
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, o := range outcomes {
		if o == OutcomeProcessed {
			processed++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Len(t, h.publisher.published(), 1)
	assert.Len(t, h.sender.messages(), 1)
}

func TestReconciliation_TerminalStatusIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	h.seedPayingCustomer(t, "t1", "42")

	_, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret), "")
	require.NoError(t, err)

	stale := paymobObj(556, "t1-42", false, false, true)
	result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, stale, testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, models.PaymentStatusSuccess, result.Status)

	pending := paymobObj(557, "t1-42", false, true, false)
	_, err = h.recon.HandlePaymobCallback(ctx, paymobCallback(t, pending, testHMACSecret), "")
	require.NoError(t, err)

	stored, err := h.transactions.GetByMerchantOrderID(ctx, "t1-42")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
	require.NotNil(t, stored.GatewayTransactionID)
	assert.Equal(t, "555", *stored.GatewayTransactionID)
	assert.Len(t, h.publisher.published(), 1)
}

func TestReconciliation_PendingThenFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	customer, _ := h.seedPayingCustomer(t, "t1", "42")

	result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(600, "t1-42", false, true, false), testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, models.PaymentStatusProcessing, result.Status)
	assert.Empty(t, h.sender.messages(), "processing has no side effects")

	obj := paymobObj(601, "t1-42", false, false, true)
	obj["data"] = map[string]interface{}{"message": "Insufficient funds"}
	result, err = h.recon.HandlePaymobCallback(ctx, paymobCallback(t, obj, testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, result.Status)
	assert.Equal(t, "Insufficient funds", result.Reason)

	stored, err := h.transactions.GetByMerchantOrderID(ctx, "t1-42")
	require.NoError(t, err)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "Insufficient funds", *stored.FailureReason)
	assert.Nil(t, stored.PaidAt)

	tagged, err := h.customers.GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, tagged.HasTag(models.TagPaymentFailed))

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, PaymentFailedText("Insufficient funds"), sent[0].Text)

	order, err := h.sales.GetByID(ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, models.SalesStatusPending, order.Status)

	rows, err := h.outbox.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, []string{string(models.AutomationEventPaymentFailed)}, h.publisher.published())
}

func TestReconciliation_SameTransactionPendingThenSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	customer, _ := h.seedPayingCustomer(t, "t1", "42")

	pending := paymobCallback(t, paymobObj(555, "t1-42", false, true, false), testHMACSecret)
	result, err := h.recon.HandlePaymobCallback(ctx, pending, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, models.PaymentStatusProcessing, result.Status)

	result, err = h.recon.HandlePaymobCallback(ctx, pending, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)

	result, err = h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, models.PaymentStatusSuccess, result.Status)

	stored, err := h.transactions.GetByMerchantOrderID(ctx, "t1-42")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
	require.NotNil(t, stored.PaidAt)

	tagged, err := h.customers.GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, tagged.HasTag(models.TagPaid))

	order, err := h.sales.GetByID(ctx, "t1", "42")
	require.NoError(t, err)
	assert.Equal(t, models.SalesStatusCompleted, order.Status)
	assert.Equal(t, []string{string(models.AutomationEventPaymentSuccess)}, h.publisher.published())

	// A late failed callback for the same id cannot undo success.
	result, err = h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(555, "t1-42", false, false, true), testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
	assert.Equal(t, models.PaymentStatusSuccess, result.Status)
}

func TestReconciliation_RejectsTamperedBody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	h.seedPayingCustomer(t, "t1", "42")

	obj := paymobObj(555, "t1-42", false, false, true)
	signed := paymobCallback(t, obj, testHMACSecret)

	// Flip the outcome after signing.
	obj["success"] = true
	obj["error_occured"] = false
	tampered := paymobCallback(t, obj, "another_secret")

	result, err := h.recon.HandlePaymobCallback(ctx, tampered, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, result.Outcome)

	_, err = h.webhooks.GetByExternalID(ctx, models.PlatformPaymob, "555:success")
	assert.Error(t, err, "rejected callbacks are not registered")

	stored, err := h.transactions.GetByMerchantOrderID(ctx, "t1-42")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)

	result, err = h.recon.HandlePaymobCallback(ctx, signed, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Equal(t, models.PaymentStatusFailed, result.Status)
}

func TestReconciliation_QueryHMAC(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	h.seedPayingCustomer(t, "t1", "42")

	signed := paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret)
	var callback PaymobCallback
	require.NoError(t, json.Unmarshal(signed, &callback))
	hmacValue := callback.HMAC
	callback.HMAC = ""
	body, err := json.Marshal(callback)
	require.NoError(t, err)

	result, err := h.recon.HandlePaymobCallback(ctx, body, hmacValue)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
}

func TestReconciliation_IgnoredAndInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")

	t.Run("unparseable body", func(t *testing.T) {
		_, err := h.recon.HandlePaymobCallback(ctx, []byte("not json"), "")
		assert.True(t, errors.Is(err, utils.ErrWebhookInvalidPayload))
	})

	t.Run("missing merchant reference", func(t *testing.T) {
		result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(1, "", true, false, false), testHMACSecret), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		assert.Equal(t, "missing merchant order id", result.Reason)
	})

	t.Run("missing transaction id", func(t *testing.T) {
		obj := paymobObj(1, "t1-42", true, false, false)
		delete(obj, "id")
		result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, obj, testHMACSecret), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		assert.Equal(t, "missing transaction id", result.Reason)
	})

	t.Run("tenant without config", func(t *testing.T) {
		result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(2, "t9-1", true, false, false), testHMACSecret), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(3, "t1-missing", true, false, false), testHMACSecret), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, result.Outcome)

		event, err := h.webhooks.GetByExternalID(ctx, models.PlatformPaymob, "3:success")
		require.NoError(t, err)
		assert.Equal(t, models.WebhookEventStatusFailed, event.Status)
	})
}

func TestReconciliation_SideEffectFailureKeepsStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	customer, _ := h.seedPayingCustomer(t, "t1", "42")
	h.sender.err = utils.ErrOutboundSendFailed

	result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	stored, err := h.transactions.GetByMerchantOrderID(ctx, "t1-42")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)

	tagged, err := h.customers.GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.True(t, tagged.HasTag(models.TagPaid))
	assert.Len(t, h.publisher.published(), 1, "later effects still run")
}

func TestReconciliation_NotifiesOnStaleConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedGatewayConfig(t, "t1")
	h.seedPayingCustomer(t, "t1", "42")

	// The customer last wrote two days ago.
	h.clock.Advance(48 * time.Hour)

	result, err := h.recon.HandlePaymobCallback(ctx, paymobCallback(t, paymobObj(555, "t1-42", true, false, false), testHMACSecret), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "psid-777", sent[0].Recipient)
}
