package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/events"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

const (
	reasonGatewayFailed        = "Payment failed"
	reasonUnknown              = "unknown error"
	reasonMissingMerchantRef   = "missing merchant order id"
	reasonMissingTransactionID = "missing transaction id"
)

// CallbackExternalID is the idempotency key of one Paymob callback delivery.
func CallbackExternalID(gatewayTxID string, status models.PaymentStatus) string {
	return gatewayTxID + ":" + string(status)
}

// PaymobCallback is the transaction-processed callback body.
type PaymobCallback struct {
	Type string          `json:"type"`
	Obj  json.RawMessage `json:"obj"`
	HMAC string          `json:"hmac"`
}

type paymobMessage struct {
	Message string `json:"message"`
}

type paymobTransaction struct {
	ID           json.Number `json:"id"`
	Success      bool        `json:"success"`
	Pending      bool        `json:"pending"`
	ErrorOccured bool        `json:"error_occured"`
	AmountCents  json.Number `json:"amount_cents"`
	Order        struct {
		ID              json.Number `json:"id"`
		MerchantOrderID string      `json:"merchant_order_id"`
	} `json:"order"`
	Data       paymobMessage `json:"data"`
	SourceData paymobMessage `json:"source_data"`
}

// CallbackFlags are the gateway fields that decide a transaction's status.
type CallbackFlags struct {
	Success      bool
	Pending      bool
	ErrorOccured bool
	Message      string
}

type statusRule struct {
	name    string
	matches func(CallbackFlags) bool
	status  models.PaymentStatus
	reason  func(CallbackFlags) string
}

// statusTable is evaluated top to bottom; the first matching row wins and the
// last row always matches.
var statusTable = []statusRule{
	{
		name:    "success",
		matches: func(f CallbackFlags) bool { return f.Success },
		status:  models.PaymentStatusSuccess,
	},
	{
		name:    "pending",
		matches: func(f CallbackFlags) bool { return f.Pending },
		status:  models.PaymentStatusProcessing,
	},
	{
		name:    "error",
		matches: func(f CallbackFlags) bool { return f.ErrorOccured },
		status:  models.PaymentStatusFailed,
		reason: func(f CallbackFlags) string {
			if f.Message != "" {
				return f.Message
			}
			return reasonGatewayFailed
		},
	},
	{
		name:    "fallback",
		matches: func(CallbackFlags) bool { return true },
		status:  models.PaymentStatusFailed,
		reason:  func(CallbackFlags) string { return reasonUnknown },
	},
}

// DeriveStatus maps callback flags to a status and, for failures, a reason.
func DeriveStatus(f CallbackFlags) (models.PaymentStatus, *string) {
	for _, rule := range statusTable {
		if !rule.matches(f) {
			continue
		}
		if rule.reason == nil {
			return rule.status, nil
		}
		reason := rule.reason(f)
		return rule.status, &reason
	}
	reason := reasonUnknown
	return models.PaymentStatusFailed, &reason
}

func (t paymobTransaction) flags() CallbackFlags {
	msg := t.Data.Message
	if msg == "" {
		msg = t.SourceData.Message
	}
	return CallbackFlags{
		Success:      t.Success,
		Pending:      t.Pending,
		ErrorOccured: t.ErrorOccured,
		Message:      msg,
	}
}

type CallbackResult struct {
	Outcome       IngestOutcome        `json:"outcome"`
	Status        models.PaymentStatus `json:"status,omitempty"`
	TransactionID string               `json:"transaction_id,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}

// ReconciliationService applies Paymob transaction callbacks to stored
// transactions. The status write is the durability boundary; side effects
// after it are best effort and never undo it.
type ReconciliationService struct {
	transactions *stores.TransactionStore
	customers    *stores.CustomerStore
	sales        *stores.SalesStore
	configs      *GatewayConfigResolver
	guard        *IdempotencyGuard
	notifier     *Notifier
	dispatcher   *events.Dispatcher
	metrics      *monitoring.Metrics
	clock        clock.Clock
}

type ReconciliationDeps struct {
	Transactions *stores.TransactionStore
	Customers    *stores.CustomerStore
	Sales        *stores.SalesStore
	Configs      *GatewayConfigResolver
	Guard        *IdempotencyGuard
	Notifier     *Notifier
	Dispatcher   *events.Dispatcher
	Metrics      *monitoring.Metrics
	Clock        clock.Clock
}

func CreateReconciliationService(deps ReconciliationDeps) *ReconciliationService {
	if deps.Metrics == nil {
		deps.Metrics = monitoring.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &ReconciliationService{
		transactions: deps.Transactions,
		customers:    deps.Customers,
		sales:        deps.Sales,
		configs:      deps.Configs,
		guard:        deps.Guard,
		notifier:     deps.Notifier,
		dispatcher:   deps.Dispatcher,
		metrics:      deps.Metrics,
		clock:        deps.Clock,
	}
}

// HandlePaymobCallback returns an error only for a body that is not JSON
// (utils.ErrWebhookInvalidPayload) or a store failure the gateway should retry.
// Callbacks that can never be applied come back as rejected or ignored.
// queryHMAC is used when the body carries no hmac field.
func (s *ReconciliationService) HandlePaymobCallback(ctx context.Context, rawBody []byte, queryHMAC string) (result CallbackResult, err error) {
	defer func() {
		if err == nil {
			s.metrics.RecordWebhookEvent(models.PlatformPaymob, string(result.Outcome))
		}
	}()

	var callback PaymobCallback
	if err := json.Unmarshal(rawBody, &callback); err != nil || len(callback.Obj) == 0 {
		return CallbackResult{}, utils.WrapAPIError(err, utils.ErrWebhookInvalidPayload)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(callback.Obj, &fields); err != nil {
		return CallbackResult{}, utils.WrapAPIError(err, utils.ErrWebhookInvalidPayload)
	}
	var txn paymobTransaction
	if err := json.Unmarshal(callback.Obj, &txn); err != nil {
		return CallbackResult{}, utils.WrapAPIError(err, utils.ErrWebhookInvalidPayload)
	}

	merchantRef := txn.Order.MerchantOrderID
	if merchantRef == "" {
		utils.Warn(ctx, "Paymob callback without merchant order reference", nil)
		return CallbackResult{Outcome: OutcomeRejected, Reason: reasonMissingMerchantRef}, nil
	}

	tenantID, _, ok := ParseMerchantOrderID(merchantRef)
	if !ok {
		utils.Warn(ctx, "Unroutable merchant order reference", map[string]interface{}{"merchant_order_id": merchantRef})
		return CallbackResult{Outcome: OutcomeIgnored, Reason: "unroutable merchant order reference"}, nil
	}
	ctx = utils.WithTenantID(ctx, tenantID)

	settings, err := s.configs.Resolve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, utils.ErrConfigMissing) {
			utils.Warn(ctx, "Paymob callback for tenant without gateway config", nil)
			return CallbackResult{Outcome: OutcomeIgnored, Reason: "gateway config missing"}, nil
		}
		return CallbackResult{}, err
	}

	received := callback.HMAC
	if received == "" {
		received = queryHMAC
	}
	if !security.VerifyPaymobHMAC(fields, received, settings.HMACSecret) {
		utils.Warn(ctx, "Paymob callback failed HMAC verification", map[string]interface{}{
			"merchant_order_id": merchantRef,
		})
		return CallbackResult{Outcome: OutcomeRejected, Reason: utils.ErrSignatureInvalid.Message}, nil
	}

	gatewayTxID := txn.ID.String()
	if gatewayTxID == "" {
		utils.Warn(ctx, "Paymob callback without transaction id", map[string]interface{}{
			"merchant_order_id": merchantRef,
		})
		return CallbackResult{Outcome: OutcomeRejected, Reason: reasonMissingTransactionID}, nil
	}

	// Paymob reuses the transaction id for the pending and the final callback,
	// so a delivery is identified by the id together with the derived status.
	status, reason := DeriveStatus(txn.flags())
	isNew, event, err := s.guard.Register(ctx, models.PlatformPaymob, CallbackExternalID(gatewayTxID, status), rawBody)
	if err != nil {
		return CallbackResult{}, err
	}
	if !isNew {
		return CallbackResult{Outcome: OutcomeDuplicate}, nil
	}

	update := models.StatusUpdate{
		Status:               status,
		GatewayTransactionID: gatewayTxID,
		FailureReason:        reason,
	}
	if status == models.PaymentStatusSuccess {
		paidAt := s.clock.Now().UTC()
		update.PaidAt = &paidAt
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(callback.Obj, &metadata); err == nil {
		update.Metadata = metadata
	}

	tx, transitioned, err := s.transactions.TransitionStatus(ctx, merchantRef, update)
	if err != nil {
		if stores.IsNotFound(err) {
			s.guard.Complete(ctx, event, tenantID, utils.ErrTransactionNotFound)
			utils.Warn(ctx, "Paymob callback for unknown transaction", map[string]interface{}{
				"merchant_order_id": merchantRef,
			})
			return CallbackResult{Outcome: OutcomeIgnored, Reason: utils.ErrTransactionNotFound.Message}, nil
		}
		s.guard.Complete(ctx, event, tenantID, err)
		return CallbackResult{}, utils.WrapError(err, "failed to update transaction")
	}

	if !transitioned {
		s.guard.Complete(ctx, event, tenantID, nil)
		utils.Info(ctx, "Transaction already final; callback not applied", map[string]interface{}{
			"transaction_id": tx.ID,
			"current_status": string(tx.Status),
			"callback_state": string(status),
		})
		return CallbackResult{
			Outcome:       OutcomeIgnored,
			Status:        tx.Status,
			TransactionID: tx.ID,
			Reason:        "transaction already final",
		}, nil
	}

	s.metrics.RecordPaymentTransition(string(status))
	utils.Info(ctx, "Transaction updated", map[string]interface{}{
		"transaction_id": tx.ID,
		"status":         string(tx.Status),
		"amount":         tx.Amount,
	})

	switch status {
	case models.PaymentStatusSuccess:
		s.applySuccess(ctx, tx)
	case models.PaymentStatusFailed:
		failureReason := ""
		if reason != nil {
			failureReason = *reason
		}
		s.applyFailure(ctx, tx, failureReason)
	}

	s.guard.Complete(ctx, event, tenantID, nil)

	out := CallbackResult{Outcome: OutcomeProcessed, Status: status, TransactionID: tx.ID}
	if reason != nil {
		out.Reason = *reason
	}
	return out, nil
}

func (s *ReconciliationService) applySuccess(ctx context.Context, tx *models.PaymentTransaction) {
	if tx.OrderID != nil && *tx.OrderID != "" {
		s.effect(ctx, tx, "complete_order", func() error {
			err := s.sales.MarkCompleted(ctx, tx.TenantID, *tx.OrderID)
			if stores.IsNotFound(err) {
				return nil
			}
			return err
		})
	}
	s.tagCustomer(ctx, tx, models.TagPaid)
	s.notify(ctx, tx, PaymentSuccessText(tx))
	s.fire(ctx, tx, models.AutomationEventPaymentSuccess)
}

func (s *ReconciliationService) applyFailure(ctx context.Context, tx *models.PaymentTransaction, reason string) {
	s.tagCustomer(ctx, tx, models.TagPaymentFailed)
	s.notify(ctx, tx, PaymentFailedText(reason))
	s.fire(ctx, tx, models.AutomationEventPaymentFailed)
}

func (s *ReconciliationService) tagCustomer(ctx context.Context, tx *models.PaymentTransaction, tag string) {
	if tx.CustomerID == nil || *tx.CustomerID == "" {
		return
	}
	s.effect(ctx, tx, "tag_customer", func() error {
		err := s.customers.AddTag(ctx, *tx.CustomerID, tag)
		if stores.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *ReconciliationService) notify(ctx context.Context, tx *models.PaymentTransaction, text string) {
	if s.notifier == nil {
		return
	}
	s.effect(ctx, tx, "notify_customer", func() error {
		_, err := s.notifier.NotifyPayment(ctx, tx, text)
		return err
	})
}

func (s *ReconciliationService) fire(ctx context.Context, tx *models.PaymentTransaction, eventType models.AutomationEventType) {
	if s.dispatcher == nil {
		return
	}
	s.effect(ctx, tx, string(eventType), func() error {
		payload := map[string]interface{}{
			"transaction_id":    tx.ID,
			"merchant_order_id": tx.MerchantOrderID,
			"amount":            tx.Amount,
			"currency":          tx.Currency,
			"status":            string(tx.Status),
		}
		if tx.CustomerID != nil {
			payload["customer_id"] = *tx.CustomerID
		}
		if tx.OrderID != nil {
			payload["order_id"] = *tx.OrderID
		}
		_, err := s.dispatcher.Fire(ctx, events.Event{
			TenantID:  tx.TenantID,
			Type:      eventType,
			DedupeKey: events.DedupeKey(eventType, tx.ID),
			Payload:   payload,
		})
		return err
	})
}

// effect runs one side effect in isolation; a failure or panic is logged and swallowed.
func (s *ReconciliationService) effect(ctx context.Context, tx *models.PaymentTransaction, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Error(ctx, "Payment side effect panicked", map[string]interface{}{
				"effect":         name,
				"transaction_id": tx.ID,
				"panic":          fmt.Sprint(r),
			})
		}
	}()
	if err := fn(); err != nil {
		utils.LogError(ctx, err, "Payment side effect failed", map[string]interface{}{
			"effect":         name,
			"transaction_id": tx.ID,
		})
	}
}
