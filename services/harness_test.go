package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/events"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testHMACSecret = "paymob_hmac_secret"
	testAPIKey     = "paymob_api_key"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	ChannelID string
	Recipient string
	Text      string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	seq  int
}

func (f *fakeSender) Send(_ context.Context, channel *models.Channel, recipientID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.seq++
	f.sent = append(f.sent, sentMessage{ChannelID: channel.ID, Recipient: recipientID, Text: text})
	return fmt.Sprintf("out.%d", f.seq), nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type countingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *countingPublisher) Publish(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *countingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type harness struct {
	db            *gorm.DB
	clock         *clock.Manual
	metrics       *monitoring.Metrics
	sender        *fakeSender
	publisher     *countingPublisher
	encryption    *security.EncryptionManager
	webhooks      *stores.WebhookStore
	transactions  *stores.TransactionStore
	customers     *stores.CustomerStore
	conversations *stores.ConversationStore
	messages      *stores.MessageStore
	channels      *stores.ChannelStore
	rules         *stores.AutomationRuleStore
	sales         *stores.SalesStore
	configs       *stores.GatewayConfigStore
	outbox        *stores.OutboxStore
	subscriptions *stores.SubscriptionStore
	guard         *IdempotencyGuard
	resolver      *GatewayConfigResolver
	automation    *AutomationMatcher
	notifier      *Notifier
	router        *Router
	recon         *ReconciliationService
	messaging     *MessagingService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewTestDB(t)
	key, err := security.GenerateEncryptionKey()
	require.NoError(t, err)
	encryption, err := security.CreateEncryptionManager(key)
	require.NoError(t, err)

	h := &harness{
		db:            db,
		clock:         clock.NewManual(testNow),
		metrics:       monitoring.NewMetrics(),
		sender:        &fakeSender{},
		publisher:     &countingPublisher{},
		encryption:    encryption,
		webhooks:      stores.CreateWebhookStore(db),
		transactions:  stores.CreateTransactionStore(db),
		customers:     stores.CreateCustomerStore(db),
		conversations: stores.CreateConversationStore(db),
		messages:      stores.CreateMessageStore(db),
		channels:      stores.CreateChannelStore(db),
		rules:         stores.CreateAutomationRuleStore(db),
		sales:         stores.CreateSalesStore(db),
		configs:       stores.CreateGatewayConfigStore(db),
		outbox:        stores.CreateOutboxStore(db),
		subscriptions: stores.CreateSubscriptionStore(db),
	}

	guard := CreateOutboundGuard(DefaultReplyWindow, h.clock)
	h.guard = CreateIdempotencyGuard(h.webhooks)
	h.resolver = CreateGatewayConfigResolver(h.configs, encryption)
	h.automation = CreateAutomationMatcher(h.rules, h.channels, h.messages, h.sender, h.metrics)
	h.notifier = CreateNotifier(h.customers, h.conversations, h.channels, h.messages, h.sender)
	h.router = CreateRouter(RouterDeps{
		Customers:     h.customers,
		Conversations: h.conversations,
		Messages:      h.messages,
		Channels:      h.channels,
		Guard:         h.guard,
		Automation:    h.automation,
		Metrics:       h.metrics,
		Clock:         h.clock,
	})
	h.recon = CreateReconciliationService(ReconciliationDeps{
		Transactions: h.transactions,
		Customers:    h.customers,
		Sales:        h.sales,
		Configs:      h.resolver,
		Guard:        h.guard,
		Notifier:     h.notifier,
		Dispatcher:   events.CreateDispatcher(h.outbox, h.publisher, h.clock),
		Metrics:      h.metrics,
		Clock:        h.clock,
	})
	h.messaging = CreateMessagingService(MessagingDeps{
		Conversations: h.conversations,
		Customers:     h.customers,
		Channels:      h.channels,
		Messages:      h.messages,
		Sender:        h.sender,
		Guard:         guard,
		Clock:         h.clock,
	})
	return h
}

func (h *harness) seedGatewayConfig(t *testing.T, tenantID string) {
	t.Helper()
	apiKey, err := h.encryption.Encrypt(testAPIKey)
	require.NoError(t, err)
	hmacSecret, err := h.encryption.Encrypt(testHMACSecret)
	require.NoError(t, err)
	require.NoError(t, h.configs.Upsert(context.Background(), &models.GatewayConfig{
		TenantID:            tenantID,
		APIKeyEncrypted:     apiKey,
		IntegrationIDCard:   "101",
		IntegrationIDFawry:  "102",
		IntegrationIDWallet: "103",
		IframeID:            "777",
		HMACSecretEncrypted: hmacSecret,
	}))
}

// seedPayingCustomer creates a Messenger customer with a fresh conversation,
// a connected page and a pending transaction for order orderID.
func (h *harness) seedPayingCustomer(t *testing.T, tenantID, orderID string) (*models.Customer, *models.PaymentTransaction) {
	t.Helper()
	ctx := context.Background()

	customer, _, err := h.customers.FindOrCreateBySender(ctx, tenantID, models.SourceFacebook, "psid-777")
	require.NoError(t, err)

	conv := testutil.MockConversation(tenantID, customer.ID, h.clock.Now().Add(-time.Hour))
	require.NoError(t, h.conversations.Create(ctx, conv))
	require.NoError(t, h.channels.Create(ctx, testutil.MockChannel(tenantID, models.SourceFacebook, "page_"+tenantID)))

	require.NoError(t, h.sales.Create(ctx, &models.SalesRecord{ID: orderID, TenantID: tenantID, CustomerID: &customer.ID, Amount: 150.5}))

	tx := testutil.MockTransaction(tenantID, orderID)
	tx.CustomerID = &customer.ID
	require.NoError(t, h.transactions.Create(ctx, tx))
	return customer, tx
}

// paymobCallback builds a signed callback body for obj.
func paymobCallback(t *testing.T, obj map[string]interface{}, secret string) []byte {
	t.Helper()
	objJSON, err := json.Marshal(obj)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(objJSON, &fields))

	body, err := json.Marshal(map[string]interface{}{
		"type": "TRANSACTION",
		"obj":  json.RawMessage(objJSON),
		"hmac": security.PaymobHMAC(fields, secret),
	})
	require.NoError(t, err)
	return body
}

func paymobObj(id int, merchantOrderID string, success, pending, errorOccured bool) map[string]interface{} {
	return map[string]interface{}{
		"id":                     id,
		"amount_cents":           15050,
		"created_at":             "2026-03-10T12:00:00.000000",
		"currency":               "EGP",
		"error_occured":          errorOccured,
		"has_parent_transaction": false,
		"integration_id":         101,
		"is_3d_secure":           true,
		"is_auth":                false,
		"is_capture":             false,
		"is_refunded":            false,
		"is_standalone_payment":  true,
		"is_voided":              false,
		"order": map[string]interface{}{
			"id":                9001,
			"merchant_order_id": merchantOrderID,
		},
		"owner":   4242,
		"pending": pending,
		"source_data": map[string]interface{}{
			"pan":      "2346",
			"sub_type": "MasterCard",
			"type":     "card",
		},
		"success": success,
	}
}
