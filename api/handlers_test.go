package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/events"
	"github.com/malwarebo/inboxflow/middleware"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/providers"
	"github.com/malwarebo/inboxflow/security"
	"github.com/malwarebo/inboxflow/services"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAppSecret   = "meta_app_secret"
	testVerifyToken = "verify_me"
	testAPIKey      = "agent_api_key"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler       http.Handler
	customers     *stores.CustomerStore
	conversations *stores.ConversationStore
	channels      *stores.ChannelStore
	graphCalls    *int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t)
	clk := clock.NewManual(testNow)
	metrics := monitoring.NewMetrics()

	var graphCalls int32
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&graphCalls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"recipient_id": "psid-1", "message_id": "m_out_1"})
	}))
	t.Cleanup(graph.Close)

	key, err := security.GenerateEncryptionKey()
	require.NoError(t, err)
	encryption, err := security.CreateEncryptionManager(key)
	require.NoError(t, err)

	webhooks := stores.CreateWebhookStore(db)
	transactions := stores.CreateTransactionStore(db)
	customers := stores.CreateCustomerStore(db)
	conversations := stores.CreateConversationStore(db)
	messages := stores.CreateMessageStore(db)
	channels := stores.CreateChannelStore(db)
	rules := stores.CreateAutomationRuleStore(db)

	sender := providers.CreateMetaSender(graph.URL, "v20.0", graph.Client(), metrics)
	guard := services.CreateIdempotencyGuard(webhooks)
	outbound := services.CreateOutboundGuard(services.DefaultReplyWindow, clk)
	resolver := services.CreateGatewayConfigResolver(stores.CreateGatewayConfigStore(db), encryption)
	notifier := services.CreateNotifier(customers, conversations, channels, messages, sender)

	router := services.CreateRouter(services.RouterDeps{
		Customers:     customers,
		Conversations: conversations,
		Messages:      messages,
		Channels:      channels,
		Guard:         guard,
		Automation:    services.CreateAutomationMatcher(rules, channels, messages, sender, metrics),
		Metrics:       metrics,
		Clock:         clk,
	})
	recon := services.CreateReconciliationService(services.ReconciliationDeps{
		Transactions: transactions,
		Customers:    customers,
		Sales:        stores.CreateSalesStore(db),
		Configs:      resolver,
		Guard:        guard,
		Notifier:     notifier,
		Dispatcher:   events.CreateDispatcher(stores.CreateOutboxStore(db), events.LogPublisher{}, clk),
		Metrics:      metrics,
		Clock:        clk,
	})
	subs := services.CreateSubscriptionWebhookService(
		providers.CreateStripeVerifier("whsec_test"), stores.CreateSubscriptionStore(db), guard, metrics, clk,
	)
	messaging := services.CreateMessagingService(services.MessagingDeps{
		Conversations: conversations,
		Customers:     customers,
		Channels:      channels,
		Messages:      messages,
		Sender:        sender,
		Guard:         outbound,
		Clock:         clk,
	})
	payments := services.CreatePaymentService(transactions, resolver, providers.CreatePaymobRegistry(providers.PaymobOptions{Clock: clk}))

	handler := NewRouter(RouterDeps{
		Webhooks:      CreateWebhookHandler(router, recon, subs, MetaWebhookConfig{AppSecret: testAppSecret, VerifyToken: testVerifyToken}, metrics),
		Payments:      CreatePaymentHandler(payments),
		Conversations: CreateConversationHandler(messaging),
		Health:        CreateHealthHandler(monitoring.CreateHealthService("test")),
		Metrics:       metrics,
		Auth:          middleware.CreateAuthMiddleware(testAPIKey),
	})

	return &fixture{
		handler:       handler,
		customers:     customers,
		conversations: conversations,
		channels:      channels,
		graphCalls:    &graphCalls,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func apiRequest(method, path, tenantID string, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	if tenantID != "" {
		req.Header.Set(middleware.TenantIDHeader, tenantID)
	}
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestMetaVerify(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/webhooks/facebook?hub.mode=subscribe&hub.verify_token="+testVerifyToken+"&hub.challenge=1158201444", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1158201444", w.Body.String())

	w = f.do(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMetaEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.channels.Create(ctx, testutil.MockChannel("t1", models.SourceFacebook, "page_1")))

	body := []byte(`{"object":"page","entry":[{"id":"page_1","messaging":[{"sender":{"id":"psid-1"},"message":{"mid":"m_1","text":"hi"}}]}]}`)

	t.Run("bad signature is acknowledged but not stored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/facebook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", security.SignMetaBody(body, "other_secret"))
		w := f.do(req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "received", decodeBody(t, w)["status"])

		_, err := f.customers.FindByExternalID(ctx, "t1", "facebook", "psid-1")
		assert.True(t, stores.IsNotFound(err))
	})

	t.Run("signed delivery is stored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/facebook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", security.SignMetaBody(body, testAppSecret))
		w := f.do(req)
		assert.Equal(t, http.StatusOK, w.Code)

		customer, err := f.customers.FindByExternalID(ctx, "t1", "facebook", "psid-1")
		require.NoError(t, err)
		conv, err := f.conversations.FindOpen(ctx, "t1", customer.ID, models.SourceFacebook)
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadCount)
	})

	t.Run("unparseable body", func(t *testing.T) {
		bad := []byte(`{"object":`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/meta", bytes.NewReader(bad))
		req.Header.Set("X-Hub-Signature-256", security.SignMetaBody(bad, testAppSecret))
		w := f.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymobCallback(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodPost, "/webhooks/paymob", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["received"])

	body := `{"type":"TRANSACTION","obj":{"id":555,"success":true,"order":{"merchant_order_id":"t1-42"}},"hmac":"abc"}`
	w = f.do(httptest.NewRequest(http.MethodPost, "/webhooks/paymob", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, "ignored", resp["outcome"], "tenant has no gateway config")

	body = `{"type":"TRANSACTION","obj":{"id":556,"success":true,"order":{"id":9001}},"hmac":"abc"}`
	w = f.do(httptest.NewRequest(http.MethodPost, "/webhooks/paymob", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code, "unusable callbacks are acknowledged so the gateway stops retrying")
	resp = decodeBody(t, w)
	assert.Equal(t, false, resp["received"])
	assert.Equal(t, "rejected", resp["outcome"])
	assert.Equal(t, "missing merchant order id", resp["error"])
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := f.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentAPI_Auth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set(middleware.TenantIDHeader, "t1")
	w := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "missing API key")

	w = f.do(apiRequest(http.MethodGet, "/api/v1/conversations", "", ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "missing tenant")

	w = f.do(apiRequest(http.MethodGet, "/api/v1/conversations", "t1", ""))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAgentAPI_Payments(t *testing.T) {
	f := newFixture(t)

	w := f.do(apiRequest(http.MethodPost, "/api/v1/payments", "t1", `{"order_id":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(apiRequest(http.MethodPost, "/api/v1/payments", "t1", `{"order_id":"42","amount":-1,"customer_name":"Mona","customer_phone":"0100","payment_method":"card"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "amount")

	w = f.do(apiRequest(http.MethodPost, "/api/v1/payments", "t1", `{"order_id":"42","amount":100,"customer_name":"Mona","customer_phone":"0100","payment_method":"card"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(apiRequest(http.MethodGet, "/api/v1/payments/missing", "t1", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentAPI_SendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.channels.Create(ctx, testutil.MockChannel("t1", models.SourceFacebook, "page_1")))

	customer, _, err := f.customers.FindOrCreateBySender(ctx, "t1", models.SourceFacebook, "psid-1")
	require.NoError(t, err)

	fresh := testutil.MockConversation("t1", customer.ID, testNow.Add(-time.Hour))
	require.NoError(t, f.conversations.Create(ctx, fresh))

	w := f.do(apiRequest(http.MethodPost, "/api/v1/conversations/"+fresh.ID+"/messages", "t1", `{"content":"مرحبا"}`))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "m_out_1", decodeBody(t, w)["external_message_id"])
	assert.Equal(t, int32(1), atomic.LoadInt32(f.graphCalls))

	w = f.do(apiRequest(http.MethodPost, "/api/v1/conversations/"+fresh.ID+"/read", "t1", ""))
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(apiRequest(http.MethodGet, "/api/v1/conversations/"+fresh.ID+"/messages", "t1", ""))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["messages"], 1)

	other, _, err := f.customers.FindOrCreateBySender(ctx, "t1", models.SourceFacebook, "psid-2")
	require.NoError(t, err)
	stale := testutil.MockConversation("t1", other.ID, testNow.Add(-25*time.Hour))
	require.NoError(t, f.conversations.Create(ctx, stale))

	w = f.do(apiRequest(http.MethodPost, "/api/v1/conversations/"+stale.ID+"/messages", "t1", `{"content":"late"}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "24")

	w = f.do(apiRequest(http.MethodPost, "/api/v1/conversations/unknown/messages", "t1", `{"content":"x"}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])

	f.do(httptest.NewRequest(http.MethodPost, "/webhooks/facebook", strings.NewReader(`{}`)))

	w = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `inboxflow_webhook_events_total{outcome="rejected",platform="meta"} 1`)
}
