package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPaymentToken = "ZXlKMGVYQWlPaUpLVjFRaUxDSmhiR2NpT2lKSVV6VXhNaUo5abcdefghijklmnop"

type fakePaymob struct {
	authCalls  int32
	authStatus int
	orderBody  map[string]interface{}
	keyBody    map[string]interface{}
	mu         sync.Mutex
}

func (f *fakePaymob) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.authCalls, 1)
		if f.authStatus != 0 {
			w.WriteHeader(f.authStatus)
			return
		}
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "api_key_1", body["api_key"])
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "auth_token_1"})
	})
	mux.HandleFunc("/ecommerce/orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.orderBody = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 217503754})
	})
	mux.HandleFunc("/acceptance/payment_keys", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.keyBody = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": testPaymentToken})
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakePaymob, clk clock.Clock) *PaymobClient {
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	return CreatePaymobClient(PaymobCredentials{
		APIKey:              "api_key_1",
		IntegrationIDCard:   "4412",
		IntegrationIDFawry:  "4413",
		IntegrationIDWallet: "4414",
		IframeID:            "830",
	}, PaymobOptions{
		BaseURL:     server.URL,
		CheckoutURL: "https://accept.paymob.com",
		Clock:       clk,
		Metrics:     monitoring.NewMetrics(),
	})
}

func TestAmountToCents(t *testing.T) {
	tests := []struct {
		amount float64
		want   int64
	}{
		{amount: 150.5, want: 15050},
		{amount: 10.999, want: 1100},
		{amount: 0.5, want: 50},
		{amount: 99.994, want: 9999},
		{amount: 100, want: 10000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, AmountToCents(tt.amount), "amount %v", tt.amount)
	}
}

func TestSplitName(t *testing.T) {
	first, last := SplitName("Mona")
	assert.Equal(t, "Mona", first)
	assert.Equal(t, "Customer", last)

	first, last = SplitName("  Ahmed  Samir Ali ")
	assert.Equal(t, "Ahmed", first)
	assert.Equal(t, "Samir Ali", last)
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "201001234567", DigitsOnly("+20 100-123-4567"))
}

func TestPaymobClient_TokenReuseAndExpiry(t *testing.T) {
	fake := &fakePaymob{}
	clk := clock.NewManual(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	client := newTestClient(t, fake, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := client.Authenticate(ctx)
		require.NoError(t, err)
		assert.Equal(t, "auth_token_1", token)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.authCalls))

	clk.Advance(49 * time.Minute)
	_, err := client.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.authCalls))

	clk.Advance(2 * time.Minute)
	_, err = client.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.authCalls))
}

func TestPaymobClient_ConcurrentAuthenticateCallsOnce(t *testing.T) {
	fake := &fakePaymob{}
	client := newTestClient(t, fake, clock.System{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Authenticate(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.authCalls))
}

func TestPaymobClient_AuthFailureLeavesCacheEmpty(t *testing.T) {
	fake := &fakePaymob{authStatus: http.StatusUnauthorized}
	client := newTestClient(t, fake, clock.System{})

	_, err := client.Authenticate(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrGatewayAuthFailure))

	fake.authStatus = 0
	token, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "auth_token_1", token)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.authCalls))
}

func TestPaymobClient_CreatePayment(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		method        models.PaymentMethod
		integrationID float64
		wantURL       string
		wantReference string
		wantExpiry    time.Duration
	}{
		{
			name:          "card",
			method:        models.PaymentMethodCard,
			integrationID: 4412,
			wantURL:       "https://accept.paymob.com/api/acceptance/iframes/830?payment_token=" + testPaymentToken,
			wantExpiry:    time.Hour,
		},
		{
			name:          "fawry",
			method:        models.PaymentMethodFawry,
			integrationID: 4413,
			wantURL:       "https://accept.paymob.com/fawry?payment_token=" + testPaymentToken,
			wantReference: "abcdefghijklmnop",
			wantExpiry:    48 * time.Hour,
		},
		{
			name:          "vodafone cash",
			method:        models.PaymentMethodVodafoneCash,
			integrationID: 4414,
			wantURL:       "https://accept.paymob.com/api/acceptance/post_pay?payment_token=" + testPaymentToken,
			wantExpiry:    30 * time.Minute,
		},
		{
			name:          "etisalat cash",
			method:        models.PaymentMethodEtisalatCash,
			integrationID: 4414,
			wantURL:       "https://accept.paymob.com/api/acceptance/post_pay?payment_token=" + testPaymentToken,
			wantExpiry:    30 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakePaymob{}
			client := newTestClient(t, fake, clock.NewManual(now))

			result := client.CreatePayment(context.Background(), PaymentRequest{
				Amount:          150.5,
				CustomerName:    "Mona",
				CustomerPhone:   "+20 100 123 4567",
				MerchantOrderID: "t1-42",
				Method:          tt.method,
			})

			require.True(t, result.Success, result.Error)
			assert.Equal(t, tt.wantURL, result.PaymentURL)
			assert.Equal(t, tt.wantReference, result.ReferenceCode)
			assert.Equal(t, "217503754", result.GatewayOrderID)
			require.NotNil(t, result.ExpiresAt)
			assert.Equal(t, now.Add(tt.wantExpiry), *result.ExpiresAt)

			assert.Equal(t, float64(15050), fake.orderBody["amount_cents"])
			assert.Equal(t, "t1-42", fake.orderBody["merchant_order_id"])
			assert.Equal(t, "EGP", fake.orderBody["currency"])
			assert.Equal(t, false, fake.orderBody["delivery_needed"])

			assert.Equal(t, tt.integrationID, fake.keyBody["integration_id"])
			assert.Equal(t, float64(217503754), fake.keyBody["order_id"])
			assert.Equal(t, float64(3600), fake.keyBody["expiration"])
			billing := fake.keyBody["billing_data"].(map[string]interface{})
			assert.Equal(t, "Mona", billing["first_name"])
			assert.Equal(t, "Customer", billing["last_name"])
			assert.Equal(t, "201001234567", billing["phone_number"])
			assert.Equal(t, "customer@inboxflow.app", billing["email"])
			assert.Equal(t, "EG", billing["country"])
		})
	}
}

func TestPaymobClient_CreatePaymentFailures(t *testing.T) {
	t.Run("unsupported method", func(t *testing.T) {
		client := newTestClient(t, &fakePaymob{}, clock.System{})
		result := client.CreatePayment(context.Background(), PaymentRequest{Amount: 10, Method: "bitcoin"})
		assert.False(t, result.Success)
		assert.True(t, errors.Is(result.Err, utils.ErrUnsupportedPaymentMethod))
	})

	t.Run("auth failure", func(t *testing.T) {
		client := newTestClient(t, &fakePaymob{authStatus: http.StatusInternalServerError}, clock.System{})
		result := client.CreatePayment(context.Background(), PaymentRequest{Amount: 10, Method: models.PaymentMethodCard})
		assert.False(t, result.Success)
		assert.Equal(t, utils.ErrGatewayAuthFailure.Message, result.Error)
	})

	t.Run("order registration failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/auth/tokens") {
				_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"duplicate merchant_order_id"}`))
		}))
		defer server.Close()

		client := CreatePaymobClient(PaymobCredentials{APIKey: "k", IntegrationIDCard: "1"}, PaymobOptions{
			BaseURL: server.URL,
			Metrics: monitoring.NewMetrics(),
		})
		result := client.CreatePayment(context.Background(), PaymentRequest{Amount: 10, Method: models.PaymentMethodCard, MerchantOrderID: "t1-1"})
		assert.False(t, result.Success)
		assert.True(t, errors.Is(result.Err, utils.ErrGatewayRequestFailure))
	})

	t.Run("missing integration id", func(t *testing.T) {
		client := CreatePaymobClient(PaymobCredentials{APIKey: "k"}, PaymobOptions{Metrics: monitoring.NewMetrics()})
		result := client.CreatePayment(context.Background(), PaymentRequest{Amount: 10, Method: models.PaymentMethodFawry})
		assert.False(t, result.Success)
		assert.True(t, errors.Is(result.Err, utils.ErrConfigMissing))
	})
}

func TestPaymobClient_TimeoutDoesNotCacheToken(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "late_token"})
	}))
	defer server.Close()
	defer close(release)

	client := CreatePaymobClient(PaymobCredentials{APIKey: "k"}, PaymobOptions{
		BaseURL: server.URL,
		Metrics: monitoring.NewMetrics(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Authenticate(ctx)
	require.Error(t, err)

	client.tokenMu.RLock()
	cached := client.authToken
	client.tokenMu.RUnlock()
	assert.Empty(t, cached)
}

func TestFawryReference(t *testing.T) {
	assert.Equal(t, "abcdefghijklmnop", FawryReference("xyz_abcdefghijklmnop"))
	assert.Equal(t, "short", FawryReference("short"))
}

func TestPaymobRegistry_ClientPerTenant(t *testing.T) {
	registry := CreatePaymobRegistry(PaymobOptions{Metrics: monitoring.NewMetrics()})
	creds := PaymobCredentials{APIKey: "k1"}

	a := registry.Client("t1", creds)
	assert.Same(t, a, registry.Client("t1", creds))
	assert.NotSame(t, a, registry.Client("t2", creds))

	rotated := registry.Client("t1", PaymobCredentials{APIKey: "k2"})
	assert.NotSame(t, a, rotated)
	assert.Same(t, rotated, registry.Client("t1", PaymobCredentials{APIKey: "k2"}))
}
