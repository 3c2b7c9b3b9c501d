package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/malwarebo/inboxflow/clock"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/monitoring"
	"github.com/malwarebo/inboxflow/utils"
)

const (
	PaymobProdURL    = "https://accept.paymob.com/api"
	PaymobSandboxURL = "https://accept.paymobsolutions.com/api"
	PaymobCheckout   = "https://accept.paymob.com"

	paymobCurrency       = "EGP"
	paymobTokenTTL       = 50 * time.Minute
	paymobKeyExpiration  = 3600
	fawryReferenceLength = 16
	defaultLastName      = "Customer"
	defaultBillingEmail  = "customer@inboxflow.app"
	defaultPaymobTimeout = 30 * time.Second
	billingPlaceholder   = "NA"
	billingCity          = "Cairo"
	billingCountry       = "EG"
)

var methodExpiry = map[models.PaymentMethod]time.Duration{
	models.PaymentMethodCard:         time.Hour,
	models.PaymentMethodFawry:        48 * time.Hour,
	models.PaymentMethodVodafoneCash: 30 * time.Minute,
	models.PaymentMethodOrangeMoney:  30 * time.Minute,
	models.PaymentMethodEtisalatCash: 30 * time.Minute,
}

// PaymobCredentials are a tenant's decrypted gateway settings.
type PaymobCredentials struct {
	APIKey              string
	IntegrationIDCard   string
	IntegrationIDFawry  string
	IntegrationIDWallet string
	IframeID            string
}

type PaymobOptions struct {
	BaseURL      string
	CheckoutURL  string
	DefaultEmail string
	HTTPClient   *http.Client
	Clock        clock.Clock
	Metrics      *monitoring.Metrics
}

func (o PaymobOptions) withDefaults() PaymobOptions {
	if o.BaseURL == "" {
		o.BaseURL = PaymobProdURL
	}
	if o.CheckoutURL == "" {
		o.CheckoutURL = PaymobCheckout
	}
	if o.DefaultEmail == "" {
		o.DefaultEmail = defaultBillingEmail
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: defaultPaymobTimeout}
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Metrics == nil {
		o.Metrics = monitoring.Default()
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	o.CheckoutURL = strings.TrimRight(o.CheckoutURL, "/")
	return o
}

// PaymobClient drives auth, order registration and payment key issuance.
// The auth token is shared by concurrent callers.
type PaymobClient struct {
	creds PaymobCredentials
	opts  PaymobOptions

	authToken   string
	tokenExpiry time.Time
	tokenMu     sync.RWMutex
}

func CreatePaymobClient(creds PaymobCredentials, opts PaymobOptions) *PaymobClient {
	return &PaymobClient{creds: creds, opts: opts.withDefaults()}
}

type PaymentRequest struct {
	Amount          float64
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	MerchantOrderID string
	Method          models.PaymentMethod
}

// PaymentResult never carries a panic or transport error past CreatePayment;
// failures set Success false with Error and Err populated.
type PaymentResult struct {
	Success        bool
	PaymentURL     string
	ReferenceCode  string
	GatewayOrderID string
	ExpiresAt      *time.Time
	Error          string
	Err            error
}

type BillingCustomer struct {
	Name  string
	Phone string
	Email string
}

type paymobAuthResponse struct {
	Token string `json:"token"`
}

type paymobOrderRequest struct {
	AuthToken       string        `json:"auth_token"`
	DeliveryNeeded  bool          `json:"delivery_needed"`
	AmountCents     int64         `json:"amount_cents"`
	Currency        string        `json:"currency"`
	MerchantOrderID string        `json:"merchant_order_id"`
	Items           []interface{} `json:"items"`
}

type paymobOrderResponse struct {
	ID int64 `json:"id"`
}

type paymobBillingData struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	PhoneNumber    string `json:"phone_number"`
	Apartment      string `json:"apartment"`
	Floor          string `json:"floor"`
	Street         string `json:"street"`
	Building       string `json:"building"`
	ShippingMethod string `json:"shipping_method"`
	PostalCode     string `json:"postal_code"`
	City           string `json:"city"`
	Country        string `json:"country"`
	State          string `json:"state"`
}

type paymobPaymentKeyRequest struct {
	AuthToken     string            `json:"auth_token"`
	AmountCents   int64             `json:"amount_cents"`
	Expiration    int               `json:"expiration"`
	OrderID       int64             `json:"order_id"`
	BillingData   paymobBillingData `json:"billing_data"`
	Currency      string            `json:"currency"`
	IntegrationID int               `json:"integration_id"`
}

type paymobPaymentKeyResponse struct {
	Token string `json:"token"`
}

// AmountToCents converts major units to integer minor units, rounding half away from zero.
func AmountToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// SplitName returns the first token and the remainder. Single-token names
// get a placeholder last name.
func SplitName(name string) (string, string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return defaultLastName, defaultLastName
	}
	if len(parts) == 1 {
		return parts[0], defaultLastName
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func DigitsOnly(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Authenticate returns a cached token while it is fresh. The cache is only
// written after a complete, successful auth response.
func (c *PaymobClient) Authenticate(ctx context.Context) (string, error) {
	now := c.opts.Clock.Now()

	c.tokenMu.RLock()
	if c.authToken != "" && now.Before(c.tokenExpiry) {
		token := c.authToken
		c.tokenMu.RUnlock()
		return token, nil
	}
	c.tokenMu.RUnlock()

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.authToken != "" && c.opts.Clock.Now().Before(c.tokenExpiry) {
		return c.authToken, nil
	}

	started := time.Now()
	var authResp paymobAuthResponse
	err := c.post(ctx, "/auth/tokens", map[string]string{"api_key": c.creds.APIKey}, &authResp)
	c.opts.Metrics.ObserveGatewayStep("auth", started)
	if err == nil && authResp.Token == "" {
		err = fmt.Errorf("auth response carried no token")
	}
	c.opts.Metrics.RecordGatewayAuth(err == nil)
	if err != nil {
		return "", utils.WrapAPIError(err, utils.ErrGatewayAuthFailure)
	}

	c.authToken = authResp.Token
	c.tokenExpiry = c.opts.Clock.Now().Add(paymobTokenTTL)
	return c.authToken, nil
}

// RegisterOrder returns the gateway's own order id for merchantOrderID.
func (c *PaymobClient) RegisterOrder(ctx context.Context, authToken string, amount float64, merchantOrderID string) (int64, error) {
	started := time.Now()
	defer c.opts.Metrics.ObserveGatewayStep("register_order", started)

	var resp paymobOrderResponse
	err := c.post(ctx, "/ecommerce/orders", paymobOrderRequest{
		AuthToken:       authToken,
		DeliveryNeeded:  false,
		AmountCents:     AmountToCents(amount),
		Currency:        paymobCurrency,
		MerchantOrderID: merchantOrderID,
		Items:           []interface{}{},
	}, &resp)
	if err != nil {
		return 0, utils.WrapAPIError(fmt.Errorf("register order: %w", err), utils.ErrGatewayRequestFailure)
	}
	if resp.ID == 0 {
		return 0, utils.WrapAPIError(fmt.Errorf("register order: missing order id"), utils.ErrGatewayRequestFailure)
	}
	return resp.ID, nil
}

func (c *PaymobClient) IssuePaymentKey(ctx context.Context, authToken string, amount float64, orderID int64, customer BillingCustomer, integrationID string) (string, error) {
	started := time.Now()
	defer c.opts.Metrics.ObserveGatewayStep("payment_key", started)

	integration, err := strconv.Atoi(strings.TrimSpace(integrationID))
	if err != nil {
		return "", utils.WrapAPIError(fmt.Errorf("invalid integration id %q", integrationID), utils.ErrConfigMissing)
	}

	firstName, lastName := SplitName(customer.Name)
	email := customer.Email
	if email == "" {
		email = c.opts.DefaultEmail
	}

	var resp paymobPaymentKeyResponse
	err = c.post(ctx, "/acceptance/payment_keys", paymobPaymentKeyRequest{
		AuthToken:   authToken,
		AmountCents: AmountToCents(amount),
		Expiration:  paymobKeyExpiration,
		OrderID:     orderID,
		BillingData: paymobBillingData{
			FirstName:      firstName,
			LastName:       lastName,
			Email:          email,
			PhoneNumber:    DigitsOnly(customer.Phone),
			Apartment:      billingPlaceholder,
			Floor:          billingPlaceholder,
			Street:         billingPlaceholder,
			Building:       billingPlaceholder,
			ShippingMethod: billingPlaceholder,
			PostalCode:     billingPlaceholder,
			City:           billingCity,
			Country:        billingCountry,
			State:          billingCity,
		},
		Currency:      paymobCurrency,
		IntegrationID: integration,
	}, &resp)
	if err != nil {
		return "", utils.WrapAPIError(fmt.Errorf("issue payment key: %w", err), utils.ErrGatewayRequestFailure)
	}
	if resp.Token == "" {
		return "", utils.WrapAPIError(fmt.Errorf("issue payment key: missing token"), utils.ErrGatewayRequestFailure)
	}
	return resp.Token, nil
}

// CreatePayment runs the full flow for req.Method and shapes the issued token
// for the end user.
func (c *PaymobClient) CreatePayment(ctx context.Context, req PaymentRequest) PaymentResult {
	integrationID, err := c.integrationFor(req.Method)
	if err != nil {
		return failed(err)
	}

	token, err := c.Authenticate(ctx)
	if err != nil {
		return failed(err)
	}

	orderID, err := c.RegisterOrder(ctx, token, req.Amount, req.MerchantOrderID)
	if err != nil {
		return failed(err)
	}

	paymentToken, err := c.IssuePaymentKey(ctx, token, req.Amount, orderID, BillingCustomer{
		Name:  req.CustomerName,
		Phone: req.CustomerPhone,
		Email: req.CustomerEmail,
	}, integrationID)
	if err != nil {
		return failed(err)
	}

	expiresAt := c.opts.Clock.Now().Add(methodExpiry[req.Method])
	result := PaymentResult{
		Success:        true,
		GatewayOrderID: strconv.FormatInt(orderID, 10),
		ExpiresAt:      &expiresAt,
	}

	switch {
	case req.Method == models.PaymentMethodCard:
		result.PaymentURL = fmt.Sprintf("%s/api/acceptance/iframes/%s?payment_token=%s", c.opts.CheckoutURL, c.creds.IframeID, paymentToken)
	case req.Method == models.PaymentMethodFawry:
		result.PaymentURL = fmt.Sprintf("%s/fawry?payment_token=%s", c.opts.CheckoutURL, paymentToken)
		result.ReferenceCode = FawryReference(paymentToken)
	case req.Method.IsWallet():
		result.PaymentURL = fmt.Sprintf("%s/api/acceptance/post_pay?payment_token=%s", c.opts.CheckoutURL, paymentToken)
	}
	return result
}

// FawryReference is the trailing 16 characters of the issued payment token.
func FawryReference(token string) string {
	if len(token) <= fawryReferenceLength {
		return token
	}
	return token[len(token)-fawryReferenceLength:]
}

func (c *PaymobClient) integrationFor(method models.PaymentMethod) (string, error) {
	var id string
	switch {
	case method == models.PaymentMethodCard:
		id = c.creds.IntegrationIDCard
	case method == models.PaymentMethodFawry:
		id = c.creds.IntegrationIDFawry
	case method.IsWallet():
		id = c.creds.IntegrationIDWallet
	default:
		return "", utils.WrapAPIError(fmt.Errorf("method %q", method), utils.ErrUnsupportedPaymentMethod)
	}
	if id == "" {
		return "", utils.WrapAPIError(fmt.Errorf("no integration id for %s", method), utils.ErrConfigMissing)
	}
	return id, nil
}

func failed(err error) PaymentResult {
	return PaymentResult{Success: false, Error: utils.PublicMessage(err), Err: err}
}

func (c *PaymobClient) post(ctx context.Context, path string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("paymob API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
