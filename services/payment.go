package services

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/malwarebo/inboxflow/models"
	"github.com/malwarebo/inboxflow/providers"
	"github.com/malwarebo/inboxflow/stores"
	"github.com/malwarebo/inboxflow/utils"
)

var ErrPaymentAlreadyInitiated = utils.NewAPIError(http.StatusConflict, "Payment already initiated for this order")

// MerchantOrderID builds the gateway reference "{tenant_id}-{order_id}-{attempt}".
// Paymob refuses a merchant_order_id it has already registered, so every
// attempt for an order gets its own reference.
func MerchantOrderID(tenantID, orderID string, attempt int) string {
	return tenantID + "-" + orderID + "-" + strconv.Itoa(attempt)
}

// ParseMerchantOrderID splits a merchant reference into the tenant id and the
// rest of the reference. UUID tenant ids contain hyphens themselves, so a
// leading UUID is taken whole; otherwise the tenant id ends at the first hyphen.
func ParseMerchantOrderID(ref string) (string, string, bool) {
	if len(ref) > 37 && ref[36] == '-' {
		if _, err := uuid.Parse(ref[:36]); err == nil {
			return ref[:36], ref[37:], true
		}
	}
	tenantID, rest, found := strings.Cut(ref, "-")
	if !found || tenantID == "" || rest == "" {
		return "", "", false
	}
	return tenantID, rest, true
}

type PaymentService struct {
	transactions *stores.TransactionStore
	configs      *GatewayConfigResolver
	gateways     *providers.PaymobRegistry
}

func CreatePaymentService(transactions *stores.TransactionStore, configs *GatewayConfigResolver, gateways *providers.PaymobRegistry) *PaymentService {
	return &PaymentService{
		transactions: transactions,
		configs:      configs,
		gateways:     gateways,
	}
}

// Initiate persists a pending transaction and creates the payment at the
// gateway. A new attempt is refused while an earlier attempt for the same
// order is pending, processing or paid. Gateway failures come back as a result with Success false; only
// invalid input, missing config and store failures are returned as errors.
func (s *PaymentService) Initiate(ctx context.Context, tenantID string, req *models.InitiatePaymentRequest) (*models.InitiatePaymentResponse, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}

	settings, err := s.configs.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	attempts, err := s.transactions.ListByOrder(ctx, tenantID, req.OrderID)
	if err != nil {
		return nil, utils.WrapError(err, "failed to load payment attempts")
	}
	for _, attempt := range attempts {
		if attempt.Status != models.PaymentStatusFailed {
			return nil, ErrPaymentAlreadyInitiated
		}
	}

	orderID := req.OrderID
	tx := &models.PaymentTransaction{
		TenantID:        tenantID,
		OrderID:         &orderID,
		MerchantOrderID: MerchantOrderID(tenantID, req.OrderID, len(attempts)+1),
		PaymentMethod:   req.PaymentMethod,
		Amount:          req.Amount,
		Currency:        "EGP",
		Status:          models.PaymentStatusPending,
	}
	if req.CustomerID != "" {
		customerID := req.CustomerID
		tx.CustomerID = &customerID
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		if stores.IsDuplicate(err) {
			return nil, ErrPaymentAlreadyInitiated
		}
		return nil, utils.WrapError(err, "failed to store payment transaction")
	}

	client := s.gateways.Client(tenantID, settings.Credentials)
	result := client.CreatePayment(ctx, providers.PaymentRequest{
		Amount:          req.Amount,
		CustomerName:    req.CustomerName,
		CustomerPhone:   req.CustomerPhone,
		CustomerEmail:   req.CustomerEmail,
		MerchantOrderID: tx.MerchantOrderID,
		Method:          req.PaymentMethod,
	})

	if !result.Success {
		s.recordFailure(ctx, tx, result)
		return &models.InitiatePaymentResponse{
			Success:       false,
			TransactionID: tx.ID,
			Error:         result.Error,
		}, nil
	}

	tx.GatewayOrderID = result.GatewayOrderID
	tx.PaymentURL = result.PaymentURL
	tx.ReferenceCode = result.ReferenceCode
	tx.ExpiresAt = result.ExpiresAt
	if err := s.transactions.SetGatewayDetails(ctx, tx); err != nil {
		utils.LogError(ctx, err, "Failed to store gateway details", map[string]interface{}{
			"transaction_id": tx.ID,
		})
	}

	utils.Info(ctx, "Payment initiated", map[string]interface{}{
		"transaction_id":   tx.ID,
		"gateway_order_id": tx.GatewayOrderID,
		"method":           string(tx.PaymentMethod),
	})

	return &models.InitiatePaymentResponse{
		Success:       true,
		TransactionID: tx.ID,
		PaymentURL:    tx.PaymentURL,
		ReferenceCode: tx.ReferenceCode,
		ExpiresAt:     tx.ExpiresAt,
	}, nil
}

func (s *PaymentService) recordFailure(ctx context.Context, tx *models.PaymentTransaction, result providers.PaymentResult) {
	reason := result.Error
	_, _, err := s.transactions.TransitionStatus(ctx, tx.MerchantOrderID, models.StatusUpdate{
		Status:        models.PaymentStatusFailed,
		FailureReason: &reason,
	})
	if err != nil {
		utils.LogError(ctx, err, "Failed to record failed payment attempt", map[string]interface{}{
			"transaction_id": tx.ID,
		})
	}

	fields := map[string]interface{}{"transaction_id": tx.ID}
	if result.Err != nil {
		fields["error"] = result.Err
	}
	utils.Warn(ctx, "Payment initiation failed", fields)
}

func (s *PaymentService) GetTransaction(ctx context.Context, tenantID, id string) (*models.PaymentTransaction, error) {
	tx, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		if stores.IsNotFound(err) {
			return nil, utils.ErrTransactionNotFound
		}
		return nil, err
	}
	if tx.TenantID != tenantID {
		return nil, utils.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *PaymentService) ListTransactions(ctx context.Context, tenantID string, status *models.PaymentStatus, limit, offset int) ([]*models.PaymentTransaction, error) {
	return s.transactions.ListByTenant(ctx, tenantID, status, limit, offset)
}

// IsConfigMissing reports whether err means the tenant has no usable gateway config.
func IsConfigMissing(err error) bool {
	return errors.Is(err, utils.ErrConfigMissing)
}
