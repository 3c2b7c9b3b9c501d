package stores

import (
	"context"

	"github.com/malwarebo/inboxflow/models"
	"gorm.io/gorm"
)

type TransactionStore struct {
	BaseStore
}

func CreateTransactionStore(db *gorm.DB) *TransactionStore {
	return &TransactionStore{BaseStore: BaseStore{db: db}}
}

func (s *TransactionStore) Create(ctx context.Context, tx *models.PaymentTransaction) error {
	return s.GetDB(ctx).Create(tx).Error
}

func (s *TransactionStore) GetByID(ctx context.Context, id string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.GetDB(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *TransactionStore) GetByMerchantOrderID(ctx context.Context, merchantOrderID string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.primary(ctx).First(&tx, "merchant_order_id = ?", merchantOrderID).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListByOrder returns every payment attempt for an order, oldest first.
func (s *TransactionStore) ListByOrder(ctx context.Context, tenantID, orderID string) ([]*models.PaymentTransaction, error) {
	var txs []*models.PaymentTransaction
	if err := s.primary(ctx).
		Where("tenant_id = ? AND order_id = ?", tenantID, orderID).
		Order("created_at ASC").
		Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// SetGatewayDetails stores what the gateway returned when the payment was initiated.
func (s *TransactionStore) SetGatewayDetails(ctx context.Context, tx *models.PaymentTransaction) error {
	return s.GetDB(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ?", tx.ID).
		Updates(map[string]interface{}{
			"gateway_order_id": tx.GatewayOrderID,
			"payment_url":      tx.PaymentURL,
			"reference_code":   tx.ReferenceCode,
			"expires_at":       tx.ExpiresAt,
		}).Error
}

// TransitionStatus applies update only while the transaction is non-terminal.
// transitioned is false when the row was already terminal; the current row is
// returned either way. gorm.ErrRecordNotFound is returned for unknown ids.
func (s *TransactionStore) TransitionStatus(ctx context.Context, merchantOrderID string, update models.StatusUpdate) (*models.PaymentTransaction, bool, error) {
	updates := map[string]interface{}{
		"status": update.Status,
	}
	if update.GatewayTransactionID != "" {
		updates["gateway_transaction_id"] = update.GatewayTransactionID
	}
	if update.FailureReason != nil {
		updates["failure_reason"] = *update.FailureReason
	}
	if update.PaidAt != nil {
		updates["paid_at"] = *update.PaidAt
	}
	if update.Metadata != nil {
		updates["metadata"] = update.Metadata
	}

	result := s.GetDB(ctx).Model(&models.PaymentTransaction{}).
		Where("merchant_order_id = ? AND status NOT IN ?", merchantOrderID, models.TerminalPaymentStatuses).
		Updates(updates)
	if result.Error != nil {
		return nil, false, result.Error
	}

	current, err := s.GetByMerchantOrderID(ctx, merchantOrderID)
	if err != nil {
		return nil, false, err
	}
	return current, result.RowsAffected > 0, nil
}

func (s *TransactionStore) ListByTenant(ctx context.Context, tenantID string, status *models.PaymentStatus, limit, offset int) ([]*models.PaymentTransaction, error) {
	var txs []*models.PaymentTransaction
	query := s.GetDB(ctx).Where("tenant_id = ?", tenantID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Order("created_at DESC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}
