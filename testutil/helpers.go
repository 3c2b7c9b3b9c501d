package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malwarebo/inboxflow/db"
	"github.com/malwarebo/inboxflow/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter int64

// NewTestDB returns a migrated in-memory SQLite database private to t.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, atomic.AddInt64(&dbCounter, 1))

	gdb, err := gorm.Open(sqlite.Open(dsn), db.GormConfig(logger.Silent))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func MockContext() context.Context {
	return context.Background()
}

func MockContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func MockCustomer(tenantID string) *models.Customer {
	return &models.Customer{
		TenantID: tenantID,
		Name:     "Mona Adel",
		Phone:    "201001234567",
	}
}

func MockConversation(tenantID, customerID string, lastMessageAt time.Time) *models.Conversation {
	return &models.Conversation{
		TenantID:      tenantID,
		CustomerID:    customerID,
		ChannelID:     "page_1",
		Source:        models.SourceFacebook,
		Status:        models.ConversationStatusOpen,
		LastMessageAt: lastMessageAt,
	}
}

func MockChannel(tenantID string, platform models.Source, platformID string) *models.Channel {
	return &models.Channel{
		TenantID:   tenantID,
		Platform:   platform,
		PlatformID: platformID,
		Name:       "Test " + platform.DisplayName(),
		Token:      "page_token_123",
		Status:     models.ChannelStatusConnected,
	}
}

func MockTransaction(tenantID, orderID string) *models.PaymentTransaction {
	return &models.PaymentTransaction{
		TenantID:        tenantID,
		OrderID:         &orderID,
		MerchantOrderID: tenantID + "-" + orderID,
		PaymentMethod:   models.PaymentMethodCard,
		Amount:          150.5,
		Currency:        "EGP",
		Status:          models.PaymentStatusPending,
	}
}

// MustCreate inserts v or fails the test.
func MustCreate(t *testing.T, gdb *gorm.DB, v interface{}) {
	t.Helper()
	if err := gdb.Create(v).Error; err != nil {
		t.Fatalf("create %T: %v", v, err)
	}
}
