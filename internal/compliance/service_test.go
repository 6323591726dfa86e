package compliance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/pkg/models"
)

type stubPayments struct {
	refunds []decimal.Decimal
}

func (s *stubPayments) CreateCheckoutSession(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, currency string) (string, error) {
	return "sess_" + orderID.String()[:8], nil
}

func (s *stubPayments) CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal, reason string) (string, error) {
	s.refunds = append(s.refunds, amount)
	return "re_" + uuid.NewString()[:8], nil
}

func (s *stubPayments) SubmitDisputeEvidence(ctx context.Context, processorRef, evidenceRef, note string) error {
	return nil
}

const testHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func setupComplianceService(t *testing.T) (ComplianceService, orders.OrderService, *gorm.DB, *stubPayments) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Listing{},
		&models.Order{}, &models.OrderStatusUpdate{}, &models.Dispute{},
		&models.AuditLog{}, &models.ComplianceTransfer{},
	))

	logger := zap.NewNop()
	auditSvc, err := audit.NewService(logger, db)
	require.NoError(t, err)

	client := &stubPayments{}
	ordersSvc, err := orders.NewService(logger, db, client, auditSvc, mailer.NewNopMailer(logger), 72*time.Hour, 14*24*time.Hour)
	require.NoError(t, err)

	svc, err := NewService(logger, db, ordersSvc, auditSvc)
	require.NoError(t, err)
	return svc, ordersSvc, db, client
}

// gatedOrder checks out a regulated listing and pays it, leaving the
// order blocked on compliance review.
func gatedOrder(t *testing.T, ordersSvc orders.OrderService, db *gorm.DB) *models.Order {
	t.Helper()

	seller := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", PasswordHash: testHash, DisplayName: "Seller", Role: "seller"}
	buyer := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", PasswordHash: testHash, DisplayName: "Buyer", Role: "buyer"}
	require.NoError(t, db.Create(seller).Error)
	require.NoError(t, db.Create(buyer).Error)

	listing := &models.Listing{
		ID:        uuid.New(),
		SellerID:  seller.ID,
		Title:     "Deactivated antique rifle",
		Kind:      models.ListingKindFixed,
		Category:  "militaria",
		Price:     decimal.NewFromInt(900),
		Currency:  "USD",
		Quantity:  1,
		Status:    models.ListingStatusActive,
		Regulated: true,
	}
	require.NoError(t, db.Create(listing).Error)

	order, err := ordersSvc.Checkout(context.Background(), buyer.ID, listing.ID)
	require.NoError(t, err)
	require.True(t, order.ComplianceRequired)
	require.NoError(t, ordersSvc.HandlePaymentCompleted(context.Background(), order.PaymentRef))
	return order
}

func TestListPending(t *testing.T) {
	svc, ordersSvc, db, _ := setupComplianceService(t)
	ctx := context.Background()

	order := gatedOrder(t, ordersSvc, db)

	t.Run("CreatesTransferLazily", func(t *testing.T) {
		transfers, err := svc.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, transfers, 1)
		assert.Equal(t, order.ID, transfers[0].OrderID)
		assert.Equal(t, "transfer_of_ownership", transfers[0].DocumentType)
		assert.Equal(t, models.ComplianceStatusPending, transfers[0].Status)
	})

	t.Run("SecondListDoesNotDuplicate", func(t *testing.T) {
		transfers, err := svc.ListPending(ctx)
		require.NoError(t, err)
		assert.Len(t, transfers, 1)
	})

	t.Run("OldestFirst", func(t *testing.T) {
		later := gatedOrder(t, ordersSvc, db)
		transfers, err := svc.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, transfers, 2)
		assert.Equal(t, order.ID, transfers[0].OrderID)
		assert.Equal(t, later.ID, transfers[1].OrderID)
	})
}

func TestApprove(t *testing.T) {
	svc, ordersSvc, db, _ := setupComplianceService(t)
	ctx := context.Background()

	order := gatedOrder(t, ordersSvc, db)
	require.Error(t, ordersSvc.MarkShipped(ctx, order.ID, "seller@example.com", "TRK1"),
		"shipment must stay blocked while review is pending")

	transfers, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	require.NoError(t, svc.Approve(ctx, transfers[0].ID, "reviewer@quillmarket.io", "documents verified"))

	t.Run("UnblocksShipment", func(t *testing.T) {
		assert.NoError(t, ordersSvc.MarkShipped(ctx, order.ID, "seller@example.com", "TRK1"))
	})

	t.Run("TransferRecordsDecision", func(t *testing.T) {
		var transfer models.ComplianceTransfer
		require.NoError(t, db.First(&transfer, "id = ?", transfers[0].ID).Error)
		assert.Equal(t, models.ComplianceStatusApproved, transfer.Status)
		assert.Equal(t, "reviewer@quillmarket.io", transfer.Reviewer)
		assert.NotNil(t, transfer.DecidedAt)
	})

	t.Run("QueueEmptiesAfterDecision", func(t *testing.T) {
		remaining, err := svc.ListPending(ctx)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("SecondDecisionRejected", func(t *testing.T) {
		err := svc.Approve(ctx, transfers[0].ID, "reviewer@quillmarket.io", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already decided")
	})

	t.Run("UnknownTransfer", func(t *testing.T) {
		err := svc.Approve(ctx, uuid.New(), "reviewer@quillmarket.io", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestReject(t *testing.T) {
	svc, ordersSvc, db, client := setupComplianceService(t)
	ctx := context.Background()

	order := gatedOrder(t, ordersSvc, db)
	transfers, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, transfers, 1)

	require.NoError(t, svc.Reject(ctx, transfers[0].ID, "reviewer@quillmarket.io", "forged documents"))

	var refreshed models.Order
	require.NoError(t, db.First(&refreshed, "id = ?", order.ID).Error)
	assert.Equal(t, models.OrderStatusRefunded, refreshed.Status)
	assert.Equal(t, models.ComplianceStatusRejected, refreshed.ComplianceStatus)

	require.Len(t, client.refunds, 1, "buyer is refunded in full on rejection")
	assert.True(t, client.refunds[0].Equal(order.Amount))
}
