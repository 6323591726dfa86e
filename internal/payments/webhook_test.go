package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/pkg/models"
)

const webhookSecret = "whsec_test"

type stubPayments struct{}

func (stubPayments) CreateCheckoutSession(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, currency string) (string, error) {
	return "sess_" + orderID.String()[:8], nil
}

func (stubPayments) CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal, reason string) (string, error) {
	return "re_test", nil
}

func (stubPayments) SubmitDisputeEvidence(ctx context.Context, processorRef, evidenceRef, note string) error {
	return nil
}

func setupProcessor(t *testing.T) (*WebhookProcessor, *gorm.DB, *models.Order) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Listing{}, &models.Order{}, &models.OrderStatusUpdate{},
		&models.Dispute{}, &models.WebhookEvent{}, &models.AuditLog{}, &models.Reminder{},
	))

	logger := zap.NewNop()
	ordersSvc, err := orders.NewService(logger, db, stubPayments{}, nil, mailer.NewNopMailer(logger), 0, 0)
	require.NoError(t, err)

	seller := &models.User{ID: uuid.New(), Email: "seller@example.com", PasswordHash: "x12345678901234567890123456789012345678901234567890123456789", DisplayName: "Seller", Role: "seller"}
	buyer := &models.User{ID: uuid.New(), Email: "buyer@example.com", PasswordHash: "x12345678901234567890123456789012345678901234567890123456789", DisplayName: "Buyer", Role: "buyer"}
	require.NoError(t, db.Create(seller).Error)
	require.NoError(t, db.Create(buyer).Error)

	listing := &models.Listing{
		ID: uuid.New(), SellerID: seller.ID, Title: "Mechanical keyboard",
		Kind: models.ListingKindFixed, Category: "electronics",
		Price: decimal.NewFromInt(80), Currency: "USD", Quantity: 1,
		Status: models.ListingStatusActive,
	}
	require.NoError(t, db.Create(listing).Error)

	order, err := ordersSvc.Checkout(context.Background(), buyer.ID, listing.ID)
	require.NoError(t, err)

	return NewWebhookProcessor(logger, db, ordersSvc, webhookSecret), db, order
}

func sign(t *testing.T, body []byte, ts time.Time) (string, string) {
	t.Helper()
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	p, _, _ := setupProcessor(t)
	body := []byte(`{"id":"evt_1","type":"checkout.completed"}`)

	t.Run("ValidSignature", func(t *testing.T) {
		ts, sig := sign(t, body, time.Now())
		assert.NoError(t, p.Verify(body, ts, sig))
	})

	t.Run("WrongSecret", func(t *testing.T) {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		mac := hmac.New(sha256.New, []byte("whsec_other"))
		mac.Write([]byte(timestamp + "."))
		mac.Write(body)
		err := p.Verify(body, timestamp, hex.EncodeToString(mac.Sum(nil)))
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("TamperedBody", func(t *testing.T) {
		ts, sig := sign(t, body, time.Now())
		err := p.Verify([]byte(`{"id":"evt_2"}`), ts, sig)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("MalformedSignature", func(t *testing.T) {
		ts, _ := sign(t, body, time.Now())
		err := p.Verify(body, ts, "not-hex")
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("StaleTimestamp", func(t *testing.T) {
		ts, sig := sign(t, body, time.Now().Add(-10*time.Minute))
		err := p.Verify(body, ts, sig)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	})

	t.Run("FutureTimestamp", func(t *testing.T) {
		ts, sig := sign(t, body, time.Now().Add(10*time.Minute))
		err := p.Verify(body, ts, sig)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	})

	t.Run("NonNumericTimestamp", func(t *testing.T) {
		_, sig := sign(t, body, time.Now())
		err := p.Verify(body, "yesterday", sig)
		assert.ErrorIs(t, err, ErrStaleTimestamp)
	})
}

func TestProcess(t *testing.T) {
	p, db, order := setupProcessor(t)
	ctx := context.Background()

	checkoutBody := []byte(fmt.Sprintf(
		`{"id":"evt_checkout","type":"checkout.completed","payment_ref":"%s"}`, order.PaymentRef))

	t.Run("CheckoutCompletedAdvancesOrder", func(t *testing.T) {
		event, err := p.Process(ctx, checkoutBody)
		require.NoError(t, err)
		assert.Equal(t, "evt_checkout", event.ID)

		var got models.Order
		require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
		assert.Equal(t, models.OrderStatusAwaitingShipment, got.Status)
	})

	t.Run("DuplicateEventIsRejected", func(t *testing.T) {
		_, err := p.Process(ctx, checkoutBody)
		assert.ErrorIs(t, err, ErrDuplicateEvent)
	})

	t.Run("DisputeCreatedOpensDispute", func(t *testing.T) {
		body := []byte(fmt.Sprintf(
			`{"id":"evt_dispute","type":"dispute.created","payment_ref":"%s","processor_ref":"dp_9","reason":"fraudulent","amount":"80"}`,
			order.PaymentRef))
		_, err := p.Process(ctx, body)
		require.NoError(t, err)

		var dispute models.Dispute
		require.NoError(t, db.First(&dispute, "processor_ref = ?", "dp_9").Error)
		assert.Equal(t, models.DisputeStatusOpen, dispute.Status)
		assert.True(t, dispute.Amount.Equal(decimal.NewFromInt(80)))
	})

	t.Run("DisputeResolvedClosesDispute", func(t *testing.T) {
		body := []byte(`{"id":"evt_resolved","type":"dispute.resolved","processor_ref":"dp_9","outcome":"won"}`)
		_, err := p.Process(ctx, body)
		require.NoError(t, err)

		var dispute models.Dispute
		require.NoError(t, db.First(&dispute, "processor_ref = ?", "dp_9").Error)
		assert.Equal(t, models.DisputeStatusWon, dispute.Status)
	})

	t.Run("RefundEventUpdatesOrder", func(t *testing.T) {
		body := []byte(fmt.Sprintf(
			`{"id":"evt_refund","type":"payment.refunded","payment_ref":"%s","amount":"80"}`, order.PaymentRef))
		_, err := p.Process(ctx, body)
		require.NoError(t, err)

		var got models.Order
		require.NoError(t, db.First(&got, "id = ?", order.ID).Error)
		assert.Equal(t, models.OrderStatusRefunded, got.Status)
	})

	t.Run("UnknownEventTypeFails", func(t *testing.T) {
		body := []byte(`{"id":"evt_unknown","type":"payout.created"}`)
		_, err := p.Process(ctx, body)
		require.Error(t, err)

		// A failed event releases its idempotency record for retry.
		var count int64
		require.NoError(t, db.Model(&models.WebhookEvent{}).Where("event_id = ?", "evt_unknown").Count(&count).Error)
		assert.Equal(t, int64(0), count)
	})

	t.Run("MissingIDRejected", func(t *testing.T) {
		_, err := p.Process(ctx, []byte(`{"type":"checkout.completed"}`))
		assert.Error(t, err)
	})
}
