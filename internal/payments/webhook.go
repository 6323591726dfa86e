package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/pkg/metrics"
	"github.com/quillmarket/quill/pkg/models"
)

// Webhook event types delivered by the processor.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventPaymentRefunded   = "payment.refunded"
	EventDisputeCreated    = "dispute.created"
	EventDisputeResolved   = "dispute.resolved"
)

// replayWindow bounds how old a signed webhook timestamp may be.
const replayWindow = 5 * time.Minute

// Webhook verification/processing errors, mapped to HTTP statuses by
// the handler layer.
var (
	ErrBadSignature   = fmt.Errorf("webhook signature mismatch")
	ErrStaleTimestamp = fmt.Errorf("webhook timestamp outside replay window")
	ErrDuplicateEvent = fmt.Errorf("webhook event already processed")
)

// Event is the envelope the processor posts to the webhook endpoint.
type Event struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	PaymentRef   string `json:"payment_ref"`
	ProcessorRef string `json:"processor_ref,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Outcome      string `json:"outcome,omitempty"`
}

// WebhookProcessor verifies and applies payment processor webhooks.
type WebhookProcessor struct {
	logger    *zap.Logger
	db        *gorm.DB
	ordersSvc orders.OrderService
	secret    []byte
	now       func() time.Time
}

// NewWebhookProcessor creates a webhook processor sharing the orders service
func NewWebhookProcessor(logger *zap.Logger, db *gorm.DB, ordersSvc orders.OrderService, secret string) *WebhookProcessor {
	return &WebhookProcessor{
		logger:    logger,
		db:        db,
		ordersSvc: ordersSvc,
		secret:    []byte(secret),
		now:       time.Now,
	}
}

// Verify checks the HMAC signature over "<timestamp>.<body>" and rejects
// timestamps outside the replay window. The signature header carries a
// hex HMAC-SHA256 digest.
func (p *WebhookProcessor) Verify(body []byte, timestamp, signature string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	age := p.now().Sub(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Process applies a verified webhook body. Duplicate event IDs return
// ErrDuplicateEvent so the handler can answer 409 without reapplying.
func (p *WebhookProcessor) Process(ctx context.Context, body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("webhook event missing id or type")
	}

	record := &models.WebhookEvent{
		ID:         uuid.New(),
		EventID:    event.ID,
		EventType:  event.Type,
		ReceivedAt: p.now(),
	}
	if err := p.db.WithContext(ctx).Create(record).Error; err != nil {
		// Unique index on event_id: a second delivery lands here.
		metrics.WebhooksProcessed.WithLabelValues(event.Type, "duplicate").Inc()
		return &event, ErrDuplicateEvent
	}

	if err := p.apply(ctx, &event); err != nil {
		metrics.WebhooksProcessed.WithLabelValues(event.Type, "error").Inc()
		// Drop the idempotency record so the processor's retry can succeed.
		if delErr := p.db.WithContext(ctx).Delete(record).Error; delErr != nil {
			p.logger.Error("Failed to release webhook event record",
				zap.String("eventID", event.ID), zap.Error(delErr))
		}
		return &event, err
	}

	metrics.WebhooksProcessed.WithLabelValues(event.Type, "ok").Inc()
	p.logger.Info("Webhook applied",
		zap.String("eventID", event.ID),
		zap.String("type", event.Type),
		zap.String("paymentRef", event.PaymentRef))
	return &event, nil
}

func (p *WebhookProcessor) apply(ctx context.Context, event *Event) error {
	amount := decimal.Zero
	if event.Amount != "" {
		parsed, err := decimal.NewFromString(event.Amount)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", event.Amount, err)
		}
		amount = parsed
	}

	switch event.Type {
	case EventCheckoutCompleted:
		return p.ordersSvc.HandlePaymentCompleted(ctx, event.PaymentRef)
	case EventPaymentRefunded:
		return p.ordersSvc.HandleRefundEvent(ctx, event.PaymentRef, amount)
	case EventDisputeCreated:
		return p.ordersSvc.HandleDisputeCreated(ctx, event.PaymentRef, event.ProcessorRef, event.Reason, amount)
	case EventDisputeResolved:
		return p.ordersSvc.HandleDisputeResolved(ctx, event.ProcessorRef, event.Outcome)
	default:
		return fmt.Errorf("unsupported webhook event type %q", event.Type)
	}
}
