package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/pkg/metrics"
	"github.com/quillmarket/quill/pkg/models"
)

// PaymentClient is the slice of the payment processor API the order
// lifecycle needs. internal/payments provides the implementation.
type PaymentClient interface {
	CreateCheckoutSession(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, currency string) (string, error)
	CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal, reason string) (string, error)
	SubmitDisputeEvidence(ctx context.Context, processorRef, evidenceRef, note string) error
}

// View is an order decorated with the derived dashboard fields.
type View struct {
	Order           *models.Order    `json:"order"`
	Disputes        []models.Dispute `json:"disputes,omitempty"`
	EffectiveStatus string           `json:"effective_status"`
	Lane            string           `json:"lane"`
	NextAction      string           `json:"next_action"`
	AtRisk          bool             `json:"at_risk"`
}

// OrderService defines the order lifecycle operations.
type OrderService interface {
	Start() error
	Stop() error

	Checkout(ctx context.Context, buyerID, listingID uuid.UUID) (*models.Order, error)
	CreateFromAuction(ctx context.Context, listing *models.Listing, winner *models.Bid) (*models.Order, error)
	GetView(ctx context.Context, orderID uuid.UUID) (*View, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Order, int64, error)
	ListOps(ctx context.Context, lane string) ([]*View, error)

	MarkShipped(ctx context.Context, orderID uuid.UUID, actor, trackingNumber string) error
	MarkDelivered(ctx context.Context, orderID uuid.UUID, actor string) error
	Complete(ctx context.Context, orderID uuid.UUID, actor string) error
	SetHold(ctx context.Context, orderID uuid.UUID, held bool, reason, actor string) error
	Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason, actor string) error
	SendReminder(ctx context.Context, orderID uuid.UUID, actor string) error

	OpenDispute(ctx context.Context, orderID, openedBy uuid.UUID, reason string) (*models.Dispute, error)
	SubmitDisputePacket(ctx context.Context, orderID uuid.UUID, evidenceRef, note, actor string) error
	ResolveDispute(ctx context.Context, orderID uuid.UUID, outcome, note, actor string) error

	ApproveCompliance(ctx context.Context, orderID uuid.UUID, actor string) error
	RejectCompliance(ctx context.Context, orderID uuid.UUID, actor string) error

	HandlePaymentCompleted(ctx context.Context, paymentRef string) error
	HandleRefundEvent(ctx context.Context, paymentRef string, amount decimal.Decimal) error
	HandleDisputeCreated(ctx context.Context, paymentRef, processorRef, reason string, amount decimal.Decimal) error
	HandleDisputeResolved(ctx context.Context, processorRef, outcome string) error
}

// Service implements OrderService
type Service struct {
	logger        *zap.Logger
	db            *gorm.DB
	payments      PaymentClient
	auditSvc      audit.AuditService
	mail          mailer.Mailer
	shipWindow    time.Duration
	deliverWindow time.Duration
}

// NewService creates a new OrderService
func NewService(logger *zap.Logger, db *gorm.DB, payments PaymentClient, auditSvc audit.AuditService, mail mailer.Mailer, shipWindow, deliverWindow time.Duration) (OrderService, error) {
	if shipWindow <= 0 {
		shipWindow = 72 * time.Hour
	}
	if deliverWindow <= 0 {
		deliverWindow = 14 * 24 * time.Hour
	}
	return &Service{
		logger:        logger,
		db:            db,
		payments:      payments,
		auditSvc:      auditSvc,
		mail:          mail,
		shipWindow:    shipWindow,
		deliverWindow: deliverWindow,
	}, nil
}

// Start starts the order service
func (s *Service) Start() error {
	s.logger.Info("Order service started")
	return nil
}

// Stop stops the order service
func (s *Service) Stop() error {
	s.logger.Info("Order service stopped")
	return nil
}

// Checkout creates a pending order for a fixed-price listing and opens
// a checkout session with the payment processor.
func (s *Service) Checkout(ctx context.Context, buyerID, listingID uuid.UUID) (*models.Order, error) {
	var listing models.Listing
	if err := s.db.WithContext(ctx).Where("id = ?", listingID).First(&listing).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("listing not found")
		}
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("listing is not active")
	}
	if listing.Kind != models.ListingKindFixed {
		return nil, fmt.Errorf("auction listings are purchased by winning the auction")
	}
	if listing.SellerID == buyerID {
		return nil, fmt.Errorf("sellers cannot buy their own listing")
	}

	order := &models.Order{
		ID:                 uuid.New(),
		BuyerID:            buyerID,
		SellerID:           listing.SellerID,
		ListingID:          listing.ID,
		Amount:             listing.Price,
		RefundedAmount:     decimal.Zero,
		Currency:           listing.Currency,
		Status:             models.OrderStatusPendingPayment,
		ComplianceRequired: listing.Regulated,
	}
	if listing.Regulated {
		order.ComplianceStatus = models.ComplianceStatusPending
	}

	sessionRef, err := s.payments.CreateCheckoutSession(ctx, order.ID, order.Amount, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	order.PaymentRef = sessionRef

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersCreated.WithLabelValues(listing.Kind).Inc()
	s.logger.Info("Order created",
		zap.String("orderID", order.ID.String()),
		zap.String("listingID", listing.ID.String()),
		zap.String("amount", order.Amount.String()))

	return order, nil
}

// CreateFromAuction creates a pending order for the winning bid of a
// closed auction.
func (s *Service) CreateFromAuction(ctx context.Context, listing *models.Listing, winner *models.Bid) (*models.Order, error) {
	order := &models.Order{
		ID:                 uuid.New(),
		BuyerID:            winner.BidderID,
		SellerID:           listing.SellerID,
		ListingID:          listing.ID,
		Amount:             winner.Amount,
		RefundedAmount:     decimal.Zero,
		Currency:           listing.Currency,
		Status:             models.OrderStatusPendingPayment,
		ComplianceRequired: listing.Regulated,
	}
	if listing.Regulated {
		order.ComplianceStatus = models.ComplianceStatusPending
	}

	sessionRef, err := s.payments.CreateCheckoutSession(ctx, order.ID, order.Amount, order.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	order.PaymentRef = sessionRef

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersCreated.WithLabelValues(listing.Kind).Inc()
	return order, nil
}

// GetView loads an order with its disputes and derived dashboard fields
func (s *Service) GetView(ctx context.Context, orderID uuid.UUID) (*View, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	disputes, err := s.loadDisputes(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.view(order, disputes, time.Now()), nil
}

// ListForUser returns orders where the user is buyer or seller, newest first
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Order, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("buyer_id = ? OR seller_id = ?", userID, userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var orders []*models.Order
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, total, nil
}

// ListOps returns dashboard views, optionally restricted to one lane.
// Lane sizes are exported as gauges each time the full set is computed.
func (s *Service) ListOps(ctx context.Context, lane string) ([]*View, error) {
	var orders []*models.Order
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(1000).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	now := time.Now()
	counts := make(map[string]int, len(Lanes))
	views := make([]*View, 0, len(orders))
	for _, o := range orders {
		disputes, err := s.loadDisputes(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		v := s.view(o, disputes, now)
		counts[v.Lane]++
		if lane == "" || v.Lane == lane {
			views = append(views, v)
		}
	}

	for _, l := range Lanes {
		metrics.OrdersByLane.WithLabelValues(l).Set(float64(counts[l]))
	}
	return views, nil
}

// MarkShipped records a shipment. Held, disputed, or compliance-blocked
// orders reject the transition.
func (s *Service) MarkShipped(ctx context.Context, orderID uuid.UUID, actor, trackingNumber string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.ensureActionable(ctx, order); err != nil {
		return err
	}
	if !CanTransition(order.Status, models.OrderStatusShipped) {
		return fmt.Errorf("cannot ship order in status %s", order.Status)
	}

	now := time.Now()
	order.TrackingNumber = trackingNumber
	order.ShippedAt = &now
	if err := s.transition(ctx, order, models.OrderStatusShipped, actor, "tracking "+trackingNumber); err != nil {
		return err
	}
	return nil
}

// MarkDelivered records delivery confirmation
func (s *Service) MarkDelivered(ctx context.Context, orderID uuid.UUID, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.ensureActionable(ctx, order); err != nil {
		return err
	}
	if !CanTransition(order.Status, models.OrderStatusDelivered) {
		return fmt.Errorf("cannot deliver order in status %s", order.Status)
	}

	now := time.Now()
	order.DeliveredAt = &now
	return s.transition(ctx, order, models.OrderStatusDelivered, actor, "")
}

// Complete finalizes a delivered order
func (s *Service) Complete(ctx context.Context, orderID uuid.UUID, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := s.ensureActionable(ctx, order); err != nil {
		return err
	}
	if !CanTransition(order.Status, models.OrderStatusCompleted) {
		return fmt.Errorf("cannot complete order in status %s", order.Status)
	}

	now := time.Now()
	order.CompletedAt = &now
	return s.transition(ctx, order, models.OrderStatusCompleted, actor, "")
}

// SetHold freezes or unfreezes an order
func (s *Service) SetHold(ctx context.Context, orderID uuid.UUID, held bool, reason, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Held == held {
		return nil // idempotent
	}

	order.Held = held
	if held {
		order.HoldReason = reason
	} else {
		order.HoldReason = ""
	}
	if err := s.db.WithContext(ctx).Model(order).
		Select("held", "hold_reason").
		Updates(map[string]interface{}{"held": order.Held, "hold_reason": order.HoldReason}).Error; err != nil {
		return fmt.Errorf("failed to update hold: %w", err)
	}

	action := "order.hold.set"
	if !held {
		action = "order.hold.cleared"
	}
	s.record(ctx, actor, action, order.ID, map[string]interface{}{"reason": reason})
	s.logger.Info("Order hold updated",
		zap.String("orderID", order.ID.String()),
		zap.Bool("held", held),
		zap.String("actor", actor))
	return nil
}

// Refund refunds part or all of the captured amount. A zero amount
// refunds everything remaining. Refunds are rejected while a dispute
// is open, and the total refunded never exceeds the captured amount.
func (s *Service) Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderStatusPendingPayment || order.Status == models.OrderStatusCanceled {
		return fmt.Errorf("order has no captured payment to refund")
	}
	disputes, err := s.loadDisputes(ctx, orderID)
	if err != nil {
		return err
	}
	if hasOpenDispute(disputes) {
		return fmt.Errorf("cannot refund while a dispute is open")
	}

	remaining := order.Amount.Sub(order.RefundedAmount)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order is already fully refunded")
	}
	if amount.IsZero() {
		amount = remaining
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("refund amount must be positive")
	}
	if amount.GreaterThan(remaining) {
		return fmt.Errorf("refund amount %s exceeds remaining captured amount %s", amount.String(), remaining.String())
	}

	refundRef, err := s.payments.CreateRefund(ctx, order.PaymentRef, amount, reason)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}

	order.RefundedAmount = order.RefundedAmount.Add(amount)
	full := order.RefundedAmount.GreaterThanOrEqual(order.Amount)
	if err := s.db.WithContext(ctx).Model(order).
		Update("refunded_amount", order.RefundedAmount).Error; err != nil {
		return fmt.Errorf("failed to update refunded amount: %w", err)
	}
	if full && CanTransition(order.Status, models.OrderStatusRefunded) {
		if err := s.transition(ctx, order, models.OrderStatusRefunded, actor, reason); err != nil {
			return err
		}
	}

	s.record(ctx, actor, "order.refund", order.ID, map[string]interface{}{
		"amount":     amount.String(),
		"reason":     reason,
		"refund_ref": refundRef,
		"full":       full,
	})
	return nil
}

// SendReminder sends the seller a deadline reminder on demand. At most
// one reminder row per order and kind is recorded, so scheduler and
// admin triggers stay deduplicated.
func (s *Service) SendReminder(ctx context.Context, orderID uuid.UUID, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}

	var kind string
	var deadline *time.Time
	switch order.Status {
	case models.OrderStatusPaid, models.OrderStatusAwaitingShipment:
		kind, deadline = models.ReminderKindShipBy, order.ShipBy
	case models.OrderStatusShipped:
		kind, deadline = models.ReminderKindDeliverBy, order.DeliverBy
	default:
		return fmt.Errorf("order in status %s has no pending deadline", order.Status)
	}
	if deadline == nil {
		return fmt.Errorf("order has no deadline set")
	}

	reminder := &models.Reminder{
		ID:      uuid.New(),
		OrderID: order.ID,
		Kind:    kind,
		SentAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(reminder).Error; err != nil {
		// Unique index violation means a reminder was already sent.
		return fmt.Errorf("reminder already sent for this deadline: %w", err)
	}

	var seller models.User
	if err := s.db.WithContext(ctx).Where("id = ?", order.SellerID).First(&seller).Error; err == nil {
		subject := fmt.Sprintf("Reminder: order %s deadline approaching", order.ID)
		body := fmt.Sprintf("Order %s must advance before %s.", order.ID, deadline.Format(time.RFC3339))
		if mailErr := s.mail.Send(ctx, seller.Email, subject, body); mailErr != nil {
			s.logger.Warn("Failed to send reminder mail", zap.String("orderID", order.ID.String()), zap.Error(mailErr))
		}
	}

	metrics.RemindersSent.WithLabelValues(kind).Inc()
	s.record(ctx, actor, "order.reminder", order.ID, map[string]interface{}{"kind": kind})
	return nil
}

// OpenDispute raises a dispute against an order. Terminal orders accept
// disputes only within 60 days of completion.
func (s *Service) OpenDispute(ctx context.Context, orderID, openedBy uuid.UUID, reason string) (*models.Dispute, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusPendingPayment {
		return nil, fmt.Errorf("cannot dispute an unpaid order")
	}
	if order.Status == models.OrderStatusCompleted && order.CompletedAt != nil {
		if time.Since(*order.CompletedAt) > 60*24*time.Hour {
			return nil, fmt.Errorf("dispute window has closed")
		}
	}
	disputes, err := s.loadDisputes(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if hasOpenDispute(disputes) {
		return nil, fmt.Errorf("a dispute is already open for this order")
	}

	due := time.Now().Add(7 * 24 * time.Hour)
	dispute := &models.Dispute{
		ID:            uuid.New(),
		OrderID:       order.ID,
		OpenedBy:      openedBy,
		Reason:        reason,
		Status:        models.DisputeStatusOpen,
		Amount:        order.Amount.Sub(order.RefundedAmount),
		EvidenceDueBy: &due,
	}
	if err := s.db.WithContext(ctx).Create(dispute).Error; err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	s.record(ctx, openedBy.String(), "dispute.opened", order.ID, map[string]interface{}{"reason": reason})
	return dispute, nil
}

// SubmitDisputePacket attaches an evidence packet to the open dispute
// and forwards it to the processor.
func (s *Service) SubmitDisputePacket(ctx context.Context, orderID uuid.UUID, evidenceRef, note, actor string) error {
	dispute, err := s.openDisputeFor(ctx, orderID)
	if err != nil {
		return err
	}
	if dispute.Status != models.DisputeStatusOpen {
		return fmt.Errorf("dispute is not awaiting evidence (status %s)", dispute.Status)
	}

	if err := s.payments.SubmitDisputeEvidence(ctx, dispute.ProcessorRef, evidenceRef, note); err != nil {
		return fmt.Errorf("failed to submit evidence to processor: %w", err)
	}

	dispute.EvidenceRef = evidenceRef
	dispute.Status = models.DisputeStatusEvidenceSubmitted
	if err := s.db.WithContext(ctx).Model(dispute).
		Updates(map[string]interface{}{"evidence_ref": evidenceRef, "status": dispute.Status}).Error; err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}

	s.record(ctx, actor, "dispute.evidence_submitted", orderID, map[string]interface{}{"evidence_ref": evidenceRef})
	return nil
}

// ResolveDispute closes the open dispute. Lost disputes refund the
// remaining captured amount; won disputes clear any admin hold.
func (s *Service) ResolveDispute(ctx context.Context, orderID uuid.UUID, outcome, note, actor string) error {
	if outcome != models.DisputeStatusWon && outcome != models.DisputeStatusLost {
		return fmt.Errorf("invalid outcome %q", outcome)
	}
	dispute, err := s.openDisputeFor(ctx, orderID)
	if err != nil {
		return err
	}

	now := time.Now()
	dispute.Status = outcome
	dispute.ResolvedAt = &now
	dispute.ResolutionNote = note
	if err := s.db.WithContext(ctx).Model(dispute).
		Updates(map[string]interface{}{"status": outcome, "resolved_at": now, "resolution_note": note}).Error; err != nil {
		return fmt.Errorf("failed to resolve dispute: %w", err)
	}
	s.record(ctx, actor, "dispute.resolved", orderID, map[string]interface{}{"outcome": outcome, "note": note})

	if outcome == models.DisputeStatusLost {
		if err := s.Refund(ctx, orderID, decimal.Zero, "dispute lost", actor); err != nil {
			s.logger.Error("Failed to refund after lost dispute",
				zap.String("orderID", orderID.String()), zap.Error(err))
			return fmt.Errorf("dispute resolved but refund failed: %w", err)
		}
		return nil
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Held {
		return s.SetHold(ctx, orderID, false, "", actor)
	}
	return nil
}

// ApproveCompliance unblocks a gated order after document review
func (s *Service) ApproveCompliance(ctx context.Context, orderID uuid.UUID, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.ComplianceRequired {
		return fmt.Errorf("order is not compliance gated")
	}
	if order.ComplianceStatus != models.ComplianceStatusPending {
		return fmt.Errorf("compliance review already decided: %s", order.ComplianceStatus)
	}
	if err := s.db.WithContext(ctx).Model(order).
		Update("compliance_status", models.ComplianceStatusApproved).Error; err != nil {
		return fmt.Errorf("failed to update compliance status: %w", err)
	}
	s.record(ctx, actor, "order.compliance.approved", order.ID, nil)
	return nil
}

// RejectCompliance cancels a gated order and refunds the buyer
func (s *Service) RejectCompliance(ctx context.Context, orderID uuid.UUID, actor string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.ComplianceRequired || order.ComplianceStatus != models.ComplianceStatusPending {
		return fmt.Errorf("order has no pending compliance review")
	}
	if err := s.db.WithContext(ctx).Model(order).
		Update("compliance_status", models.ComplianceStatusRejected).Error; err != nil {
		return fmt.Errorf("failed to update compliance status: %w", err)
	}
	s.record(ctx, actor, "order.compliance.rejected", order.ID, nil)

	if order.Status != models.OrderStatusPendingPayment {
		return s.Refund(ctx, orderID, decimal.Zero, "compliance rejected", actor)
	}
	return s.transition(ctx, order, models.OrderStatusCanceled, actor, "compliance rejected")
}

// HandlePaymentCompleted applies a checkout.completed webhook: the order
// moves through paid to awaiting_shipment and the deadlines start.
func (s *Service) HandlePaymentCompleted(ctx context.Context, paymentRef string) error {
	order, err := s.loadOrderByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPendingPayment {
		// Replayed webhook after the order already advanced.
		return nil
	}

	now := time.Now()
	shipBy := now.Add(s.shipWindow)
	deliverBy := now.Add(s.deliverWindow)
	order.PaidAt = &now
	order.ShipBy = &shipBy
	order.DeliverBy = &deliverBy

	if err := s.transition(ctx, order, models.OrderStatusPaid, "payments", ""); err != nil {
		return err
	}
	if err := s.transition(ctx, order, models.OrderStatusAwaitingShipment, "payments", ""); err != nil {
		return err
	}

	// Each cleared payment consumes one unit of stock; the listing is
	// sold only once the last unit goes.
	if err := s.consumeListingUnit(ctx, order.ListingID); err != nil {
		s.logger.Warn("Failed to update listing stock", zap.String("listingID", order.ListingID.String()), zap.Error(err))
	}
	return nil
}

func (s *Service) consumeListingUnit(ctx context.Context, listingID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var listing models.Listing
		if err := tx.Where("id = ?", listingID).First(&listing).Error; err != nil {
			return err
		}
		if listing.Quantity > 1 {
			return tx.Model(&listing).Update("quantity", listing.Quantity-1).Error
		}
		return tx.Model(&listing).Updates(map[string]interface{}{
			"quantity": 0,
			"status":   models.ListingStatusSold,
		}).Error
	})
}

// HandleRefundEvent applies a payment.refunded webhook initiated on the
// processor side.
func (s *Service) HandleRefundEvent(ctx context.Context, paymentRef string, amount decimal.Decimal) error {
	order, err := s.loadOrderByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}

	remaining := order.Amount.Sub(order.RefundedAmount)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return nil // already applied
	}
	if amount.IsZero() || amount.GreaterThan(remaining) {
		amount = remaining
	}

	order.RefundedAmount = order.RefundedAmount.Add(amount)
	if err := s.db.WithContext(ctx).Model(order).
		Update("refunded_amount", order.RefundedAmount).Error; err != nil {
		return fmt.Errorf("failed to update refunded amount: %w", err)
	}
	if order.RefundedAmount.GreaterThanOrEqual(order.Amount) && CanTransition(order.Status, models.OrderStatusRefunded) {
		return s.transition(ctx, order, models.OrderStatusRefunded, "payments", "processor refund")
	}
	return nil
}

// HandleDisputeCreated applies a dispute.created webhook
func (s *Service) HandleDisputeCreated(ctx context.Context, paymentRef, processorRef, reason string, amount decimal.Decimal) error {
	order, err := s.loadOrderByPaymentRef(ctx, paymentRef)
	if err != nil {
		return err
	}
	disputes, err := s.loadDisputes(ctx, order.ID)
	if err != nil {
		return err
	}
	for i := range disputes {
		if disputes[i].ProcessorRef == processorRef {
			return nil // duplicate delivery
		}
	}

	if amount.IsZero() {
		amount = order.Amount.Sub(order.RefundedAmount)
	}
	due := time.Now().Add(7 * 24 * time.Hour)
	dispute := &models.Dispute{
		ID:            uuid.New(),
		OrderID:       order.ID,
		OpenedBy:      order.BuyerID,
		Reason:        reason,
		Status:        models.DisputeStatusOpen,
		Amount:        amount,
		EvidenceDueBy: &due,
		ProcessorRef:  processorRef,
	}
	if err := s.db.WithContext(ctx).Create(dispute).Error; err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	s.record(ctx, "payments", "dispute.opened", order.ID, map[string]interface{}{"processor_ref": processorRef})
	return nil
}

// HandleDisputeResolved applies a dispute.resolved webhook
func (s *Service) HandleDisputeResolved(ctx context.Context, processorRef, outcome string) error {
	var dispute models.Dispute
	if err := s.db.WithContext(ctx).Where("processor_ref = ?", processorRef).First(&dispute).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("dispute not found for processor ref %s", processorRef)
		}
		return fmt.Errorf("failed to load dispute: %w", err)
	}
	if !dispute.Open() {
		return nil // duplicate delivery
	}
	return s.ResolveDispute(ctx, dispute.OrderID, outcome, "resolved by processor", "payments")
}

// --- internals ---

func (s *Service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("order not found")
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

func (s *Service) loadOrderByPaymentRef(ctx context.Context, ref string) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("payment_ref = ?", ref).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("order not found for payment ref %s", ref)
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

func (s *Service) loadDisputes(ctx context.Context, orderID uuid.UUID) ([]models.Dispute, error) {
	var disputes []models.Dispute
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&disputes).Error; err != nil {
		return nil, fmt.Errorf("failed to load disputes: %w", err)
	}
	return disputes, nil
}

func (s *Service) openDisputeFor(ctx context.Context, orderID uuid.UUID) (*models.Dispute, error) {
	var dispute models.Dispute
	err := s.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, []string{models.DisputeStatusOpen, models.DisputeStatusEvidenceSubmitted}).
		First(&dispute).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("no open dispute for order")
		}
		return nil, fmt.Errorf("failed to load dispute: %w", err)
	}
	return &dispute, nil
}

// ensureActionable rejects lifecycle movement on held, disputed, or
// compliance-blocked orders.
func (s *Service) ensureActionable(ctx context.Context, order *models.Order) error {
	if order.Held {
		return fmt.Errorf("order is frozen: %s", order.HoldReason)
	}
	if complianceBlocked(order) {
		return fmt.Errorf("order is blocked pending compliance review")
	}
	disputes, err := s.loadDisputes(ctx, order.ID)
	if err != nil {
		return err
	}
	if hasOpenDispute(disputes) {
		return fmt.Errorf("order has an open dispute")
	}
	return nil
}

// transition moves the order to a new status, persisting the order row,
// a status-update row, and an audit entry.
func (s *Service) transition(ctx context.Context, order *models.Order, newStatus, actor, note string) error {
	if !CanTransition(order.Status, newStatus) {
		return fmt.Errorf("illegal transition %s -> %s", order.Status, newStatus)
	}
	oldStatus := order.Status
	order.Status = newStatus

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(order).Error; err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		update := &models.OrderStatusUpdate{
			ID:        uuid.New(),
			OrderID:   order.ID,
			OldStatus: oldStatus,
			NewStatus: newStatus,
			ChangedBy: actor,
			Note:      note,
		}
		if err := tx.Create(update).Error; err != nil {
			return fmt.Errorf("failed to record status update: %w", err)
		}
		return nil
	})
	if err != nil {
		order.Status = oldStatus
		return err
	}

	metrics.OrderTransitions.WithLabelValues(newStatus).Inc()
	s.record(ctx, actor, "order.status."+newStatus, order.ID, map[string]interface{}{"from": oldStatus, "note": note})
	s.logger.Info("Order transitioned",
		zap.String("orderID", order.ID.String()),
		zap.String("from", oldStatus),
		zap.String("to", newStatus),
		zap.String("actor", actor))
	return nil
}

func (s *Service) record(ctx context.Context, actor, action string, orderID uuid.UUID, details map[string]interface{}) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, actor, action, "order", orderID.String(), details); err != nil {
		s.logger.Warn("Audit record failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) view(o *models.Order, disputes []models.Dispute, now time.Time) *View {
	return &View{
		Order:           o,
		Disputes:        disputes,
		EffectiveStatus: EffectiveStatus(o, disputes),
		Lane:            Lane(o, disputes, now),
		NextAction:      NextAction(o, disputes, now),
		AtRisk:          AtRisk(o, now),
	}
}
