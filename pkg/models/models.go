package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User represents a marketplace account
type User struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Email        string    `json:"email" gorm:"uniqueIndex" validate:"required,email,max=254"`
	PasswordHash string    `json:"-" gorm:"column:password_hash" validate:"required,min=60"`
	DisplayName  string    `json:"display_name" validate:"required,min=1,max=80"`
	Role         string    `json:"role" gorm:"default:buyer" validate:"required,oneof=buyer seller admin support"`
	Suspended    bool      `json:"suspended"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsStaff reports whether the user may use the admin operations API.
func (u *User) IsStaff() bool {
	return u.Role == "admin" || u.Role == "support"
}

// Listing kinds
const (
	ListingKindFixed   = "fixed"
	ListingKindAuction = "auction"
)

// Listing statuses
const (
	ListingStatusDraft   = "draft"
	ListingStatusActive  = "active"
	ListingStatusSold    = "sold"
	ListingStatusClosed  = "closed"
	ListingStatusRemoved = "removed"
)

// Listing represents an item offered for sale, fixed price or auction
type Listing struct {
	ID           uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	SellerID     uuid.UUID        `json:"seller_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Title        string           `json:"title" validate:"required,min=3,max=140"`
	Description  string           `json:"description" gorm:"type:text" validate:"omitempty,max=5000"`
	Kind         string           `json:"kind" validate:"required,oneof=fixed auction"`
	Category     string           `json:"category" gorm:"index" validate:"required,min=2,max=60"`
	Price        decimal.Decimal  `json:"price" gorm:"type:decimal(18,2)" validate:"required"`
	Currency     string           `json:"currency" validate:"required,len=3"`
	Quantity     int              `json:"quantity" gorm:"default:1" validate:"min=0"`
	Status       string           `json:"status" gorm:"index" validate:"required,oneof=draft active sold closed removed"`
	Regulated    bool             `json:"regulated"` // sales gated behind a compliance transfer
	EndsAt       *time.Time       `json:"ends_at,omitempty"`
	ReservePrice *decimal.Decimal `json:"reserve_price,omitempty" gorm:"type:decimal(18,2)"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Bid represents an auction bid on a listing
type Bid struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	ListingID uuid.UUID       `json:"listing_id" gorm:"type:uuid;index" validate:"required,uuid"`
	BidderID  uuid.UUID       `json:"bidder_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(18,2)" validate:"required"`
	CreatedAt time.Time       `json:"created_at"`
}

// Order statuses, in lifecycle order. Terminal states: completed, canceled, refunded.
const (
	OrderStatusPendingPayment   = "pending_payment"
	OrderStatusPaid             = "paid"
	OrderStatusAwaitingShipment = "awaiting_shipment"
	OrderStatusShipped          = "shipped"
	OrderStatusDelivered        = "delivered"
	OrderStatusCompleted        = "completed"
	OrderStatusCanceled         = "canceled"
	OrderStatusRefunded         = "refunded"
)

// Derived (display-only) statuses, never stored on the order row.
const (
	EffectiveStatusFrozen            = "frozen"
	EffectiveStatusDisputed          = "disputed"
	EffectiveStatusComplianceBlocked = "compliance_blocked"
)

// Compliance review states carried on gated orders.
const (
	ComplianceStatusPending  = "pending"
	ComplianceStatusApproved = "approved"
	ComplianceStatusRejected = "rejected"
)

// Order represents a purchase of a listing
type Order struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	BuyerID            uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index" validate:"required,uuid"`
	SellerID           uuid.UUID       `json:"seller_id" gorm:"type:uuid;index" validate:"required,uuid"`
	ListingID          uuid.UUID       `json:"listing_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Amount             decimal.Decimal `json:"amount" gorm:"type:decimal(18,2)" validate:"required"`
	RefundedAmount     decimal.Decimal `json:"refunded_amount" gorm:"type:decimal(18,2)"`
	Currency           string          `json:"currency" validate:"required,len=3"`
	Status             string          `json:"status" gorm:"index" validate:"required,oneof=pending_payment paid awaiting_shipment shipped delivered completed canceled refunded"`
	ShipBy             *time.Time      `json:"ship_by,omitempty"`
	DeliverBy          *time.Time      `json:"deliver_by,omitempty"`
	TrackingNumber     string          `json:"tracking_number,omitempty" validate:"omitempty,max=64"`
	Held               bool            `json:"held" gorm:"index"`
	HoldReason         string          `json:"hold_reason,omitempty" validate:"omitempty,max=500"`
	ComplianceRequired bool            `json:"compliance_required"`
	ComplianceStatus   string          `json:"compliance_status,omitempty" validate:"omitempty,oneof=pending approved rejected"`
	PaymentRef         string          `json:"payment_ref,omitempty" gorm:"index" validate:"omitempty,max=128"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the order has reached a final state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusCompleted, OrderStatusCanceled, OrderStatusRefunded:
		return true
	}
	return false
}

// OrderStatusUpdate records a single lifecycle transition
type OrderStatusUpdate struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OrderID   uuid.UUID `json:"order_id" gorm:"type:uuid;index" validate:"required,uuid"`
	OldStatus string    `json:"old_status" validate:"required"`
	NewStatus string    `json:"new_status" validate:"required"`
	ChangedBy string    `json:"changed_by" validate:"required,max=100"`
	Note      string    `json:"note,omitempty" validate:"omitempty,max=500"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispute statuses
const (
	DisputeStatusOpen              = "open"
	DisputeStatusEvidenceSubmitted = "evidence_submitted"
	DisputeStatusWon               = "won"
	DisputeStatusLost              = "lost"
	DisputeStatusWithdrawn         = "withdrawn"
)

// Dispute represents a payment dispute raised against an order
type Dispute struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OrderID        uuid.UUID       `json:"order_id" gorm:"type:uuid;index" validate:"required,uuid"`
	OpenedBy       uuid.UUID       `json:"opened_by" gorm:"type:uuid" validate:"required,uuid"`
	Reason         string          `json:"reason" validate:"required,min=3,max=1000"`
	Status         string          `json:"status" gorm:"index" validate:"required,oneof=open evidence_submitted won lost withdrawn"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:decimal(18,2)" validate:"required"`
	EvidenceRef    string          `json:"evidence_ref,omitempty" validate:"omitempty,max=128"`
	EvidenceDueBy  *time.Time      `json:"evidence_due_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ProcessorRef   string          `json:"processor_ref,omitempty" gorm:"index" validate:"omitempty,max=128"`
	ResolutionNote string          `json:"resolution_note,omitempty" validate:"omitempty,max=1000"`
}

// Open reports whether the dispute still needs resolution.
func (d *Dispute) Open() bool {
	return d.Status == DisputeStatusOpen || d.Status == DisputeStatusEvidenceSubmitted
}

// AuditLog records an operator or system action
type AuditLog struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Actor      string    `json:"actor" gorm:"index" validate:"required,min=1,max=100"`
	Action     string    `json:"action" gorm:"index" validate:"required,min=1,max=100"`
	TargetType string    `json:"target_type" validate:"required,min=1,max=60"`
	TargetID   string    `json:"target_id" gorm:"index" validate:"required,max=100"`
	Details    string    `json:"details" gorm:"type:text" validate:"omitempty,json"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reminder kinds
const (
	ReminderKindShipBy    = "ship_by"
	ReminderKindDeliverBy = "deliver_by"
)

// Reminder records that a deadline reminder was sent for an order.
// One row per order+kind keeps the scheduler from re-sending.
type Reminder struct {
	ID      uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OrderID uuid.UUID `json:"order_id" gorm:"type:uuid;index:idx_reminder_order_kind,unique" validate:"required,uuid"`
	Kind    string    `json:"kind" gorm:"index:idx_reminder_order_kind,unique" validate:"required,oneof=ship_by deliver_by"`
	SentAt  time.Time `json:"sent_at"`
}

// ComplianceTransfer represents a regulatory-document review gating an order
type ComplianceTransfer struct {
	ID           uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OrderID      uuid.UUID  `json:"order_id" gorm:"type:uuid;index" validate:"required,uuid"`
	DocumentType string     `json:"document_type" validate:"required,min=2,max=60"`
	Status       string     `json:"status" gorm:"index" validate:"required,oneof=pending approved rejected"`
	Reviewer     string     `json:"reviewer,omitempty" validate:"omitempty,max=100"`
	Note         string     `json:"note,omitempty" validate:"omitempty,max=1000"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// WebhookEvent records a processed payment-processor event for idempotency
type WebhookEvent struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	EventID    string    `json:"event_id" gorm:"uniqueIndex" validate:"required,max=128"`
	EventType  string    `json:"event_type" validate:"required,max=60"`
	ReceivedAt time.Time `json:"received_at"`
}
