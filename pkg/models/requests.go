package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RegisterRequest represents an account registration request
type RegisterRequest struct {
	Email       string `json:"email" binding:"required,email" validate:"required,email,max=254"`
	Password    string `json:"password" binding:"required,min=8" validate:"required,min=8,max=128"`
	DisplayName string `json:"display_name" binding:"required" validate:"required,min=1,max=80"`
	Seller      bool   `json:"seller"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email" validate:"required,email,max=254"`
	Password string `json:"password" binding:"required" validate:"required,min=8,max=128"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	User  *User  `json:"user,omitempty"`
	Token string `json:"token,omitempty" validate:"omitempty,jwt"`
}

// ListingRequest represents a listing creation request
type ListingRequest struct {
	Title        string           `json:"title" binding:"required,min=3,max=140" validate:"required,min=3,max=140"`
	Description  string           `json:"description" validate:"omitempty,max=5000"`
	Kind         string           `json:"kind" binding:"required,oneof=fixed auction" validate:"required,oneof=fixed auction"`
	Category     string           `json:"category" binding:"required" validate:"required,min=2,max=60"`
	Price        decimal.Decimal  `json:"price" binding:"required" validate:"required"`
	Currency     string           `json:"currency" binding:"required,len=3" validate:"required,len=3"`
	Quantity     int              `json:"quantity" validate:"omitempty,min=1"`
	Regulated    bool             `json:"regulated"`
	EndsAt       *time.Time       `json:"ends_at,omitempty"`
	ReservePrice *decimal.Decimal `json:"reserve_price,omitempty"`
}

// BidRequest represents an auction bid request
type BidRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required" validate:"required"`
}

// CheckoutRequest represents a purchase request against a listing
type CheckoutRequest struct {
	ListingID uuid.UUID `json:"listing_id" binding:"required" validate:"required,uuid"`
}

// ShipRequest carries the tracking number for a shipment
type ShipRequest struct {
	TrackingNumber string `json:"tracking_number" binding:"required,max=64" validate:"required,max=64"`
}

// HoldRequest sets or clears an admin hold on an order
type HoldRequest struct {
	Held   bool   `json:"held"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// RefundRequest represents an admin refund request. A zero amount
// refunds the full remaining captured amount.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason" binding:"required,min=3,max=500" validate:"required,min=3,max=500"`
}

// DisputeRequest opens a dispute against an order
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=1000" validate:"required,min=3,max=1000"`
}

// DisputePacketRequest submits an evidence packet for an open dispute
type DisputePacketRequest struct {
	EvidenceRef string `json:"evidence_ref" binding:"required,max=128" validate:"required,max=128"`
	Note        string `json:"note" validate:"omitempty,max=1000"`
}

// ResolveDisputeRequest resolves a dispute in favor of a party
type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required,oneof=won lost" validate:"required,oneof=won lost"`
	Note    string `json:"note" validate:"omitempty,max=1000"`
}

// TicketCreateRequest opens a support ticket
type TicketCreateRequest struct {
	Subject  string     `json:"subject" binding:"required,min=3,max=200" validate:"required,min=3,max=200"`
	Body     string     `json:"body" binding:"required,min=1,max=10000" validate:"required,min=1,max=10000"`
	Category string     `json:"category" binding:"required" validate:"required,min=2,max=60"`
	Priority string     `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	OrderID  *uuid.UUID `json:"order_id,omitempty" validate:"omitempty,uuid"`
}

// TicketReplyRequest adds a reply to a support ticket
type TicketReplyRequest struct {
	Body     string `json:"body" binding:"required,min=1,max=10000" validate:"required,min=1,max=10000"`
	Internal bool   `json:"internal"`
}

// TicketAssignRequest assigns a ticket to an operator
type TicketAssignRequest struct {
	AssignedTo string `json:"assigned_to" binding:"required,max=100" validate:"required,max=100"`
}

// TicketStatusRequest changes a ticket status
type TicketStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=open pending resolved closed" validate:"required,oneof=open pending resolved closed"`
}

// ComplianceDecisionRequest approves or rejects a compliance transfer
type ComplianceDecisionRequest struct {
	Note string `json:"note" validate:"omitempty,max=1000"`
}

// AuditFilter carries audit-log query parameters
type AuditFilter struct {
	Actor      string     `form:"actor" json:"actor" validate:"omitempty,max=100"`
	Action     string     `form:"action" json:"action" validate:"omitempty,max=100"`
	TargetType string     `form:"targetType" json:"targetType" validate:"omitempty,max=60"`
	TargetID   string     `form:"targetId" json:"targetId" validate:"omitempty,max=100"`
	Since      *time.Time `form:"since" json:"since"`
	Until      *time.Time `form:"until" json:"until"`
	Limit      int        `form:"limit" json:"limit" validate:"omitempty,min=1,max=500"`
	Offset     int        `form:"offset" json:"offset" validate:"omitempty,min=0"`
}
