package models

import (
	"time"

	"github.com/google/uuid"
)

// Ticket statuses
const (
	TicketStatusOpen     = "open"
	TicketStatusPending  = "pending"
	TicketStatusResolved = "resolved"
	TicketStatusClosed   = "closed"
)

// Ticket priorities
const (
	TicketPriorityLow    = "low"
	TicketPriorityNormal = "normal"
	TicketPriorityHigh   = "high"
	TicketPriorityUrgent = "urgent"
)

// SupportTicket represents a customer support request
type SupportTicket struct {
	ID             uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	RequesterID    uuid.UUID  `json:"requester_id" gorm:"type:uuid;index" validate:"required,uuid"`
	OrderID        *uuid.UUID `json:"order_id,omitempty" gorm:"type:uuid;index" validate:"omitempty,uuid"`
	Subject        string     `json:"subject" validate:"required,min=3,max=200"`
	Body           string     `json:"body" gorm:"type:text" validate:"required,min=1,max=10000"`
	Status         string     `json:"status" gorm:"index:idx_ticket_status_priority,priority:1" validate:"required,oneof=open pending resolved closed"`
	Priority       string     `json:"priority" gorm:"index:idx_ticket_status_priority,priority:2" validate:"required,oneof=low normal high urgent"`
	Category       string     `json:"category" gorm:"index" validate:"required,min=2,max=60"`
	AssignedTo     string     `json:"assigned_to,omitempty" gorm:"index" validate:"omitempty,max=100"`
	LastActivityAt time.Time  `json:"last_activity_at" gorm:"index"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TicketReply represents a single message on a support ticket.
// Internal replies are operator notes never shown to the requester.
type TicketReply struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	TicketID  uuid.UUID `json:"ticket_id" gorm:"type:uuid;index" validate:"required,uuid"`
	AuthorID  uuid.UUID `json:"author_id" gorm:"type:uuid" validate:"required,uuid"`
	Body      string    `json:"body" gorm:"type:text" validate:"required,min=1,max=10000"`
	Internal  bool      `json:"internal"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketFilter carries the admin ticket-list query parameters.
// SortBy falls back to created_at for unknown values.
type TicketFilter struct {
	Status     string `form:"status" json:"status" validate:"omitempty,oneof=open pending resolved closed"`
	Priority   string `form:"priority" json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Category   string `form:"category" json:"category" validate:"omitempty,max=60"`
	AssignedTo string `form:"assignedTo" json:"assignedTo" validate:"omitempty,max=100"`
	SortBy     string `form:"sortBy" json:"sortBy" validate:"omitempty,oneof=created_at last_activity priority"`
	Limit      int    `form:"limit" json:"limit" validate:"omitempty,min=1,max=200"`
	Offset     int    `form:"offset" json:"offset" validate:"omitempty,min=0"`
}
