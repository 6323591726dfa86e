package orders

import (
	"github.com/quillmarket/quill/pkg/models"
)

// transitions maps each order status to the statuses it may legally
// move to. Cancel and refund are reachable from every non-terminal state;
// forward movement never skips a state.
var transitions = map[string][]string{
	models.OrderStatusPendingPayment:   {models.OrderStatusPaid, models.OrderStatusCanceled},
	models.OrderStatusPaid:             {models.OrderStatusAwaitingShipment, models.OrderStatusCanceled, models.OrderStatusRefunded},
	models.OrderStatusAwaitingShipment: {models.OrderStatusShipped, models.OrderStatusCanceled, models.OrderStatusRefunded},
	models.OrderStatusShipped:          {models.OrderStatusDelivered, models.OrderStatusRefunded},
	models.OrderStatusDelivered:        {models.OrderStatusCompleted, models.OrderStatusRefunded},
	models.OrderStatusCompleted:        {models.OrderStatusRefunded},
	models.OrderStatusCanceled:         {},
	models.OrderStatusRefunded:         {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EffectiveStatus derives the display status for an order. Admin holds
// mask everything; an open dispute masks the base status, terminal or
// not, since disputes can arrive after completion; a pending compliance
// review masks paid-but-unshipped orders.
func EffectiveStatus(o *models.Order, disputes []models.Dispute) string {
	if o.Held {
		return models.EffectiveStatusFrozen
	}
	if hasOpenDispute(disputes) {
		return models.EffectiveStatusDisputed
	}
	if complianceBlocked(o) {
		return models.EffectiveStatusComplianceBlocked
	}
	return o.Status
}

func hasOpenDispute(disputes []models.Dispute) bool {
	for i := range disputes {
		if disputes[i].Open() {
			return true
		}
	}
	return false
}

// complianceBlocked reports whether a pending compliance review is
// holding the order short of shipment.
func complianceBlocked(o *models.Order) bool {
	if !o.ComplianceRequired || o.ComplianceStatus != models.ComplianceStatusPending {
		return false
	}
	switch o.Status {
	case models.OrderStatusPaid, models.OrderStatusAwaitingShipment:
		return true
	}
	return false
}
