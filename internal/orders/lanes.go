package orders

import (
	"time"

	"github.com/quillmarket/quill/pkg/models"
)

// Operations lanes for the admin dashboard. Classification is pure and
// total: every order lands in exactly one lane.
const (
	LaneOverdue     = "overdue"
	LaneDisputes    = "disputes"
	LaneNeedsAction = "needs_action"
	LaneCompleted   = "completed"
	LaneInFlight    = "in_flight"
)

// Lanes lists all lanes in dashboard display order.
var Lanes = []string{LaneOverdue, LaneNeedsAction, LaneDisputes, LaneCompleted, LaneInFlight}

// atRiskWindow is how close a deadline must be before an order is
// flagged at risk.
const atRiskWindow = 24 * time.Hour

// Lane classifies an order for the ops dashboard. Precedence: overdue
// beats disputes beats needs-action. Terminal orders land in completed
// unless a dispute is still open; disputes raised inside the
// post-completion window carry live evidence deadlines and must stay
// visible in the disputes lane.
func Lane(o *models.Order, disputes []models.Dispute, now time.Time) string {
	if overdue(o, now) {
		return LaneOverdue
	}
	if hasOpenDispute(disputes) {
		return LaneDisputes
	}
	if o.Terminal() {
		return LaneCompleted
	}
	if needsAction(o) {
		return LaneNeedsAction
	}
	switch o.Status {
	case models.OrderStatusPendingPayment, models.OrderStatusShipped, models.OrderStatusDelivered:
		return LaneInFlight
	}
	// Unknown status: surface for review rather than hiding the order.
	return LaneNeedsAction
}

// overdue reports whether a deadline has passed without the order
// advancing. A deadline exactly at now is not overdue.
func overdue(o *models.Order, now time.Time) bool {
	switch o.Status {
	case models.OrderStatusPaid, models.OrderStatusAwaitingShipment:
		return o.ShipBy != nil && now.After(*o.ShipBy)
	case models.OrderStatusShipped:
		return o.DeliverBy != nil && now.After(*o.DeliverBy)
	}
	return false
}

func needsAction(o *models.Order) bool {
	if o.Held {
		return true
	}
	if complianceBlocked(o) {
		return true
	}
	switch o.Status {
	case models.OrderStatusPaid, models.OrderStatusAwaitingShipment:
		return true
	}
	return false
}

// AtRisk reports whether an order's next deadline falls inside the
// warning window without the order having advanced past it.
func AtRisk(o *models.Order, now time.Time) bool {
	var deadline *time.Time
	switch o.Status {
	case models.OrderStatusPaid, models.OrderStatusAwaitingShipment:
		deadline = o.ShipBy
	case models.OrderStatusShipped:
		deadline = o.DeliverBy
	default:
		return false
	}
	if deadline == nil {
		return false
	}
	remaining := deadline.Sub(now)
	return remaining > 0 && remaining <= atRiskWindow
}

// NextAction computes the next required action string shown per order
// on the dashboard.
func NextAction(o *models.Order, disputes []models.Dispute, now time.Time) string {
	if o.Held {
		return "review hold and release or refund"
	}
	for i := range disputes {
		d := &disputes[i]
		switch d.Status {
		case models.DisputeStatusOpen:
			return "submit dispute evidence packet"
		case models.DisputeStatusEvidenceSubmitted:
			return "await dispute resolution"
		}
	}
	if complianceBlocked(o) {
		return "await compliance transfer approval"
	}
	switch o.Status {
	case models.OrderStatusPendingPayment:
		return "await buyer payment"
	case models.OrderStatusPaid, models.OrderStatusAwaitingShipment:
		if overdue(o, now) {
			return "contact seller: shipment overdue"
		}
		return "seller to ship"
	case models.OrderStatusShipped:
		if overdue(o, now) {
			return "contact carrier: delivery overdue"
		}
		return "await delivery"
	case models.OrderStatusDelivered:
		return "confirm completion"
	case models.OrderStatusCompleted, models.OrderStatusCanceled, models.OrderStatusRefunded:
		return "none"
	}
	return "review order state"
}
