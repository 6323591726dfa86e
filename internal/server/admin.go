package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillmarket/quill/pkg/models"
)

// Admin console responses wrap payloads in an ok envelope so the ops UI
// can branch on one field.

func (s *Server) writeAdminError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"ok": false, "error": err.Error()})
}

// handleAdminListTickets serves the operator ticket queue
func (s *Server) handleAdminListTickets(c *gin.Context) {
	var filter models.TicketFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid query: %w", err))
		return
	}
	result, err := s.supportSvc.List(c.Request.Context(), &filter)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	resp := gin.H{"ok": true, "tickets": result.Tickets, "total": result.Total}
	if result.Warning != "" {
		resp["warning"] = result.Warning
	}
	c.JSON(http.StatusOK, resp)
}

// handleAdminGetTicket returns a full ticket thread including internal notes
func (s *Server) handleAdminGetTicket(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	ticket, replies, err := s.supportSvc.Get(c.Request.Context(), id, true)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ticket": ticket, "replies": replies})
}

// handleAdminTicketReply posts an operator reply or internal note
func (s *Server) handleAdminTicketReply(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.TicketReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	reply, err := s.supportSvc.Reply(c.Request.Context(), id, user, req.Body, req.Internal)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "reply": reply})
}

// handleAdminTicketAssign routes a ticket to an operator
func (s *Server) handleAdminTicketAssign(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.TicketAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.supportSvc.Assign(c.Request.Context(), id, req.AssignedTo, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "assigned_to": req.AssignedTo})
}

// handleAdminTicketStatus moves a ticket to a new status
func (s *Server) handleAdminTicketStatus(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.TicketStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.supportSvc.SetStatus(c.Request.Context(), id, req.Status, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": req.Status})
}

// handleAdminListOrders serves the ops dashboard, optionally by lane
func (s *Server) handleAdminListOrders(c *gin.Context) {
	lane := c.Query("lane")
	views, err := s.ordersSvc.ListOps(c.Request.Context(), lane)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "orders": views, "total": len(views)})
}

// handleAdminGetOrder returns the full dashboard view of one order
func (s *Server) handleAdminGetOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	view, err := s.ordersSvc.GetView(c.Request.Context(), id)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "order": view})
}

// handleAdminHoldOrder sets or clears an order freeze
func (s *Server) handleAdminHoldOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Held && req.Reason == "" {
		s.writeAdminError(c, fmt.Errorf("hold requires a reason"))
		return
	}
	if err := s.ordersSvc.SetHold(c.Request.Context(), id, req.Held, req.Reason, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "held": req.Held})
}

// handleAdminRemindOrder sends a deadline reminder to the seller
func (s *Server) handleAdminRemindOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	if err := s.ordersSvc.SendReminder(c.Request.Context(), id, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "reminded": true})
}

// handleAdminRefundOrder refunds part or all of an order
func (s *Server) handleAdminRefundOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.ordersSvc.Refund(c.Request.Context(), id, req.Amount, req.Reason, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "refunded": true})
}

// handleAdminDisputePacket submits an evidence packet for the open dispute
func (s *Server) handleAdminDisputePacket(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.DisputePacketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.ordersSvc.SubmitDisputePacket(c.Request.Context(), id, req.EvidenceRef, req.Note, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "evidence_ref": req.EvidenceRef})
}

// handleAdminResolveDispute closes the open dispute on an order
func (s *Server) handleAdminResolveDispute(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.ordersSvc.ResolveDispute(c.Request.Context(), id, req.Outcome, req.Note, c.GetString("userEmail")); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": req.Outcome})
}

// handleAdminListTransfers serves the compliance review queue
func (s *Server) handleAdminListTransfers(c *gin.Context) {
	transfers, err := s.complianceSvc.ListPending(c.Request.Context())
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "transfers": transfers, "total": len(transfers)})
}

// handleAdminApproveTransfer clears a compliance transfer
func (s *Server) handleAdminApproveTransfer(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.ComplianceDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.complianceSvc.Approve(c.Request.Context(), id, c.GetString("userEmail"), req.Note); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": models.ComplianceStatusApproved})
}

// handleAdminRejectTransfer denies a compliance transfer
func (s *Server) handleAdminRejectTransfer(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	var req models.ComplianceDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeAdminError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	if err := s.complianceSvc.Reject(c.Request.Context(), id, c.GetString("userEmail"), req.Note); err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": models.ComplianceStatusRejected})
}

// handleAdminListAudit queries the audit log
func (s *Server) handleAdminListAudit(c *gin.Context) {
	var filter models.AuditFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		s.writeAdminError(c, fmt.Errorf("invalid query: %w", err))
		return
	}
	entries, total, err := s.auditSvc.Query(c.Request.Context(), &filter)
	if err != nil {
		s.writeAdminError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "entries": entries, "total": total})
}
