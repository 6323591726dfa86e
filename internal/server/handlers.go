package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quillmarket/quill/internal/listings"
	"github.com/quillmarket/quill/internal/payments"
	"github.com/quillmarket/quill/pkg/models"
)

// handleRegister handles account registration
func (s *Server) handleRegister(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	user, err := s.authSvc.Register(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// handleLogin handles login and token issuance
func (s *Server) handleLogin(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	resp, err := s.authSvc.Login(c.Request.Context(), &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetMe returns the authenticated user
func (s *Server) handleGetMe(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// handleBrowseListings lists the public catalogue
func (s *Server) handleBrowseListings(c *gin.Context) {
	var filter listings.BrowseFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		s.writeError(c, fmt.Errorf("invalid query: %w", err))
		return
	}
	items, total, err := s.listingsSvc.Browse(c.Request.Context(), &filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": items, "total": total})
}

// handleGetListing returns a single listing
func (s *Server) handleGetListing(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	listing, err := s.listingsSvc.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// handleCreateListing creates a draft listing for the seller
func (s *Server) handleCreateListing(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.ListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	listing, err := s.listingsSvc.Create(c.Request.Context(), userID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// handlePublishListing makes a draft listing live
func (s *Server) handlePublishListing(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.listingsSvc.Publish(c.Request.Context(), userID, id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// handleRemoveListing takes a listing off the catalogue
func (s *Server) handleRemoveListing(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.listingsSvc.Remove(c.Request.Context(), user.ID, user.IsStaff(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// handlePlaceBid places an auction bid
func (s *Server) handlePlaceBid(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	bid, err := s.listingsSvc.PlaceBid(c.Request.Context(), userID, id, req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bid": bid})
}

// handleListBids lists bids on a listing, highest first
func (s *Server) handleListBids(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	bids, err := s.listingsSvc.ListBids(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids})
}

// handleCheckout purchases a fixed-price listing
func (s *Server) handleCheckout(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	order, err := s.ordersSvc.Checkout(c.Request.Context(), userID, req.ListingID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// handleListOrders lists the user's own orders
func (s *Server) handleListOrders(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	orderList, total, err := s.ordersSvc.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orderList, "total": total})
}

// handleGetOrder returns an order with its derived dashboard fields.
// Only the buyer, seller, or staff may see it.
func (s *Server) handleGetOrder(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	view, err := s.ordersSvc.GetView(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !user.IsStaff() && view.Order.BuyerID != user.ID && view.Order.SellerID != user.ID {
		s.writeError(c, fmt.Errorf("order not found"))
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleShipOrder records a shipment. Seller only.
func (s *Server) handleShipOrder(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	view, err := s.ordersSvc.GetView(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if view.Order.SellerID != user.ID && !user.IsStaff() {
		s.writeError(c, fmt.Errorf("forbidden: only the seller can ship"))
		return
	}
	if err := s.ordersSvc.MarkShipped(c.Request.Context(), id, user.Email, req.TrackingNumber); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusShipped})
}

// handleDeliverOrder confirms delivery. Buyer only.
func (s *Server) handleDeliverOrder(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	view, err := s.ordersSvc.GetView(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if view.Order.BuyerID != user.ID && !user.IsStaff() {
		s.writeError(c, fmt.Errorf("forbidden: only the buyer can confirm delivery"))
		return
	}
	if err := s.ordersSvc.MarkDelivered(c.Request.Context(), id, user.Email); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusDelivered})
}

// handleCompleteOrder finalizes a delivered order. Buyer only.
func (s *Server) handleCompleteOrder(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	view, err := s.ordersSvc.GetView(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if view.Order.BuyerID != user.ID && !user.IsStaff() {
		s.writeError(c, fmt.Errorf("forbidden: only the buyer can complete the order"))
		return
	}
	if err := s.ordersSvc.Complete(c.Request.Context(), id, user.Email); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.OrderStatusCompleted})
}

// handleOpenDispute opens a dispute against an order. Buyer only.
func (s *Server) handleOpenDispute(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	view, err := s.ordersSvc.GetView(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if view.Order.BuyerID != user.ID {
		s.writeError(c, fmt.Errorf("forbidden: only the buyer can open a dispute"))
		return
	}
	dispute, err := s.ordersSvc.OpenDispute(c.Request.Context(), id, user.ID, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// handleCreateTicket opens a support ticket
func (s *Server) handleCreateTicket(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	ticket, err := s.supportSvc.Create(c.Request.Context(), userID, &req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": ticket})
}

// handleListMyTickets lists the user's own tickets
func (s *Server) handleListMyTickets(c *gin.Context) {
	userID, err := s.currentUserID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	tickets, err := s.supportSvc.ListForRequester(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

// handleGetTicket returns a ticket thread without internal notes
func (s *Server) handleGetTicket(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ticket, replies, err := s.supportSvc.Get(c.Request.Context(), id, user.IsStaff())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !user.IsStaff() && ticket.RequesterID != user.ID {
		s.writeError(c, fmt.Errorf("ticket not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": ticket, "replies": replies})
}

// handleTicketReply adds a requester reply to a ticket
func (s *Server) handleTicketReply(c *gin.Context) {
	user, err := s.currentUser(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	id, err := pathID(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var req models.TicketReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("invalid request: %w", err))
		return
	}
	reply, err := s.supportSvc.Reply(c.Request.Context(), id, user, req.Body, false)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"reply": reply})
}

// handlePaymentWebhook verifies and applies a payment processor event
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.writeError(c, fmt.Errorf("invalid request body: %w", err))
		return
	}

	timestamp := c.GetHeader("X-Quill-Timestamp")
	signature := c.GetHeader("X-Quill-Signature")
	if err := s.webhooks.Verify(body, timestamp, signature); err != nil {
		if errors.Is(err, payments.ErrStaleTimestamp) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	event, err := s.webhooks.Process(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, payments.ErrDuplicateEvent) {
			c.JSON(http.StatusConflict, gin.H{"error": "event already processed", "event_id": event.ID})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": event.ID})
}
