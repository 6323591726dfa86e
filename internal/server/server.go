package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/auth"
	"github.com/quillmarket/quill/internal/compliance"
	"github.com/quillmarket/quill/internal/listings"
	"github.com/quillmarket/quill/internal/middleware/ratelimit"
	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/internal/payments"
	"github.com/quillmarket/quill/internal/support"
	"github.com/quillmarket/quill/pkg/metrics"
	"github.com/quillmarket/quill/pkg/models"
	"github.com/quillmarket/quill/pkg/validation"
)

// Server represents the HTTP server
type Server struct {
	logger        *zap.Logger
	authSvc       auth.AuthService
	listingsSvc   listings.ListingService
	ordersSvc     orders.OrderService
	supportSvc    support.SupportService
	complianceSvc compliance.ComplianceService
	auditSvc      audit.AuditService
	webhooks      *payments.WebhookProcessor
	limiter       *ratelimit.Limiter
}

// NewServer creates a new HTTP server
func NewServer(
	logger *zap.Logger,
	authSvc auth.AuthService,
	listingsSvc listings.ListingService,
	ordersSvc orders.OrderService,
	supportSvc support.SupportService,
	complianceSvc compliance.ComplianceService,
	auditSvc audit.AuditService,
	webhooks *payments.WebhookProcessor,
	limiter *ratelimit.Limiter,
) *Server {
	return &Server{
		logger:        logger,
		authSvc:       authSvc,
		listingsSvc:   listingsSvc,
		ordersSvc:     ordersSvc,
		supportSvc:    supportSvc,
		complianceSvc: complianceSvc,
		auditSvc:      auditSvc,
		webhooks:      webhooks,
		limiter:       limiter,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("quill"))
	router.Use(cors.Default())
	router.Use(s.metricsMiddleware())
	router.Use(validation.Middleware(s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/api/webhooks/payments", s.webhookRateLimit(), s.handlePaymentWebhook)

	api := router.Group("/api")
	{
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.rateLimit(), s.handleRegister)
			authGroup.POST("/login", s.rateLimit(), s.handleLogin)
			authGroup.GET("/me", s.authMiddleware(), s.rateLimit(), s.handleGetMe)
		}

		listingGroup := api.Group("/listings")
		{
			listingGroup.GET("", s.rateLimit(), s.handleBrowseListings)
			listingGroup.GET("/:id", s.rateLimit(), s.handleGetListing)
			listingGroup.GET("/:id/bids", s.rateLimit(), s.handleListBids)

			authed := listingGroup.Group("", s.authMiddleware(), s.rateLimit())
			authed.POST("", s.handleCreateListing)
			authed.POST("/:id/publish", s.handlePublishListing)
			authed.DELETE("/:id", s.handleRemoveListing)
			authed.POST("/:id/bids", s.handlePlaceBid)
		}

		orderGroup := api.Group("/orders", s.authMiddleware(), s.rateLimit())
		{
			orderGroup.POST("", s.handleCheckout)
			orderGroup.GET("", s.handleListOrders)
			orderGroup.GET("/:id", s.handleGetOrder)
			orderGroup.POST("/:id/ship", s.handleShipOrder)
			orderGroup.POST("/:id/deliver", s.handleDeliverOrder)
			orderGroup.POST("/:id/complete", s.handleCompleteOrder)
			orderGroup.POST("/:id/disputes", s.handleOpenDispute)
		}

		ticketGroup := api.Group("/support/tickets", s.authMiddleware(), s.rateLimit())
		{
			ticketGroup.POST("", s.handleCreateTicket)
			ticketGroup.GET("", s.handleListMyTickets)
			ticketGroup.GET("/:id", s.handleGetTicket)
			ticketGroup.POST("/:id/reply", s.handleTicketReply)
		}

		admin := api.Group("/admin", s.authMiddleware(), s.staffMiddleware(), s.rateLimit())
		{
			adminTickets := admin.Group("/support/tickets")
			{
				adminTickets.GET("", s.handleAdminListTickets)
				adminTickets.GET("/:id", s.handleAdminGetTicket)
				adminTickets.POST("/:id/reply", s.handleAdminTicketReply)
				adminTickets.POST("/:id/assign", s.handleAdminTicketAssign)
				adminTickets.POST("/:id/status", s.handleAdminTicketStatus)
			}

			adminOrders := admin.Group("/orders")
			{
				adminOrders.GET("", s.handleAdminListOrders)
				adminOrders.GET("/:id", s.handleAdminGetOrder)
				adminOrders.POST("/:id/hold", s.handleAdminHoldOrder)
				adminOrders.POST("/:id/remind", s.handleAdminRemindOrder)
				adminOrders.POST("/:id/refund", s.handleAdminRefundOrder)
				adminOrders.POST("/:id/dispute-packet", s.handleAdminDisputePacket)
				adminOrders.POST("/:id/resolve-dispute", s.handleAdminResolveDispute)
			}

			adminCompliance := admin.Group("/compliance/transfers")
			{
				adminCompliance.GET("", s.handleAdminListTransfers)
				adminCompliance.POST("/:id/approve", s.handleAdminApproveTransfer)
				adminCompliance.POST("/:id/reject", s.handleAdminRejectTransfer)
			}

			admin.GET("/audit", s.handleAdminListAudit)
		}
	}

	return router
}

// rateLimit returns the limiter middleware, or a pass-through when rate
// limiting is disabled. It is attached after authMiddleware on
// authenticated groups so the limiter sees userID and keys per user
// instead of per client IP.
func (s *Server) rateLimit() gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.Middleware()
}

// Webhook traffic is unauthenticated and arrives in retry bursts, so it
// gets a token bucket instead of the per-user sliding window.
const (
	webhookBurstCapacity = 30
	webhookRefillPerSec  = 10
)

func (s *Server) webhookRateLimit() gin.HandlerFunc {
	if s.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.limiter.BurstMiddleware(webhookBurstCapacity, webhookRefillPerSec)
}

// errorStatus maps service error messages to HTTP status codes
func errorStatus(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unauthorized"):
		return http.StatusUnauthorized
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "only the seller") ||
		strings.Contains(msg, "only staff"):
		return http.StatusForbidden
	case strings.Contains(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "already"):
		return http.StatusConflict
	case strings.Contains(msg, "frozen") || strings.Contains(msg, "dispute is open") ||
		strings.Contains(msg, "open dispute") || strings.Contains(msg, "blocked pending compliance") ||
		strings.Contains(msg, "cannot") || strings.Contains(msg, "illegal transition"):
		return http.StatusUnprocessableEntity
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "must") ||
		strings.Contains(msg, "require") || strings.Contains(msg, "exceeds") ||
		strings.Contains(msg, "is not") || strings.Contains(msg, "has no") ||
		strings.Contains(msg, "closed") || strings.Contains(msg, "ended"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response with mapped status
func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"ok": false, "error": err.Error()})
}

// authMiddleware validates the bearer token and stashes the user in context
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			s.writeError(c, fmt.Errorf("unauthorized: missing authorization header"))
			c.Abort()
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		claims, err := s.authSvc.ValidateToken(c.Request.Context(), token)
		if err != nil {
			s.writeError(c, fmt.Errorf("unauthorized: %w", err))
			c.Abort()
			return
		}

		c.Set("userID", claims.UserID.String())
		c.Set("userEmail", claims.Email)
		c.Set("userRole", claims.Role)
		c.Next()
	}
}

// staffMiddleware restricts a route group to admin and support roles
func (s *Server) staffMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("userRole")
		if role != "admin" && role != "support" {
			s.writeError(c, fmt.Errorf("forbidden: staff access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// currentUserID reads the authenticated user ID set by authMiddleware
func (s *Server) currentUserID(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetString("userID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("unauthorized: invalid user ID in context")
	}
	return id, nil
}

// currentUser loads the full user record for the authenticated request
func (s *Server) currentUser(c *gin.Context) (*models.User, error) {
	id, err := s.currentUserID(c)
	if err != nil {
		return nil, err
	}
	return s.authSvc.GetUser(c.Request.Context(), id)
}

func pathID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id parameter")
	}
	return id, nil
}
