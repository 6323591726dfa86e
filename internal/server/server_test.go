package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/auth"
	"github.com/quillmarket/quill/internal/compliance"
	"github.com/quillmarket/quill/internal/listings"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/internal/middleware/ratelimit"
	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/internal/payments"
	"github.com/quillmarket/quill/internal/support"
	"github.com/quillmarket/quill/pkg/models"
	"github.com/quillmarket/quill/pkg/validation"
)

const serverWebhookSecret = "whsec_server_test"

type routerPayments struct{}

func (routerPayments) CreateCheckoutSession(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, currency string) (string, error) {
	return "sess_" + orderID.String()[:8], nil
}

func (routerPayments) CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal, reason string) (string, error) {
	return "re_" + uuid.NewString()[:8], nil
}

func (routerPayments) SubmitDisputeEvidence(ctx context.Context, processorRef, evidenceRef, note string) error {
	return nil
}

type testStack struct {
	router    *gin.Engine
	db        *gorm.DB
	authSvc   auth.AuthService
	ordersSvc orders.OrderService
}

func setupStack(t *testing.T, limiter *ratelimit.Limiter) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.Listing{}, &models.Bid{},
		&models.Order{}, &models.OrderStatusUpdate{}, &models.Dispute{},
		&models.SupportTicket{}, &models.TicketReply{},
		&models.AuditLog{}, &models.Reminder{},
		&models.ComplianceTransfer{}, &models.WebhookEvent{},
	))

	logger := zap.NewNop()
	validator := validation.NewValidator(logger)
	mail := mailer.NewNopMailer(logger)

	auditSvc, err := audit.NewService(logger, db)
	require.NoError(t, err)
	authSvc, err := auth.NewService(logger, db, "server-test-secret", time.Hour)
	require.NoError(t, err)
	ordersSvc, err := orders.NewService(logger, db, routerPayments{}, auditSvc, mail, 72*time.Hour, 14*24*time.Hour)
	require.NoError(t, err)
	listingsSvc, err := listings.NewService(logger, db, ordersSvc, validator)
	require.NoError(t, err)
	supportSvc, err := support.NewService(logger, db, auditSvc, mail, validator)
	require.NoError(t, err)
	complianceSvc, err := compliance.NewService(logger, db, ordersSvc, auditSvc)
	require.NoError(t, err)

	webhooks := payments.NewWebhookProcessor(logger, db, ordersSvc, serverWebhookSecret)

	srv := NewServer(logger, authSvc, listingsSvc, ordersSvc, supportSvc, complianceSvc, auditSvc, webhooks, limiter)
	return &testStack{router: srv.Router(), db: db, authSvc: authSvc, ordersSvc: ordersSvc}
}

// registerUser creates an account and returns a bearer token. Staff
// roles are set before login so the token carries the right claim.
func (ts *testStack) registerUser(t *testing.T, email, role string) string {
	t.Helper()
	ctx := context.Background()

	user, err := ts.authSvc.Register(ctx, &models.RegisterRequest{
		Email:       email,
		Password:    "correct-horse",
		DisplayName: "Test User",
	})
	require.NoError(t, err)
	if role != "" && role != user.Role {
		require.NoError(t, ts.db.Model(user).Update("role", role).Error)
	}

	resp, err := ts.authSvc.Login(ctx, &models.LoginRequest{Email: email, Password: "correct-horse"})
	require.NoError(t, err)
	return resp.Token
}

func (ts *testStack) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTicketReplyStatusCodes(t *testing.T) {
	ts := setupStack(t, nil)
	staff := ts.registerUser(t, "agent@example.com", "support")
	requester := ts.registerUser(t, "requester@example.com", "")

	created := ts.do(http.MethodPost, "/api/support/tickets", requester, gin.H{
		"subject":  "Package arrived damaged",
		"body":     "The box was crushed in transit.",
		"category": "shipping",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	ticketID := decodeBody(t, created)["ticket"].(map[string]interface{})["id"].(string)

	t.Run("MissingBodyIs400", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/api/admin/support/tickets/"+ticketID+"/reply", staff, gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, false, body["ok"])
		assert.NotEmpty(t, body["error"])
	})

	t.Run("MalformedJSONIs400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/support/tickets/"+ticketID+"/reply",
			bytes.NewBufferString("{not json"))
		req.Header.Set("Authorization", "Bearer "+staff)
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownTicketIs404", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/api/admin/support/tickets/"+uuid.NewString()+"/reply", staff,
			gin.H{"body": "checking in"})
		assert.Equal(t, http.StatusNotFound, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, false, body["ok"])
		assert.Contains(t, body["error"], "not found")
	})

	t.Run("ValidReplyIs201", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/api/admin/support/tickets/"+ticketID+"/reply", staff,
			gin.H{"body": "We are sending a replacement."})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["ok"])
	})

	t.Run("NonStaffIs403", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/api/admin/support/tickets/"+ticketID+"/reply", requester,
			gin.H{"body": "let me in"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, false, decodeBody(t, w)["ok"])
	})

	t.Run("MissingTokenIs401", func(t *testing.T) {
		w := ts.do(http.MethodPost, "/api/admin/support/tickets/"+ticketID+"/reply", "",
			gin.H{"body": "anonymous"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func signWebhook(body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(serverWebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(ts *testStack, body []byte, timestamp, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Quill-Timestamp", timestamp)
	req.Header.Set("X-Quill-Signature", signature)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestPaymentWebhookStatusCodes(t *testing.T) {
	ts := setupStack(t, nil)
	ctx := context.Background()

	seller := &models.User{ID: uuid.New(), Email: "seller@example.com", PasswordHash: "x", DisplayName: "Seller", Role: "seller"}
	buyer := &models.User{ID: uuid.New(), Email: "buyer@example.com", PasswordHash: "x", DisplayName: "Buyer", Role: "buyer"}
	require.NoError(t, ts.db.Create(seller).Error)
	require.NoError(t, ts.db.Create(buyer).Error)
	listing := &models.Listing{
		ID: uuid.New(), SellerID: seller.ID, Title: "Brass telescope",
		Kind: models.ListingKindFixed, Category: "antiques",
		Price: decimal.NewFromInt(75), Currency: "USD", Quantity: 1,
		Status: models.ListingStatusActive,
	}
	require.NoError(t, ts.db.Create(listing).Error)
	order, err := ts.ordersSvc.Checkout(ctx, buyer.ID, listing.ID)
	require.NoError(t, err)

	event, _ := json.Marshal(gin.H{
		"id":          "evt_1",
		"type":        payments.EventCheckoutCompleted,
		"payment_ref": order.PaymentRef,
	})
	now := strconv.FormatInt(time.Now().Unix(), 10)

	t.Run("BadSignatureIs401", func(t *testing.T) {
		w := postWebhook(ts, event, now, signWebhook([]byte("tampered"), now))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("StaleTimestampIs400", func(t *testing.T) {
		stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
		w := postWebhook(ts, event, stale, signWebhook(event, stale))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("ValidEventIs200AndAdvancesOrder", func(t *testing.T) {
		w := postWebhook(ts, event, now, signWebhook(event, now))
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, true, body["received"])
		assert.Equal(t, "evt_1", body["event_id"])

		var got models.Order
		require.NoError(t, ts.db.First(&got, "id = ?", order.ID).Error)
		assert.Equal(t, models.OrderStatusAwaitingShipment, got.Status)
	})

	t.Run("DuplicateEventIs409", func(t *testing.T) {
		w := postWebhook(ts, event, now, signWebhook(event, now))
		assert.Equal(t, http.StatusConflict, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "event already processed", body["error"])
		assert.Equal(t, "evt_1", body["event_id"])
	})
}

func TestPerUserRateLimiting(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewLimiter(zap.NewNop(), client, 1, time.Minute)

	ts := setupStack(t, limiter)
	alice := ts.registerUser(t, "alice@example.com", "")
	bob := ts.registerUser(t, "bob@example.com", "")

	// Same client IP for every httptest request: only per-user keying
	// lets the second user through once the first is throttled.
	first := ts.do(http.MethodGet, "/api/orders", alice, nil)
	require.Equal(t, http.StatusOK, first.Code)

	throttled := ts.do(http.MethodGet, "/api/orders", alice, nil)
	assert.Equal(t, http.StatusTooManyRequests, throttled.Code)
	assert.Equal(t, "60", throttled.Header().Get("Retry-After"))

	other := ts.do(http.MethodGet, "/api/orders", bob, nil)
	assert.Equal(t, http.StatusOK, other.Code, "each authenticated user gets an independent bucket")
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  string
		want int
	}{
		{"unauthorized: missing authorization header", http.StatusUnauthorized},
		{"forbidden: staff access required", http.StatusForbidden},
		{"order not found", http.StatusNotFound},
		{"compliance review already decided: approved", http.StatusConflict},
		{"order is frozen: fraud review", http.StatusUnprocessableEntity},
		{"cannot refund while a dispute is open", http.StatusUnprocessableEntity},
		{"invalid request: EOF", http.StatusBadRequest},
		{"refund amount 10 exceeds remaining captured amount 5", http.StatusBadRequest},
		{"database connection reset", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, errorStatus(fmt.Errorf("%s", tc.err)), tc.err)
	}
}
