package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client talks to the external payment processor's REST API. It
// implements the order lifecycle's PaymentClient interface.
type Client struct {
	logger  *zap.Logger
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a payment processor client
func NewClient(logger *zap.Logger, baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:  logger,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type checkoutSessionRequest struct {
	OrderID  string `json:"order_id"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type checkoutSessionResponse struct {
	SessionRef string `json:"session_ref"`
}

// CreateCheckoutSession opens a hosted checkout session for an order
// and returns the processor's session reference.
func (c *Client) CreateCheckoutSession(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, currency string) (string, error) {
	req := checkoutSessionRequest{
		OrderID:  orderID.String(),
		Amount:   amount.String(),
		Currency: currency,
	}
	var resp checkoutSessionResponse
	if err := c.post(ctx, "/v1/checkout/sessions", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	if resp.SessionRef == "" {
		return "", fmt.Errorf("processor returned empty session ref")
	}
	return resp.SessionRef, nil
}

type refundRequest struct {
	PaymentRef string `json:"payment_ref"`
	Amount     string `json:"amount"`
	Reason     string `json:"reason"`
}

type refundResponse struct {
	RefundRef string `json:"refund_ref"`
}

// CreateRefund issues a refund against a captured payment
func (c *Client) CreateRefund(ctx context.Context, paymentRef string, amount decimal.Decimal, reason string) (string, error) {
	req := refundRequest{
		PaymentRef: paymentRef,
		Amount:     amount.String(),
		Reason:     reason,
	}
	var resp refundResponse
	if err := c.post(ctx, "/v1/refunds", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create refund: %w", err)
	}
	return resp.RefundRef, nil
}

type evidenceRequest struct {
	EvidenceRef string `json:"evidence_ref"`
	Note        string `json:"note,omitempty"`
}

// SubmitDisputeEvidence forwards an evidence packet for a processor dispute
func (c *Client) SubmitDisputeEvidence(ctx context.Context, processorRef, evidenceRef, note string) error {
	if processorRef == "" {
		// Internal disputes never reached the processor, nothing to forward.
		return nil
	}
	req := evidenceRequest{EvidenceRef: evidenceRef, Note: note}
	path := fmt.Sprintf("/v1/disputes/%s/evidence", processorRef)
	if err := c.post(ctx, path, req, nil); err != nil {
		return fmt.Errorf("failed to submit dispute evidence: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("processor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("Processor rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data))
		return fmt.Errorf("processor returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
