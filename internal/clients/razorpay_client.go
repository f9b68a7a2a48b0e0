package clients

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GatewayPayment is the subset of the fetched payment record the machine
// needs for amount verification.
type GatewayPayment struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// RazorpayClient wraps the payment provider's order/fetch/refund calls.
type RazorpayClient struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
	logger    *zap.Logger
}

// NewRazorpayClient returns HTTP client wrapper.
func NewRazorpayClient(baseURL, keyID, keySecret string, logger *zap.Logger) *RazorpayClient {
	return &RazorpayClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyID:     keyID,
		keySecret: keySecret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type orderResponse struct {
	ID string `json:"id"`
}

// CreateOrder allocates a gateway order and returns its id.
func (c *RazorpayClient) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (string, error) {
	payload := map[string]interface{}{
		"amount":   amount,
		"currency": currency,
		"receipt":  receipt,
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return "", err
	}
	var order orderResponse
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("gateway: decode order: %w", err)
	}
	if order.ID == "" {
		return "", fmt.Errorf("gateway: order response missing id")
	}
	return order.ID, nil
}

// FetchPayment retrieves the payment record for amount cross-checking.
func (c *RazorpayClient) FetchPayment(ctx context.Context, paymentID string) (GatewayPayment, error) {
	var payment GatewayPayment
	body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/payments/%s", paymentID), nil)
	if err != nil {
		return payment, err
	}
	if err := json.Unmarshal(body, &payment); err != nil {
		return payment, fmt.Errorf("gateway: decode payment: %w", err)
	}
	return payment, nil
}

// Refund issues a full refund for the payment. The caller only flips the
// machine to REFUNDED after this returns nil.
func (c *RazorpayClient) Refund(ctx context.Context, paymentID string, amount int64) error {
	payload := map[string]interface{}{
		"amount": amount,
		"speed":  "normal",
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/payments/%s/refund", paymentID), payload)
	return err
}

// VerifySignature recomputes the checkout signature from the order and
// payment ids and compares it in constant time.
func (c *RazorpayClient) VerifySignature(orderID, paymentID, signature string) bool {
	return VerifySignature(orderID, paymentID, signature, c.keySecret)
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("gateway request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		c.logger.Warn("gateway returned non-success",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("gateway: %s returned status %d", path, resp.StatusCode)
	}
	return body, nil
}

// SignPayload computes the hex HMAC-SHA256 of "orderID|paymentID" with the
// gateway key secret, matching the checkout signature scheme.
func SignPayload(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the supplied signature against the recomputed one
// without leaking timing.
func VerifySignature(orderID, paymentID, signature, secret string) bool {
	expected := SignPayload(orderID, paymentID, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
