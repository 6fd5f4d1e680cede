// services/gateway_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"challenge-wager-service/models"
	"challenge-wager-service/utils"

	"github.com/google/uuid"
)

// GatewayClient is the typed wrapper over the external payment processor.
type GatewayClient interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*models.Payment, error)
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	CreateRefund(ctx context.Context, paymentID string, amount float64) (*models.Refund, error)
	CreateToken(ctx context.Context, card CardData) (string, error)
}

// CreatePaymentRequest describes a payment intent. Metadata carries the
// correlation keys (challenge_id / user_id / type) read back during
// reconciliation.
type CreatePaymentRequest struct {
	Amount        float64
	Description   string
	ReturnURL     string
	Metadata      map[string]string
	PaymentMethod string // optional: bank_card, sbp, ...
	ReceiptEmail  string // optional
}

// CardData is raw card input for the direct-card tokenization path.
type CardData struct {
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CVC         string
}

// HTTPGatewayClient authenticates with HTTP Basic shop-id/secret-key and
// sends a fresh Idempotence-Key on every mutating call.
type HTTPGatewayClient struct {
	BaseURL   string
	ShopID    string
	SecretKey string
	Client    *http.Client
}

const defaultGatewayURL = "https://api.yookassa.ru/v3"

func NewHTTPGatewayClient(baseURL, shopID, secretKey string) *HTTPGatewayClient {
	if baseURL == "" {
		baseURL = defaultGatewayURL
	}
	return &HTTPGatewayClient{
		BaseURL:   baseURL,
		ShopID:    shopID,
		SecretKey: secretKey,
		Client:    utils.NewHTTPClient(15 * time.Second),
	}
}

// formatAmount renders money the way the gateway expects: a fixed
// two-decimal string, not locale-aware printing.
func formatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}

func (c *HTTPGatewayClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return models.ErrInvalidData
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return models.ErrInvalidData
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	if method == http.MethodPost {
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return models.ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized {
		return models.ErrAuthenticationRequired
	}
	if resp.StatusCode >= 400 {
		var errBody struct {
			Description string `json:"description"`
		}
		msg := fmt.Sprintf("gateway status %d", resp.StatusCode)
		if json.Unmarshal(raw, &errBody) == nil && errBody.Description != "" {
			msg = errBody.Description
		}
		log.Printf("Gateway %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
		return &models.ServerError{Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("Gateway %s %s: undecodable response: %v", method, path, err)
		return models.ErrInvalidData
	}
	return nil
}

func (c *HTTPGatewayClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*models.Payment, error) {
	body := map[string]interface{}{
		"amount": map[string]string{
			"value":    formatAmount(req.Amount),
			"currency": "RUB",
		},
		"capture":     true,
		"description": req.Description,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}
	if req.PaymentMethod != "" {
		body["payment_method_data"] = map[string]string{"type": req.PaymentMethod}
	}
	if req.ReceiptEmail != "" {
		body["receipt"] = map[string]interface{}{
			"customer": map[string]string{"email": req.ReceiptEmail},
			"items": []map[string]interface{}{
				{
					"description": req.Description,
					"quantity":    "1",
					"amount": map[string]string{
						"value":    formatAmount(req.Amount),
						"currency": "RUB",
					},
					"vat_code": 1,
				},
			},
		}
	}

	var out models.Payment
	if err := c.do(ctx, http.MethodPost, "/payments", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPGatewayClient) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	var out models.Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPGatewayClient) CreateRefund(ctx context.Context, paymentID string, amount float64) (*models.Refund, error) {
	body := map[string]interface{}{
		"payment_id": paymentID,
		"amount": map[string]string{
			"value":    formatAmount(amount),
			"currency": "RUB",
		},
	}
	var out models.Refund
	if err := c.do(ctx, http.MethodPost, "/refunds", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateToken tokenizes raw card data for the direct-card-entry path.
func (c *HTTPGatewayClient) CreateToken(ctx context.Context, card CardData) (string, error) {
	body := map[string]interface{}{
		"card": map[string]string{
			"number":       card.Number,
			"expiry_month": card.ExpiryMonth,
			"expiry_year":  card.ExpiryYear,
			"csc":          card.CVC,
		},
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/tokens", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}
