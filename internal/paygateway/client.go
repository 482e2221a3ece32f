// Package paygateway talks to a Razorpay-compatible payment gateway: order
// (intent) creation, refunds and verification of the signed checkout callback.
package paygateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jogardn/fooddash/internal/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var hundred = decimal.NewFromInt(100)

// Intent is a gateway-side order the customer pays against. Amount is in the
// currency's minor unit.
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type Refund struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode  int
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Description)
}

type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
	now        func() time.Time
}

func NewClient(baseURL, keyID, keySecret string, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// IsFailure reports whether err should count against the circuit breaker.
// Client errors (4xx) mean the gateway is healthy and rejected the request.
func IsFailure(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}

// KeyID is the public key handed to checkout clients.
func (c *Client) KeyID() string {
	return c.keyID
}

func (c *Client) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, notes map[string]string) (*Intent, error) {
	payload := map[string]interface{}{
		"amount":   amount.Mul(hundred).Round(0).IntPart(),
		"currency": currency,
		"receipt":  "receipt_" + strconv.FormatInt(c.now().UnixMilli(), 10),
		"notes":    notes,
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/orders", payload)
	if err != nil {
		return nil, err
	}

	var intent Intent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode gateway order: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("gateway order response has no id")
	}

	c.logger.WithFields(logrus.Fields{
		"intent_id": intent.ID,
		"amount":    intent.Amount,
		"currency":  intent.Currency,
	}).Info("Payment intent created")
	return &intent, nil
}

// Refund refunds a captured payment. A nil amount refunds it in full.
func (c *Client) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) (*Refund, error) {
	payload := map[string]interface{}{}
	if amount != nil {
		payload["amount"] = amount.Mul(hundred).Round(0).IntPart()
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/payments/"+paymentID+"/refund", payload)
	if err != nil {
		return nil, err
	}

	result := gjson.ParseBytes(body)
	refund := &Refund{
		ID:     result.Get("id").String(),
		Amount: decimal.NewFromInt(result.Get("amount").Int()).Div(hundred),
		Status: result.Get("status").String(),
	}

	c.logger.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"refund_id":  refund.ID,
		"amount":     refund.Amount.String(),
		"status":     refund.Status,
	}).Info("Refund issued")
	return refund, nil
}

// VerifySignature checks the checkout callback signature, an HMAC-SHA256 over
// "<intentID>|<paymentID>" keyed with the account secret.
func (c *Client) VerifySignature(intentID, paymentID, signature string) bool {
	expected := Sign(c.keySecret, intentID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the hex signature the gateway attaches to a successful payment.
func Sign(secret, intentID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(intentID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var body []byte
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBasicAuth(c.keyID, c.keySecret)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request to gateway: %w", err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read gateway response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			desc := gjson.GetBytes(body, "error.description").String()
			if desc == "" {
				desc = http.StatusText(resp.StatusCode)
			}
			return &StatusError{StatusCode: resp.StatusCode, Description: desc}
		}
		return nil
	}

	if c.breaker == nil {
		err = call(ctx)
	} else {
		err = c.breaker.Execute(ctx, call)
	}
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"path":   path,
		}).Error("Payment gateway call failed")
		return nil, err
	}
	return body, nil
}
