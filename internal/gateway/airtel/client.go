// Package airtel provides an Airtel Money payment adapter.
package airtel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"rentpay/internal/common/money"
	"rentpay/internal/payment"
)

// Config holds Airtel Money adapter configuration.
type Config struct {
	BaseURL      string        `envconfig:"AIRTEL_BASE_URL" default:"https://openapiuat.airtel.africa"`
	ClientID     string        `envconfig:"AIRTEL_CLIENT_ID" required:"true"`
	ClientSecret string        `envconfig:"AIRTEL_CLIENT_SECRET" required:"true"`
	Country      string        `envconfig:"AIRTEL_COUNTRY" default:"KE"`
	Currency     string        `envconfig:"AIRTEL_CURRENCY" default:"KES"`
	DisbursePIN  string        `envconfig:"AIRTEL_DISBURSE_PIN"`
	Timeout      time.Duration `envconfig:"AIRTEL_TIMEOUT" default:"30s"`
}

// Client implements the Airtel Money provider over its Open API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ payment.Gateway = (*Client)(nil)

// New creates a new Airtel Money client.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Name returns the provider name for this adapter.
func (c *Client) Name() string {
	return "airtel"
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		return c.accessToken, nil
	}

	payload, err := json.Marshal(map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/auth/oauth2/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &payment.GatewayError{
			Provider: c.Name(),
			Code:     fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:  "oauth token request rejected",
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)

	return c.accessToken, nil
}

// apiStatus is the status block every Airtel response carries.
type apiStatus struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ResultCode string `json:"result_code"`
	Success    bool   `json:"success"`
}

type collectionRequest struct {
	Reference  string `json:"reference"`
	Subscriber struct {
		Country  string `json:"country"`
		Currency string `json:"currency"`
		MSISDN   string `json:"msisdn"`
	} `json:"subscriber"`
	Transaction struct {
		Amount   float64 `json:"amount"`
		Country  string  `json:"country"`
		Currency string  `json:"currency"`
		ID       string  `json:"id"`
	} `json:"transaction"`
}

// Push initiates a collection: the subscriber receives a USSD prompt to
// authorize the debit. The transaction id we generate here is the
// correlation id the callback carries.
func (c *Client) Push(ctx context.Context, req payment.STKPushRequest) (*payment.STKPushResponse, error) {
	txnID := ulid.Make().String()

	var body collectionRequest
	body.Reference = req.AccountReference
	body.Subscriber.Country = c.cfg.Country
	body.Subscriber.Currency = c.cfg.Currency
	body.Subscriber.MSISDN = req.Phone
	body.Transaction.Amount = majorAmount(req.Amount)
	body.Transaction.Country = c.cfg.Country
	body.Transaction.Currency = c.cfg.Currency
	body.Transaction.ID = txnID

	raw, err := c.do(ctx, http.MethodPost, "/merchant/v1/payments/", body)
	if err != nil {
		return nil, err
	}

	if err := c.checkStatus(raw, "collection"); err != nil {
		return nil, err
	}

	c.logger.Info("airtel collection initiated", "transaction_id", txnID)

	return &payment.STKPushResponse{CorrelationID: txnID, Raw: raw}, nil
}

type disbursementRequest struct {
	Payee struct {
		MSISDN string `json:"msisdn"`
	} `json:"payee"`
	Reference   string `json:"reference"`
	PIN         string `json:"pin"`
	Transaction struct {
		Amount float64 `json:"amount"`
		ID     string  `json:"id"`
	} `json:"transaction"`
}

// Disburse sends money to a subscriber. Used for refunds.
func (c *Client) Disburse(ctx context.Context, req payment.B2CRequest) (*payment.B2CResponse, error) {
	txnID := ulid.Make().String()

	var body disbursementRequest
	body.Payee.MSISDN = req.Phone
	body.Reference = req.Remarks
	body.PIN = c.cfg.DisbursePIN
	body.Transaction.Amount = majorAmount(req.Amount)
	body.Transaction.ID = txnID

	raw, err := c.do(ctx, http.MethodPost, "/standard/v1/disbursements/", body)
	if err != nil {
		return nil, err
	}

	if err := c.checkStatus(raw, "disbursement"); err != nil {
		return nil, err
	}

	return &payment.B2CResponse{CorrelationID: txnID, Raw: raw}, nil
}

type enquiryResponse struct {
	Data struct {
		Transaction struct {
			ID      string `json:"id"`
			Status  string `json:"status"`
			Message string `json:"message"`
		} `json:"transaction"`
	} `json:"data"`
	Status apiStatus `json:"status"`
}

// QueryStatus queries the outcome of a collection by its transaction id.
func (c *Client) QueryStatus(ctx context.Context, correlationID string) (*payment.StatusResult, error) {
	raw, err := c.do(ctx, http.MethodGet, "/standard/v1/payments/"+correlationID, nil)
	if err != nil {
		return nil, err
	}

	var resp enquiryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode enquiry response: %w", err)
	}

	return &payment.StatusResult{
		ResultCode: statusResultCode(resp.Data.Transaction.Status),
		ResultDesc: resp.Data.Transaction.Message,
	}, nil
}

type refundRequest struct {
	Transaction struct {
		AirtelMoneyID string `json:"airtel_money_id"`
	} `json:"transaction"`
}

// Reverse refunds a settled collection by its Airtel Money id; Airtel has no
// separate reversal API.
func (c *Client) Reverse(ctx context.Context, req payment.ReversalRequest) (*payment.ReversalResponse, error) {
	var body refundRequest
	body.Transaction.AirtelMoneyID = req.ReceiptNumber

	raw, err := c.do(ctx, http.MethodPost, "/standard/v1/payments/refund", body)
	if err != nil {
		return nil, err
	}

	if err := c.checkStatus(raw, "refund"); err != nil {
		return nil, err
	}

	return &payment.ReversalResponse{CorrelationID: req.ReceiptNumber, Raw: raw}, nil
}

func (c *Client) checkStatus(raw json.RawMessage, op string) error {
	var resp struct {
		Status apiStatus `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	if !resp.Status.Success {
		return &payment.GatewayError{
			Provider: c.Name(),
			Code:     resp.Status.ResultCode,
			Message:  resp.Status.Message,
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Country", c.cfg.Country)
	req.Header.Set("X-Currency", c.cfg.Currency)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &payment.GatewayError{
			Provider: c.Name(),
			Code:     fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:  string(respBody),
		}
	}

	return json.RawMessage(respBody), nil
}

func majorAmount(m money.Money) float64 {
	return math.Round(m.ToMajor()*100) / 100
}

// Transaction status codes on callbacks and enquiries.
const (
	statusSuccess = "TS"
	statusFailed  = "TF"
)

func statusResultCode(status string) int {
	if status == statusSuccess {
		return 0
	}
	return 1
}

// callbackEnvelope is the payload Airtel posts when a collection settles or
// fails.
type callbackEnvelope struct {
	Transaction struct {
		ID            string `json:"id"`
		Message       string `json:"message"`
		StatusCode    string `json:"status_code"`
		AirtelMoneyID string `json:"airtel_money_id"`
	} `json:"transaction"`
}

// ParseCallback converts a raw Airtel callback into the internal form. The
// transaction id generated at push time is the correlation id.
func ParseCallback(raw []byte) (*payment.CallbackResult, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode airtel callback: %w", err)
	}

	t := env.Transaction
	if t.ID == "" {
		return nil, fmt.Errorf("airtel callback missing transaction id")
	}

	return &payment.CallbackResult{
		Provider:      "airtel",
		CorrelationID: t.ID,
		ResultCode:    statusResultCode(t.StatusCode),
		ResultDesc:    t.Message,
		ReceiptNumber: t.AirtelMoneyID,
		Raw:           json.RawMessage(raw),
	}, nil
}
