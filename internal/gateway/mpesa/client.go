// Package mpesa provides an M-Pesa Daraja payment adapter.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"rentpay/internal/common/money"
	"rentpay/internal/payment"
)

// Config holds M-Pesa adapter configuration.
type Config struct {
	BaseURL            string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey        string        `envconfig:"MPESA_CONSUMER_KEY" required:"true"`
	ConsumerSecret     string        `envconfig:"MPESA_CONSUMER_SECRET" required:"true"`
	Shortcode          string        `envconfig:"MPESA_SHORTCODE" required:"true"`
	Passkey            string        `envconfig:"MPESA_PASSKEY" required:"true"`
	InitiatorName      string        `envconfig:"MPESA_INITIATOR_NAME"`
	SecurityCredential string        `envconfig:"MPESA_SECURITY_CREDENTIAL"`
	ResultBaseURL      string        `envconfig:"MPESA_RESULT_BASE_URL" required:"true"`
	Timeout            time.Duration `envconfig:"MPESA_TIMEOUT" default:"30s"`
}

// Client implements the M-Pesa provider over the Daraja HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var (
	_ payment.Gateway        = (*Client)(nil)
	_ payment.BalanceQuerier = (*Client)(nil)
	_ payment.BusinessPayer  = (*Client)(nil)
)

// New creates a new M-Pesa client.
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
	return "mpesa"
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a cached OAuth access token, refreshing when within 30
// seconds of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

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

	ttl := 3600 * time.Second
	if secs, err := time.ParseDuration(tr.ExpiresIn + "s"); err == nil && secs > 0 {
		ttl = secs
	}
	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)

	return c.accessToken, nil
}

// stkPassword derives the push password for a timestamp in 20060102150405
// format.
func (c *Client) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
}

// wholeAmount renders the amount in major units; Daraja rejects decimals.
func wholeAmount(m money.Money) int64 {
	return int64(math.Round(m.ToMajor()))
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Push sends an STK push prompt to the payer's handset. The returned
// correlation id is the CheckoutRequestID the callback will carry.
func (c *Client) Push(ctx context.Context, req payment.STKPushRequest) (*payment.STKPushResponse, error) {
	timestamp := time.Now().Format("20060102150405")

	body := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.stkPassword(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            wholeAmount(req.Amount),
		PartyA:            req.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       req.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	raw, err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body)
	if err != nil {
		return nil, err
	}

	var resp stkPushResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, &payment.GatewayError{
			Provider: c.Name(),
			Code:     resp.ResponseCode,
			Message:  resp.ResponseDescription,
		}
	}

	c.logger.Info("stk push accepted",
		"checkout_request_id", resp.CheckoutRequestID,
		"merchant_request_id", resp.MerchantRequestID,
	)

	return &payment.STKPushResponse{
		CorrelationID: resp.CheckoutRequestID,
		Raw:           raw,
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// QueryStatus queries the outcome of an STK push by its CheckoutRequestID.
func (c *Client) QueryStatus(ctx context.Context, correlationID string) (*payment.StatusResult, error) {
	timestamp := time.Now().Format("20060102150405")

	raw, err := c.post(ctx, "/mpesa/stkpushquery/v1/query", stkQueryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.stkPassword(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: correlationID,
	})
	if err != nil {
		return nil, err
	}

	var resp stkQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode stk query response: %w", err)
	}

	var code int
	if _, err := fmt.Sscanf(resp.ResultCode, "%d", &code); err != nil && resp.ResultCode != "" {
		return nil, fmt.Errorf("unexpected result code %q", resp.ResultCode)
	}

	return &payment.StatusResult{
		ResultCode: code,
		ResultDesc: resp.ResultDesc,
	}, nil
}

type b2cRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion,omitempty"`
}

type asyncAcceptResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// Disburse sends money to a subscriber via B2C. Used for refunds.
func (c *Client) Disburse(ctx context.Context, req payment.B2CRequest) (*payment.B2CResponse, error) {
	raw, err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", b2cRequest{
		InitiatorName:      c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "BusinessPayment",
		Amount:             wholeAmount(req.Amount),
		PartyA:             c.cfg.Shortcode,
		PartyB:             req.Phone,
		Remarks:            req.Remarks,
		QueueTimeOutURL:    c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
		ResultURL:          c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
		Occasion:           req.Occasion,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.decodeAccept(raw, "b2c")
	if err != nil {
		return nil, err
	}

	return &payment.B2CResponse{CorrelationID: resp.ConversationID, Raw: raw}, nil
}

type b2bRequest struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	SenderIdentifierType   string `json:"SenderIdentifierType"`
	RecieverIdentifierType string `json:"RecieverIdentifierType"`
	Amount                 int64  `json:"Amount"`
	PartyA                 string `json:"PartyA"`
	PartyB                 string `json:"PartyB"`
	AccountReference       string `json:"AccountReference"`
	Remarks                string `json:"Remarks"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	ResultURL              string `json:"ResultURL"`
}

// PayBusiness transfers funds to another business shortcode via B2B.
func (c *Client) PayBusiness(ctx context.Context, req payment.B2BRequest) (*payment.B2BResponse, error) {
	raw, err := c.post(ctx, "/mpesa/b2b/v1/paymentrequest", b2bRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     c.cfg.SecurityCredential,
		CommandID:              "BusinessPayBill",
		SenderIdentifierType:   "4",
		RecieverIdentifierType: "4",
		Amount:                 wholeAmount(req.Amount),
		PartyA:                 c.cfg.Shortcode,
		PartyB:                 req.ReceiverShortcode,
		AccountReference:       req.AccountReference,
		Remarks:                req.Remarks,
		QueueTimeOutURL:        c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
		ResultURL:              c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.decodeAccept(raw, "b2b")
	if err != nil {
		return nil, err
	}

	return &payment.B2BResponse{CorrelationID: resp.ConversationID, Raw: raw}, nil
}

type reversalRequest struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	TransactionID          string `json:"TransactionID"`
	Amount                 int64  `json:"Amount"`
	ReceiverParty          string `json:"ReceiverParty"`
	RecieverIdentifierType string `json:"RecieverIdentifierType"`
	Remarks                string `json:"Remarks"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	ResultURL              string `json:"ResultURL"`
	Occasion               string `json:"Occasion,omitempty"`
}

// Reverse reverses a settled transaction by its M-Pesa receipt number.
func (c *Client) Reverse(ctx context.Context, req payment.ReversalRequest) (*payment.ReversalResponse, error) {
	raw, err := c.post(ctx, "/mpesa/reversal/v1/request", reversalRequest{
		Initiator:              c.cfg.InitiatorName,
		SecurityCredential:     c.cfg.SecurityCredential,
		CommandID:              "TransactionReversal",
		TransactionID:          req.ReceiptNumber,
		Amount:                 wholeAmount(req.Amount),
		ReceiverParty:          c.cfg.Shortcode,
		RecieverIdentifierType: "11",
		Remarks:                req.Remarks,
		QueueTimeOutURL:        c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
		ResultURL:              c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
		Occasion:               req.Occasion,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.decodeAccept(raw, "reversal")
	if err != nil {
		return nil, err
	}

	return &payment.ReversalResponse{CorrelationID: resp.ConversationID, Raw: raw}, nil
}

type balanceRequest struct {
	Initiator          string `json:"Initiator"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	PartyA             string `json:"PartyA"`
	IdentifierType     string `json:"IdentifierType"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
}

// QueryBalance requests the working-account balance. The figures arrive on
// the result callback.
func (c *Client) QueryBalance(ctx context.Context) (*payment.BalanceResult, error) {
	raw, err := c.post(ctx, "/mpesa/accountbalance/v1/query", balanceRequest{
		Initiator:          c.cfg.InitiatorName,
		SecurityCredential: c.cfg.SecurityCredential,
		CommandID:          "AccountBalance",
		PartyA:             c.cfg.Shortcode,
		IdentifierType:     "4",
		Remarks:            "balance check",
		QueueTimeOutURL:    c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
		ResultURL:          c.cfg.ResultBaseURL + "/callbacks/mpesa/result",
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.decodeAccept(raw, "balance")
	if err != nil {
		return nil, err
	}

	return &payment.BalanceResult{CorrelationID: resp.ConversationID, Raw: raw}, nil
}

func (c *Client) decodeAccept(raw []byte, op string) (*asyncAcceptResponse, error) {
	var resp asyncAcceptResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	if resp.ResponseCode != "0" {
		return nil, &payment.GatewayError{
			Provider: c.Name(),
			Code:     resp.ResponseCode,
			Message:  resp.ResponseDescription,
		}
	}
	return &resp, nil
}

// post sends an authenticated JSON request and returns the raw response body.
// HTTP-level rejections become GatewayError values.
func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

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
		gerr := &payment.GatewayError{
			Provider: c.Name(),
			Code:     fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:  string(respBody),
		}
		var apiErr struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.ErrorCode != "" {
			gerr.Code = apiErr.ErrorCode
			gerr.Message = apiErr.ErrorMessage
		}
		return nil, gerr
	}

	return json.RawMessage(respBody), nil
}
