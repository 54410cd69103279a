package mpesa

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"rentpay/internal/common/money"
	"rentpay/internal/payment"
)

// stkCallbackEnvelope is the asynchronous result Daraja posts after an STK
// push. CallbackMetadata is present only on success.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ParseSTKCallback converts a raw STK push callback into the internal form.
// The CheckoutRequestID becomes the correlation id used for matching.
func ParseSTKCallback(raw []byte) (*payment.CallbackResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode stk callback: %w", err)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("stk callback missing CheckoutRequestID")
	}

	result := &payment.CallbackResult{
		Provider:      "mpesa",
		CorrelationID: cb.CheckoutRequestID,
		ResultCode:    cb.ResultCode,
		ResultDesc:    cb.ResultDesc,
		Raw:           json.RawMessage(raw),
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if major, ok := itemFloat(item); ok {
				result.Amount = money.New(int64(math.Round(major*100)), money.KES)
			}
		case "MpesaReceiptNumber":
			result.ReceiptNumber = itemString(item)
		case "PhoneNumber":
			result.PhoneNumber = itemString(item)
		}
	}

	return result, nil
}

// resultEnvelope is the asynchronous result Daraja posts for B2C, B2B,
// reversal and balance requests.
type resultEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         struct {
			ResultParameter []resultParameter `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

type resultParameter struct {
	Key   string          `json:"Key"`
	Value json.RawMessage `json:"Value"`
}

// ParseResult converts a raw B2C/B2B/reversal/balance result callback into
// the internal form. The ConversationID becomes the correlation id.
func ParseResult(raw []byte) (*payment.CallbackResult, error) {
	var env resultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode result callback: %w", err)
	}

	r := env.Result
	if r.ConversationID == "" {
		return nil, fmt.Errorf("result callback missing ConversationID")
	}

	result := &payment.CallbackResult{
		Provider:      "mpesa",
		CorrelationID: r.ConversationID,
		ResultCode:    r.ResultCode,
		ResultDesc:    r.ResultDesc,
		ReceiptNumber: r.TransactionID,
		Raw:           json.RawMessage(raw),
	}

	for _, param := range r.ResultParameters.ResultParameter {
		switch param.Key {
		case "TransactionAmount", "Amount":
			if major, ok := paramFloat(param); ok {
				result.Amount = money.New(int64(math.Round(major*100)), money.KES)
			}
		case "ReceiverPartyPublicName":
			result.PhoneNumber = paramString(param)
		}
	}

	return result, nil
}

// Metadata values arrive as JSON numbers or strings depending on the field
// and the environment; both shapes are accepted.

func itemFloat(item metadataItem) (float64, bool) {
	return rawFloat(item.Value)
}

func itemString(item metadataItem) string {
	return rawString(item.Value)
}

func paramFloat(p resultParameter) (float64, bool) {
	return rawFloat(p.Value)
}

func paramString(p resultParameter) string {
	return rawString(p.Value)
}

func rawFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
