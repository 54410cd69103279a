package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"rentpay/internal/common/api"
	"rentpay/internal/common/middleware"
	"rentpay/internal/common/money"
	"rentpay/internal/gateway/airtel"
	"rentpay/internal/gateway/mpesa"
	"rentpay/internal/payment"
)

// Handler handles payment HTTP requests.
type Handler struct {
	service *payment.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler.
func NewHandler(service *payment.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the payment routes. Gateway callback routes are mounted
// separately via CallbackRoutes so they bypass actor authentication.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireActor)

	r.Post("/payments", h.InitiatePayment)
	r.Get("/payments/{id}", h.GetPayment)
	r.Get("/payments/{id}/status", h.QueryGatewayStatus)
	r.Post("/payments/{id}/verify", h.VerifyPayment)
	r.Post("/payments/{id}/reverse", h.ReversePayment)
	r.Post("/payments/{id}/refund", h.RefundPayment)
	r.Get("/bookings/{id}/payments", h.ListBookingPayments)

	r.Get("/gateways/{method}/balance", h.GatewayBalance)
	r.Post("/gateways/{method}/remit", h.Remit)

	return r
}

// CallbackRoutes returns the gateway callback routes. Callbacks are always
// acknowledged with 200 regardless of the reconciliation outcome; gateways
// retry on anything else and processing is idempotent anyway.
func (h *Handler) CallbackRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/mpesa/stk", h.MpesaSTKCallback)
	r.Post("/mpesa/result", h.MpesaResultCallback)
	r.Post("/airtel", h.AirtelCallback)

	return r
}

// InitiatePaymentRequest is the API request for starting a payment.
type InitiatePaymentRequest struct {
	BookingID   string `json:"booking_id" validate:"required"`
	PayerPhone  string `json:"payer_phone"`
	AmountMinor *int64 `json:"amount_minor" validate:"omitempty,gt=0"`
	Currency    string `json:"currency" validate:"required_with=AmountMinor,omitempty,len=3"`
	Method      string `json:"method" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=rent deposit fee other"`
}

// InitiatePayment handles POST /payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	var req InitiatePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	svcReq := payment.InitiateRequest{
		BookingID:  req.BookingID,
		PayerPhone: req.PayerPhone,
		Method:     payment.Method(req.Method),
		Type:       payment.Type(req.Type),
	}
	if req.AmountMinor != nil {
		amount := money.New(*req.AmountMinor, money.Currency(req.Currency))
		svcReq.Amount = &amount
	}

	p, err := h.service.Initiate(r.Context(), svcReq, actor)
	if err != nil {
		// A gateway rejection still returns the persisted payment so the
		// client can show its FAILED state.
		if payment.IsGatewayError(err) && p != nil {
			api.WriteData(w, http.StatusBadGateway, p)
			return
		}
		h.writeServiceError(w, r, err, "failed to initiate payment")
		return
	}

	api.WriteData(w, http.StatusCreated, p)
}

// GetPayment handles GET /payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	p, err := h.service.GetPayment(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// QueryGatewayStatus handles GET /payments/{id}/status
func (h *Handler) QueryGatewayStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	res, err := h.service.QueryGatewayStatus(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to query gateway status")
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// VerifyPaymentRequest is the API request for manual verification.
type VerifyPaymentRequest struct {
	TransactionID string `json:"transaction_id"`
	Notes         string `json:"notes" validate:"max=1000"`
}

// VerifyPayment handles POST /payments/{id}/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	var req VerifyPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.service.Verify(r.Context(), chi.URLParam(r, "id"), req.TransactionID, req.Notes, actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to verify payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// ReversePaymentRequest is the API request for reversing a payment.
type ReversePaymentRequest struct {
	Remarks string `json:"remarks" validate:"max=1000"`
}

// ReversePayment handles POST /payments/{id}/reverse
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	var req ReversePaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := h.service.Reverse(r.Context(), chi.URLParam(r, "id"), req.Remarks, actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to reverse payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// RefundPaymentRequest is the API request for refunding a payment.
type RefundPaymentRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Remarks     string `json:"remarks" validate:"max=1000"`
}

// RefundPayment handles POST /payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	var req RefundPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount := money.New(req.AmountMinor, money.Currency(req.Currency))
	p, err := h.service.Refund(r.Context(), chi.URLParam(r, "id"), amount, req.Remarks, actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to refund payment")
		return
	}

	api.WriteData(w, http.StatusOK, p)
}

// ListBookingPayments handles GET /bookings/{id}/payments
func (h *Handler) ListBookingPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	payments, err := h.service.ListBookingPayments(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to list payments")
		return
	}

	params := api.GetPaginationParams(r, 50, 200)
	total := len(payments)
	page := []*payment.Payment{}
	if params.Offset < total {
		end := params.Offset + params.Limit
		if end > total {
			end = total
		}
		page = payments[params.Offset:end]
	}

	api.WritePaginated(w, page, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   int64(total),
		HasMore: params.Offset+params.Limit < total,
	})
}

// GatewayBalance handles GET /gateways/{method}/balance
func (h *Handler) GatewayBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	res, err := h.service.QueryGatewayBalance(r.Context(), payment.Method(chi.URLParam(r, "method")), actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to query balance")
		return
	}

	api.WriteData(w, http.StatusOK, res)
}

// RemitRequest is the API request for remitting funds to a business shortcode.
type RemitRequest struct {
	ReceiverShortcode string `json:"receiver_shortcode" validate:"required"`
	AmountMinor       int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency          string `json:"currency" validate:"required,len=3"`
	AccountReference  string `json:"account_reference" validate:"max=100"`
	Remarks           string `json:"remarks" validate:"max=1000"`
}

// Remit handles POST /gateways/{method}/remit
func (h *Handler) Remit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		api.Unauthorized(w, "actor required")
		return
	}

	var req RemitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	resp, err := h.service.Remit(r.Context(), payment.Method(chi.URLParam(r, "method")), payment.B2BRequest{
		ReceiverShortcode: req.ReceiverShortcode,
		Amount:            money.New(req.AmountMinor, money.Currency(req.Currency)),
		AccountReference:  req.AccountReference,
		Remarks:           req.Remarks,
	}, actor)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to remit")
		return
	}

	api.WriteData(w, http.StatusOK, resp)
}

// gatewayAck is the body gateways expect on callback acknowledgement.
type gatewayAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// MpesaSTKCallback handles POST /callbacks/mpesa/stk
func (h *Handler) MpesaSTKCallback(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, mpesa.ParseSTKCallback)
}

// MpesaResultCallback handles POST /callbacks/mpesa/result
func (h *Handler) MpesaResultCallback(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, mpesa.ParseResult)
}

// AirtelCallback handles POST /callbacks/airtel
func (h *Handler) AirtelCallback(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, airtel.ParseCallback)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request, parse func([]byte) (*payment.CallbackResult, error)) {
	// Always acknowledge. Unparseable or unmatched payloads are logged;
	// returning an error would only trigger gateway retries that cannot
	// succeed either.
	defer api.WriteJSON(w, http.StatusOK, gatewayAck{ResultCode: 0, ResultDesc: "Accepted"})

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("failed to read callback body", "error", err)
		return
	}

	cb, err := parse(body)
	if err != nil {
		h.logger.Warn("unparseable gateway callback",
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		return
	}

	if _, err := h.service.Reconcile(r.Context(), *cb); err != nil {
		h.logger.Error("callback reconciliation failed",
			"provider", cb.Provider,
			"gateway_correlation_id", cb.CorrelationID,
			"error", err,
		)
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, payment.ErrNotFound):
		api.NotFound(w, "payment or booking not found")
	case errors.Is(err, payment.ErrForbidden):
		api.Forbidden(w, "not allowed")
	case errors.Is(err, payment.ErrInvalidState):
		api.InvalidState(w, err.Error())
	case errors.Is(err, payment.ErrInvalidPhone):
		api.BadRequest(w, "invalid phone number")
	case payment.IsGatewayError(err):
		api.BadGateway(w, err.Error())
	default:
		h.logger.Error(fallback,
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, fallback)
	}
}

func actorFrom(r *http.Request) (payment.Actor, bool) {
	a, ok := middleware.GetActor(r.Context())
	if !ok {
		return payment.Actor{}, false
	}
	return payment.Actor{ID: a.ID, Role: payment.Role(a.Role)}, true
}
