package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"rentpay/internal/common/money"
)

// BalanceResult is a gateway working-account balance snapshot.
type BalanceResult struct {
	CorrelationID string
	Raw           json.RawMessage
}

// BalanceQuerier is an optional gateway capability: querying the business
// account balance. The result arrives asynchronously on the result callback;
// the synchronous response only acknowledges the request.
type BalanceQuerier interface {
	QueryBalance(ctx context.Context) (*BalanceResult, error)
}

// B2BRequest pays a business shortcode (paybill or till) from the collection
// account, used to remit collected rent to a landlord's paybill.
type B2BRequest struct {
	ReceiverShortcode string
	Amount            money.Money
	AccountReference  string
	Remarks           string
}

// B2BResponse is the gateway's synchronous acceptance of a B2B transfer.
type B2BResponse struct {
	CorrelationID string
	Raw           json.RawMessage
}

// BusinessPayer is an optional gateway capability: business-to-business
// transfers.
type BusinessPayer interface {
	PayBusiness(ctx context.Context, req B2BRequest) (*B2BResponse, error)
}

// QueryGatewayBalance requests the provider's working-account balance.
// Admin only.
func (s *Service) QueryGatewayBalance(ctx context.Context, method Method, actor Actor) (*BalanceResult, error) {
	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	gw, ok := s.gateways[method]
	if !ok {
		return nil, fmt.Errorf("no gateway for method %s: %w", method, ErrNotFound)
	}
	bq, ok := gw.(BalanceQuerier)
	if !ok {
		return nil, fmt.Errorf("gateway %s does not report balances: %w", gw.Name(), ErrInvalidState)
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	res, err := bq.QueryBalance(queryCtx)
	if err != nil {
		if IsGatewayError(err) {
			return nil, err
		}
		return nil, &GatewayError{Provider: gw.Name(), Message: err.Error(), Err: err}
	}

	s.logger.Info("gateway balance queried",
		"provider", gw.Name(),
		"correlation_id", res.CorrelationID,
		"actor_id", actor.ID,
	)

	return res, nil
}

// Remit transfers collected funds to a landlord's business shortcode.
// Admin only.
func (s *Service) Remit(ctx context.Context, method Method, req B2BRequest, actor Actor) (*B2BResponse, error) {
	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	if req.ReceiverShortcode == "" {
		return nil, fmt.Errorf("receiver shortcode required: %w", ErrInvalidState)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("remit amount must be positive: %w", ErrInvalidState)
	}

	gw, ok := s.gateways[method]
	if !ok {
		return nil, fmt.Errorf("no gateway for method %s: %w", method, ErrNotFound)
	}
	bp, ok := gw.(BusinessPayer)
	if !ok {
		return nil, fmt.Errorf("gateway %s does not support business transfers: %w", gw.Name(), ErrInvalidState)
	}

	payCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	resp, err := bp.PayBusiness(payCtx, req)
	if err != nil {
		if IsGatewayError(err) {
			return nil, err
		}
		return nil, &GatewayError{Provider: gw.Name(), Message: err.Error(), Err: err}
	}

	s.logger.Info("remittance dispatched",
		"provider", gw.Name(),
		"receiver", req.ReceiverShortcode,
		"amount", req.Amount.AmountMinor,
		"correlation_id", resp.CorrelationID,
		"actor_id", actor.ID,
	)

	return resp, nil
}
