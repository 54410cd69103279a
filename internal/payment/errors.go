package payment

import (
	"errors"
	"fmt"
)

// Error taxonomy surfaced to the HTTP layer. Callback-path failures never
// reach the gateway response; they are visible only through logs and the
// payment's own terminal state.
var (
	// ErrNotFound means a referenced booking or payment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the actor lacks rights for the requested mutation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState means the operation was attempted on a payment or
	// booking in an incompatible lifecycle state.
	ErrInvalidState = errors.New("invalid state")
)

// GatewayError wraps a failure from the external mobile-money adapter.
// The caller may retry by initiating a new payment; the core never retries
// in place.
type GatewayError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Provider, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsGatewayError reports whether err is (or wraps) a GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
