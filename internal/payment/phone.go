package payment

import (
	"errors"
	"strings"
)

// ErrInvalidPhone means the payer phone number could not be normalized to
// the gateway's international format.
var ErrInvalidPhone = errors.New("invalid phone number")

const countryCode = "254"

// NormalizePhone converts a Kenyan MSISDN to the international format the
// gateways expect (2547XXXXXXXX / 2541XXXXXXXX, no plus sign). Accepted
// inputs: local format with a leading zero, bare subscriber numbers, and
// already-normalized numbers with or without a leading plus. The function
// is idempotent: NormalizePhone(NormalizePhone(p)) == NormalizePhone(p).
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '+' || r == '(' || r == ')':
			// separators and the plus prefix are dropped
		default:
			return "", ErrInvalidPhone
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, countryCode) && len(digits) == 12:
		// already normalized
	case strings.HasPrefix(digits, "0") && len(digits) == 10:
		digits = countryCode + digits[1:]
	case (strings.HasPrefix(digits, "7") || strings.HasPrefix(digits, "1")) && len(digits) == 9:
		digits = countryCode + digits
	default:
		return "", ErrInvalidPhone
	}

	return digits, nil
}
