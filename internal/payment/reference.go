package payment

import "fmt"

// NewReference derives the account reference shown on the payer's prompt
// and statement from the payment id. References are stable per payment so
// retried prompts carry the same code.
func NewReference(paymentID string) string {
	short := paymentID
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return fmt.Sprintf("RENT-%s", short)
}
