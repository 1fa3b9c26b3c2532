package invoicing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ReceiptPrefix is prepended to every receipt number.
const ReceiptPrefix = "KGSLRCPT"

// SumReceipts totals the ledger. It is the only source for paid amounts used
// in decisions; Invoice.PaidAmount is a display cache.
func SumReceipts(receipts []Receipt) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range receipts {
		sum = sum.Add(r.Amount)
	}
	return sum
}

// Remaining returns total minus paid. It is negative for overpaid invoices.
func Remaining(total, paid decimal.Decimal) decimal.Decimal {
	return total.Sub(paid)
}

// FormatReceiptNumber renders a receipt sequence value, zero padded to six digits.
func FormatReceiptNumber(seq int64) string {
	return fmt.Sprintf("%s-%06d", ReceiptPrefix, seq)
}

// ParseReceiptNumber extracts the sequence value from a receipt number.
func ParseReceiptNumber(number string) (int64, error) {
	suffix, ok := strings.CutPrefix(number, ReceiptPrefix+"-")
	if !ok {
		return 0, fmt.Errorf("receipt number %q: missing %s prefix", number, ReceiptPrefix)
	}
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("receipt number %q: invalid sequence", number)
	}
	return seq, nil
}

// ParseAmount parses a caller-supplied payment amount, which must be positive.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, newValidationError("amount", "is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newValidationError("amount", "must be a number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, newValidationError("amount", "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return decimal.Zero, newValidationError("amount", "must have at most two decimal places")
	}
	return amount, nil
}
