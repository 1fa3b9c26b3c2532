// Package money formats invoice amounts for documents and notifications.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var printer = message.NewPrinter(language.English)

// Format renders amount with the ISO code prefix and the currency's standard
// number of decimals, e.g. "USD 1,000.00" or "UGX 250,000".
func Format(amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return fmt.Sprintf("%s %s", code, amount.StringFixed(2))
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := amount.Round(int32(scale)).InexactFloat64()
	return printer.Sprintf("%s %v", unit.String(), number.Decimal(value, number.Scale(scale)))
}

// Scale returns the number of minor digits used for code.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}
