package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrAmountEmpty       = errors.New("amount is empty")
	ErrAmountNotNumeric  = errors.New("amount is not numeric")
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	ErrAmountPrecision   = errors.New("amount has more than two decimal places")
)

// plainAmount is digits with an optional fractional part. Exponents, hex
// and other forms decimal.NewFromString would accept are not bank amounts.
var plainAmount = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d*)?|\.\d+)$`)

var amountNoise = strings.NewReplacer(
	",", "", " ", "", "\u00a0", "",
	"NGN", "", "ngn", "", "₦", "",
)

// ParseAmount parses a bank amount such as "NGN 50,000.00" or "15,000.00 CR".
// The CR/DR suffix is ignored here; direction is decided by the caller.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "CR") || strings.HasSuffix(upper, "DR") {
		s = s[:len(s)-2]
	}
	s = amountNoise.Replace(s)
	if s == "" {
		return decimal.Zero, ErrAmountEmpty
	}

	if !plainAmount.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAmountNotNumeric, raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAmountNotNumeric, raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAmountNotPositive, raw)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrAmountPrecision, raw)
	}
	return d.Round(2), nil
}
