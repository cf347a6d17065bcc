package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits of contract amounts.
const Decimals = 7

var (
	ErrAmountRequired = errors.New("amount required")
	ErrAmountNotPos   = errors.New("amount must be positive")
	ErrAmountTooLarge = errors.New("amount overflows i128")
)

// ParseAmount converts a decimal string into minor units. Digits beyond the
// seventh fractional place are truncated.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrAmountRequired
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(Decimals).BigInt()
	if minor.Sign() <= 0 {
		return nil, ErrAmountNotPos
	}
	if minor.BitLen() > 127 {
		return nil, ErrAmountTooLarge
	}
	return minor, nil
}

// FormatAmount renders minor units with two fractional digits.
func FormatAmount(minor *big.Int) string {
	if minor == nil {
		return "0.00"
	}
	return decimal.NewFromBigInt(minor, -Decimals).StringFixed(2)
}
