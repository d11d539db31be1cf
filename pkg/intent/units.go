package intent

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	USDCDecimals   = 6
	NativeDecimals = 18
)

// ParseUnits converts a decimal string into integer units of the given precision
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	if !amountPattern.MatchString(amount) {
		return nil, fmt.Errorf("invalid amount: %q", amount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	// trailing zeros past the precision are fine, 1.0000000 USDC is 1 USDC
	units := d.Shift(decimals)
	if !units.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return units.BigInt(), nil
}

// FormatUnits renders integer units as a decimal string without trailing zeros
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}
