package evaluate

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseEther converts a decimal ETH amount ("0.00005") to wei. Digits below
// one wei are truncated.
func ParseEther(s string) (*big.Int, error) { return parseUnits(s, 18) }

// ParseGwei converts a decimal gwei amount to wei.
func ParseGwei(s string) (*big.Int, error) { return parseUnits(s, 9) }

func parseUnits(s string, exp int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return d.Shift(exp).Truncate(0).BigInt(), nil
}

func GweiToWei(g float64) *big.Int {
	return decimal.NewFromFloat(g).Shift(9).Truncate(0).BigInt()
}

// FormatEther renders wei as ETH with six decimals.
func FormatEther(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -18).StringFixed(6)
}

// FormatGwei renders wei as gwei with two decimals.
func FormatGwei(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -9).StringFixed(2)
}
