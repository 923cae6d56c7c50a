package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TokenDecimals is the precision of the settlement token (USDC).
const TokenDecimals = 6

const unitsPerToken = 1_000_000

// Amount is a fixed-point token quantity in micro-units.
type Amount int64

func AmountFromFloat(v float64) (Amount, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("amount %v is not finite", v)
	}
	if v < 0 {
		return 0, fmt.Errorf("amount %v is negative", v)
	}
	return Amount(math.Round(v * unitsPerToken)), nil
}

func ParseAmount(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return AmountFromFloat(v)
}

func (a Amount) Float64() float64 {
	return float64(a) / unitsPerToken
}

func (a Amount) String() string {
	whole := int64(a) / unitsPerToken
	frac := int64(a) % unitsPerToken
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	digits := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%d.%s", whole, digits)
}
