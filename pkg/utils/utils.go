package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseUnits converts a decimal string such as "1.5" into base units.
// Digits beyond the token's precision are truncated.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// FormatUnits renders a base-unit integer as a decimal string.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

// FormatEther renders a wei amount in ether.
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, 18)
}

// UnitsToFloat converts a base-unit integer to a float for valuation.
func UnitsToFloat(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).InexactFloat64()
}

// ShortHex abbreviates an address or hash to 0x1234...abcd.
func ShortHex(s string) string {
	if len(s) <= 13 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

// FormatAmount renders a decimal string with a fixed number of places and
// thousands separators.
func FormatAmount(amount string, places int) string {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return amount
	}
	return groupThousands(d.StringFixed(int32(places)))
}

func FormatFloat(f float64, places int) string {
	return groupThousands(decimal.NewFromFloat(f).StringFixed(int32(places)))
}

func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if len(intPart) <= 3 {
		return sign + s
	}

	var b strings.Builder
	b.WriteString(sign)
	lead := len(intPart) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(intPart[:lead])
	for i := lead; i < len(intPart); i += 3 {
		b.WriteByte(',')
		b.WriteString(intPart[i : i+3])
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
