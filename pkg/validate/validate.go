// Package validate holds the input checks shared by live form feedback and
// pre-send filtering.
package validate

import (
	"errors"
	"regexp"
	"strings"

	"multisend/pkg/models"

	"github.com/shopspring/decimal"
)

var (
	ErrRequired       = errors.New("required")
	ErrInvalidFormat  = errors.New("invalid address format")
	ErrSelfSend       = errors.New("cannot send to your own address")
	ErrNotPositive    = errors.New("amount must be greater than 0")
	ErrExceedsBalance = errors.New("insufficient balance")
)

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 40 hex digit address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// positive parses amount the way utils.ParseUnits does, so every amount
// accepted here can be converted to base units.
func positive(amount string) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, false
	}
	return v, v.IsPositive()
}

// Recipients keeps the entries that are ready to send.
func Recipients(list []models.Recipient) []models.Recipient {
	var valid []models.Recipient
	for _, r := range list {
		if !IsAddress(r.Address) {
			continue
		}
		if _, ok := positive(r.Amount); !ok {
			continue
		}
		valid = append(valid, r)
	}
	return valid
}

// Address checks a recipient address. The self-send check only runs when
// connected is non-empty.
func Address(address, connected string) error {
	if address == "" {
		return ErrRequired
	}
	if !IsAddress(address) {
		return ErrInvalidFormat
	}
	if connected != "" && strings.EqualFold(address, connected) {
		return ErrSelfSend
	}
	return nil
}

// Amount checks a send amount against an optional balance. decimals is
// accepted for callers that track precision; the comparison is exact.
func Amount(amount, balance string, decimals int) error {
	if amount == "" {
		return ErrRequired
	}
	v, ok := positive(amount)
	if !ok {
		return ErrNotPositive
	}
	if balance != "" {
		if b, err := decimal.NewFromString(strings.TrimSpace(balance)); err == nil && v.GreaterThan(b) {
			return ErrExceedsBalance
		}
	}
	return nil
}
