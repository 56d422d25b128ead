package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errInvalidAmount = errors.New("invalid amount")

// ParseCents converts a decimal amount such as "5.20" into minor units.
// At most two fractional digits are accepted.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errInvalidAmount
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, errInvalidAmount
	}
	if !digits(whole) || !digits(frac) {
		return 0, errInvalidAmount
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: too many decimal places", errInvalidAmount)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errInvalidAmount
	}
	if w > (math.MaxInt64-99)/100 {
		return 0, fmt.Errorf("%w: amount too large", errInvalidAmount)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, errInvalidAmount
	}
	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}

// FormatCents renders minor units as a two-decimal string.
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
