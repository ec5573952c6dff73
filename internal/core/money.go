package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is an amount in cents. Petty cash runs in a single currency.
type Money struct {
	Cents int64
}

// ParseMoney reads a user-entered amount such as "12.34" or "12,34".
// Only positive amounts are accepted; a third decimal rounds half-up.
func ParseMoney(s string) (Money, error) {
	cents, err := ParseDecimalToCents(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Cents: cents}, nil
}

// ParseDecimalToCents converts a positive decimal string to cents.
//
//	ParseDecimalToCents("12.34")  -> 1234
//	ParseDecimalToCents("12,346") -> 1235
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, ErrInvalidAmount
	}

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	if hasFrac && strings.Contains(fracPart, ".") {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return 0, ErrInvalidAmount
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || units > maxUnits {
		return 0, ErrInvalidAmount
	}

	var frac int64
	switch {
	case len(fracPart) >= 2:
		frac = int64(fracPart[0]-'0')*10 + int64(fracPart[1]-'0')
		if len(fracPart) > 2 && fracPart[2] >= '5' {
			frac++
		}
	case len(fracPart) == 1:
		frac = int64(fracPart[0]-'0') * 10
	}

	cents := units*100 + frac
	if cents <= 0 {
		return 0, ErrInvalidAmount
	}
	return cents, nil
}

const maxUnits = (1<<63 - 1) / 100

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }

// Decimal renders the amount as "12.34", the format the backend API expects.
func (m Money) Decimal() string {
	sign := ""
	cents := m.Cents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// String renders the amount for display, e.g. "€12,34".
func (m Money) String() string {
	cents := m.Cents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s€%d,%02d", sign, cents/100, cents%100)
}
