// Package fixed provides fixed-point arithmetic for credit amounts,
// emission factors and conversion rates.
//
// All stored quantities share a single scale of 10^6 micro-units, so a
// conversion rate of 0.05 is stored as 50000 and conservation checks
// stay exact integer sums. Floats never enter stored state.
package fixed

import (
	"errors"
	"fmt"
	"strings"
)

// Scale is the number of micro-units per whole unit.
const Scale = 1_000_000

const scaleDigits = 6

// Amount is a signed quantity in micro-units.
type Amount int64

// Zero is the additive identity.
const Zero Amount = 0

// FromMicros wraps a raw micro-unit count.
func FromMicros(v int64) Amount {
	return Amount(v)
}

// FromUnits converts a whole-unit count.
func FromUnits(v int64) Amount {
	return Amount(v * Scale)
}

var errMalformed = errors.New("fixed: malformed decimal")

// Parse reads a decimal string such as "0.8547" or "-12.5" into an
// Amount. At most six fractional digits are accepted.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errMalformed
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return 0, errMalformed
	}
	if len(frac) > scaleDigits {
		return 0, fmt.Errorf("fixed: more than %d fractional digits in %q", scaleDigits, s)
	}

	var micros int64
	for _, c := range whole {
		if c < '0' || c > '9' {
			return 0, errMalformed
		}
		micros = micros*10 + int64(c-'0')
	}
	micros *= Scale

	fracUnit := int64(Scale / 10)
	for _, c := range frac {
		if c < '0' || c > '9' {
			return 0, errMalformed
		}
		micros += int64(c-'0') * fracUnit
		fracUnit /= 10
	}

	if neg {
		micros = -micros
	}
	return Amount(micros), nil
}

// MustParse is Parse for compile-time constants in wiring and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Micros returns the raw micro-unit count.
func (a Amount) Micros() int64 {
	return int64(a)
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return a + b
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount {
	return a - b
}

// MulRate multiplies a by a scaled rate, i.e. (a × r) / Scale, truncating
// toward zero. The split avoids overflowing the intermediate product for
// realistic magnitudes.
func (a Amount) MulRate(r Amount) Amount {
	hi := (int64(a) / Scale) * int64(r)
	lo := (int64(a) % Scale) * int64(r) / Scale
	return Amount(hi + lo)
}

// IsZero reports a == 0.
func (a Amount) IsZero() bool {
	return a == 0
}

// IsNegative reports a < 0.
func (a Amount) IsNegative() bool {
	return a < 0
}

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool {
	return a > 0
}

// Cmp returns -1, 0 or 1 comparing a with b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Float64 converts the amount to a float, for metrics and display only.
// Never round-trip a Float64 back into ledger arithmetic.
func (a Amount) Float64() float64 {
	return float64(a) / Scale
}

// String renders the amount as a decimal with trailing zeros trimmed.
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / Scale
	frac := v % Scale
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, s)
}
