/*
Package money provides the fixed-point currency type used across the ledger.

PURPOSE:
  All monetary values in the marketing ledger are two-decimal fixed-point
  amounts. This package owns parsing, validation, and rounding so the
  engine never touches raw floating point.

KEY RULES:
  - Exactly 2 fraction digits; anything finer is rounded at the cent
    boundary using round-half-away-from-zero
  - NaN, Inf, and non-numeric strings are rejected with ErrInvalidAmount
  - Engine inputs must be strictly positive (ParsePositive)

DESIGN PRINCIPLES:
  Uses decimal.Decimal internally to avoid floating-point drift across long
  transaction sequences. Comparisons and arithmetic only go through Amount
  methods; callers never unwrap the decimal for math.

SEE ALSO:
  - ledger/engine.go: All balance arithmetic uses this type
  - store/sqlite, store/postgres: Persist amounts as exact decimal text
*/
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an input is not a finite number, cannot
// be parsed, or violates a positivity requirement.
var ErrInvalidAmount = errors.New("invalid amount")

// Amount is a two-decimal fixed-point monetary value.
// The zero value is zero currency units.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// Parse converts a decimal string ("12.34") into an Amount, rounding to two
// fraction digits half-away-from-zero. Negative values are allowed here;
// use ParsePositive for engine inputs.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Amount{d: d.Round(2)}, nil
}

// ParsePositive parses s and requires the result to be strictly positive.
func ParsePositive(s string) (Amount, error) {
	a, err := Parse(s)
	if err != nil {
		return Amount{}, err
	}
	if !a.IsPositive() {
		return Amount{}, fmt.Errorf("%w: must be positive, got %s", ErrInvalidAmount, a)
	}
	return a, nil
}

// FromFloat converts a float64 into an Amount, rejecting NaN and Inf.
func FromFloat(f float64) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Amount{}, fmt.Errorf("%w: not finite", ErrInvalidAmount)
	}
	return Amount{d: decimal.NewFromFloat(f).Round(2)}, nil
}

// FromCents builds an Amount from an integer number of minor units.
func FromCents(cents int64) Amount {
	return Amount{d: decimal.New(cents, -2)}
}

// MustParse parses s and panics on error. Test helper.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }

func (a Amount) IsZero() bool              { return a.d.IsZero() }
func (a Amount) IsNegative() bool          { return a.d.IsNegative() }
func (a Amount) IsPositive() bool          { return a.d.IsPositive() }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }
func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) Equal(b Amount) bool       { return a.d.Equal(b.d) }

// Cents returns the amount as an integer number of minor units.
func (a Amount) Cents() int64 {
	return a.d.Mul(decimal.New(100, 0)).IntPart()
}

// Float returns the amount as a float64 for display/serialization only.
// Never feed the result back into arithmetic.
func (a Amount) Float() float64 {
	f, _ := a.d.Float64()
	return f
}

// String renders the amount with exactly two fraction digits.
func (a Amount) String() string {
	return a.d.StringFixed(2)
}

// MarshalJSON renders the amount as a JSON string to preserve precision.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both string and numeric JSON representations.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
