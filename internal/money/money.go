// Package money implements fixed-point nano-USD arithmetic.
//
// All monetary values in the gateway are signed integers counting 10⁻⁹ USD.
// Using big.Int keeps intermediate products exact; values are persisted as
// decimal strings, never floats.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// NanoPerUSD is the number of nano-USD units in one USD.
const NanoPerUSD = 1_000_000_000

// ErrNotComputable is returned when a charge cannot be derived from its
// inputs (non-finite or negative multiplier).
var ErrNotComputable = errors.New("money: charge not computable")

var nanoScale = big.NewInt(NanoPerUSD)

// Money is a signed fixed-point amount in nano-USD.
// The zero value is zero nano-USD and ready to use.
type Money struct {
	v big.Int
}

// FromNano builds a Money from an int64 nano-USD count.
func FromNano(n int64) Money {
	var m Money
	m.v.SetInt64(n)
	return m
}

// FromBig builds a Money from a big.Int nano-USD count, copying the value.
func FromBig(n *big.Int) Money {
	var m Money
	m.v.Set(n)
	return m
}

// ParseNano parses a plain integer nano-USD string, as persisted in the
// users and ledger tables.
func ParseNano(s string) (Money, error) {
	var m Money
	if _, ok := m.v.SetString(s, 10); !ok {
		return Money{}, fmt.Errorf("money: invalid nano amount %q", s)
	}
	return m, nil
}

// ParseUSD parses a decimal USD string into nano-USD. A leading sign and up
// to nine fractional digits are accepted; anything finer is rejected rather
// than silently rounded.
func ParseUSD(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	nano := d.Shift(9)
	if !nano.IsInteger() {
		return Money{}, fmt.Errorf("money: %q has more than nine fractional digits", s)
	}
	return FromBig(nano.BigInt()), nil
}

// NanoString returns the raw integer nano-USD representation.
func (m Money) NanoString() string { return m.v.String() }

// USD formats the amount as a decimal USD string with trailing fractional
// zeros trimmed.
func (m Money) USD() string {
	return decimal.NewFromBigInt(&m.v, -9).String()
}

// String is the USD rendering; nano strings are explicit via NanoString.
func (m Money) String() string { return m.USD() }

// Big returns a copy of the underlying nano-USD integer.
func (m Money) Big() *big.Int { return new(big.Int).Set(&m.v) }

// Int64 returns the nano count and whether it fits in an int64.
func (m Money) Int64() (int64, bool) {
	if !m.v.IsInt64() {
		return 0, false
	}
	return m.v.Int64(), true
}

// Add returns m + o.
func (m Money) Add(o Money) Money {
	var r Money
	r.v.Add(&m.v, &o.v)
	return r
}

// Sub returns m - o.
func (m Money) Sub(o Money) Money {
	var r Money
	r.v.Sub(&m.v, &o.v)
	return r
}

// Neg returns -m.
func (m Money) Neg() Money {
	var r Money
	r.v.Neg(&m.v)
	return r
}

// MulInt returns m × n for a non-negative token count.
func (m Money) MulInt(n int64) Money {
	var r Money
	r.v.Mul(&m.v, big.NewInt(n))
	return r
}

// Cmp compares m and o the way big.Int.Cmp does.
func (m Money) Cmp(o Money) int { return m.v.Cmp(&o.v) }

// Sign reports -1, 0 or +1.
func (m Money) Sign() int { return m.v.Sign() }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.v.Sign() == 0 }

// ScaleByMultiplier applies a provider multiplier to a base charge.
//
// The multiplier is quantized to nine fractional digits, lifted to an
// integer nano factor, multiplied against the base, then divided by 10⁹
// truncating toward zero. Non-finite or negative multipliers yield
// ErrNotComputable and the caller must not bill.
func ScaleByMultiplier(base Money, multiplier float64) (Money, error) {
	if math.IsNaN(multiplier) || math.IsInf(multiplier, 0) || multiplier < 0 {
		return Money{}, fmt.Errorf("%w: multiplier %v", ErrNotComputable, multiplier)
	}
	factor := decimal.NewFromFloat(multiplier).Round(9).Shift(9).BigInt()
	var r Money
	r.v.Mul(&base.v, factor)
	r.v.Quo(&r.v, nanoScale)
	return r, nil
}
