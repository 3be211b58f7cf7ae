// Package fixedpoint provides exact, overflow-checked unsigned integer
// arithmetic for every monetary and share quantity in the ledger.
//
// All amounts are integers in the smallest unit (sats). There is no floating
// point anywhere on the settlement path. Every operation either returns the
// exact result or ErrOverflow; results are never truncated or wrapped.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// ErrOverflow is returned when a result does not fit in 64 bits, or when
	// a subtraction would go below zero.
	ErrOverflow = errors.New("fixedpoint: arithmetic overflow")

	// ErrDivisionByZero is returned by Div, Mod and CeilDiv for a zero divisor.
	// It matches ErrOverflow under errors.Is so callers see one error kind.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", ErrOverflow)
)

// Add returns a + b.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b. Underflow is reported as ErrOverflow.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Mul returns a * b.
func Mul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// Div returns floor(a / b).
func Div(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return a / b, nil
}

// Mod returns a mod b.
func Mod(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return a % b, nil
}

// CeilDiv returns ceil(a / b): floor(a / b), plus one when the division
// leaves a nonzero remainder.
func CeilDiv(a, b uint64) (uint64, error) {
	q, err := Div(a, b)
	if err != nil {
		return 0, err
	}
	r, _ := Mod(a, b)
	if r != 0 {
		return Add(q, 1)
	}
	return q, nil
}

// MulDiv returns floor(a * b / c). The product is formed in 128 bits, so
// only a quotient that does not fit in 64 bits is an overflow.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, c)
	return q, nil
}
