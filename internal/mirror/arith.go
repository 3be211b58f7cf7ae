package mirror

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/bitpredict/market-ledger/internal/model"
)

// The replica computes on 256-bit integers but every value it stores or
// returns must fit the ledger's 64-bit domain. Results outside it fail with
// the same overflow kind the ledger reports.

var errDivisionByZero = fmt.Errorf("%w: division by zero", model.ErrArithmeticOverflow)

func n(v uint64) *uint256.Int { return uint256.NewInt(v) }

func bounded(z *uint256.Int) (*uint256.Int, error) {
	if !z.IsUint64() {
		return nil, model.ErrArithmeticOverflow
	}
	return z, nil
}

func add(a, b *uint256.Int) (*uint256.Int, error) {
	return bounded(new(uint256.Int).Add(a, b))
}

func sub(a, b *uint256.Int) (*uint256.Int, error) {
	if a.Lt(b) {
		return nil, model.ErrArithmeticOverflow
	}
	return new(uint256.Int).Sub(a, b), nil
}

// mul cannot wrap: both operands are below 2^64, so the 256-bit product is
// exact before the bound check.
func mul(a, b *uint256.Int) (*uint256.Int, error) {
	return bounded(new(uint256.Int).Mul(a, b))
}

func div(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, errDivisionByZero
	}
	return new(uint256.Int).Div(a, b), nil
}

func ceilDiv(a, b *uint256.Int) (*uint256.Int, error) {
	q, err := div(a, b)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).Mod(a, b).IsZero() {
		return add(q, n(1))
	}
	return q, nil
}

// mulDiv bounds only the quotient; the 256-bit intermediate is exact.
func mulDiv(a, b, c *uint256.Int) (*uint256.Int, error) {
	q, err := div(new(uint256.Int).Mul(a, b), c)
	if err != nil {
		return nil, err
	}
	return bounded(q)
}
