package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator for rates expressed in basis points.
const BasisPoints = 10_000

// ErrOverflow is returned when a result does not fit in a 64-bit amount.
var ErrOverflow = errors.New("arithmetic overflow")

// Add returns x + y, or ErrOverflow if the sum exceeds the amount range.
func Add(x, y uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(x), uint256.NewInt(y))
	if overflow || !sum.IsUint64() {
		return 0, ErrOverflow
	}
	return sum.Uint64(), nil
}

// Sub returns x - y, or ErrOverflow if y > x.
func Sub(x, y uint64) (uint64, error) {
	diff, underflow := new(uint256.Int).SubOverflow(uint256.NewInt(x), uint256.NewInt(y))
	if underflow {
		return 0, ErrOverflow
	}
	return diff.Uint64(), nil
}

// MulDiv computes x * y / d with truncation toward zero. The intermediate
// product is held in 256 bits; only the final quotient must fit in 64 bits.
func MulDiv(x, y, d uint64) (uint64, error) {
	if d == 0 {
		return 0, errors.New("division by zero")
	}
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(x), uint256.NewInt(y))
	if overflow {
		return 0, ErrOverflow
	}
	quotient := new(uint256.Int).Div(product, uint256.NewInt(d))
	if !quotient.IsUint64() {
		return 0, ErrOverflow
	}
	return quotient.Uint64(), nil
}

// ApplyBasisPoints returns amount * bps / 10000, truncated.
func ApplyBasisPoints(amount, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, BasisPoints)
}
