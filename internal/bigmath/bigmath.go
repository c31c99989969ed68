// Package bigmath provides exact big-integer primitives for flow accounting.
//
// Every quantity handled by this module is an integer in atomic token units.
// Nothing here touches floating point, so results are bit-for-bit identical
// on every platform and can be audited against the on-chain contracts.
package bigmath

import (
	"math/big"
)

var (
	zero = big.NewInt(0)
	one  = big.NewInt(1)
	two  = big.NewInt(2)
)

// Sqrt returns the integer square root r of n, with r*r <= n < (r+1)*(r+1).
//
// The root is found by Newton's iteration on integers, starting from a power
// of two that is guaranteed to be >= the true root. From such a start the
// sequence decreases monotonically and the first non-decreasing step marks
// the floor root.
//
// Sqrt(0) is 0. A negative n returns a DomainError.
func Sqrt(n *big.Int) (*big.Int, error) {
	if n == nil {
		return nil, NewDomainError(ErrCodeNilOperand, "sqrt", "operand is nil")
	}
	switch n.Sign() {
	case -1:
		return nil, NewDomainError(ErrCodeNegativeSqrt, "sqrt", "square root of negative integer "+n.String())
	case 0:
		return new(big.Int), nil
	}
	if n.Cmp(two) < 0 {
		return new(big.Int).Set(one), nil
	}

	// x0 = 2^ceil(bits/2) >= sqrt(n)
	x := new(big.Int).Lsh(one, uint(n.BitLen()+1)/2)
	y := new(big.Int)
	for {
		// y = (x + n/x) / 2
		y.Quo(n, x)
		y.Add(y, x)
		y.Rsh(y, 1)
		if y.Cmp(x) >= 0 {
			return x, nil
		}
		x, y = y, x
	}
}

// MustSqrt is Sqrt for inputs already known to be non-negative.
// Panics on a DomainError.
func MustSqrt(n *big.Int) *big.Int {
	r, err := Sqrt(n)
	if err != nil {
		panic(err)
	}
	return r
}

// Quo returns a/b truncated toward zero.
// A zero divisor returns a DomainError.
func Quo(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, NewDomainError(ErrCodeNilOperand, "quo", "operand is nil")
	}
	if b.Sign() == 0 {
		return nil, NewDomainError(ErrCodeDivisionByZero, "quo", "division of "+a.String()+" by zero")
	}
	return new(big.Int).Quo(a, b), nil
}

// FloorDiv returns floor(a/b).
// A zero divisor returns a DomainError.
func FloorDiv(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, NewDomainError(ErrCodeNilOperand, "floor_div", "operand is nil")
	}
	if b.Sign() == 0 {
		return nil, NewDomainError(ErrCodeDivisionByZero, "floor_div", "division of "+a.String()+" by zero")
	}
	q, m := new(big.Int).QuoRem(a, b, new(big.Int))
	// QuoRem truncates; step down when the signs differ and there is a remainder.
	if m.Sign() != 0 && (m.Sign() < 0) != (b.Sign() < 0) {
		q.Sub(q, one)
	}
	return q, nil
}

// MulQuo returns a*b/c truncated toward zero, computed without intermediate rounding.
func MulQuo(a, b, c *big.Int) (*big.Int, error) {
	if a == nil || b == nil {
		return nil, NewDomainError(ErrCodeNilOperand, "mul_quo", "operand is nil")
	}
	return Quo(new(big.Int).Mul(a, b), c)
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// IsPositive reports whether v is non-nil and greater than zero.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// Clone returns a copy of v (nil stays nil).
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Zero returns a new zero-valued integer.
func Zero() *big.Int {
	return new(big.Int).Set(zero)
}
