package fpmath

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// BpsScale is the basis-point denominator: 10,000 bp = 1 quote unit.
const BpsScale uint64 = 10_000

// ErrAmountOverflow is returned when a widened product does not narrow
// back into uint64.
var ErrAmountOverflow = errors.New("amount overflows uint64")

// u128Pool holds big.Ints for intermediate 128-bit calculations
var u128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getU128() *big.Int {
	return u128Pool.Get().(*big.Int)
}

func putU128(v *big.Int) {
	v.SetUint64(0) // Clear before returning to pool
	u128Pool.Put(v)
}

// MulU128 performs a * b widened to 128-bit to prevent overflow.
// The caller must return the result to the pool via PutU128.
func MulU128(a, b uint64) *big.Int {
	result := getU128()
	x := getU128()
	y := getU128()
	x.SetUint64(a)
	y.SetUint64(b)
	result.Mul(x, y)
	putU128(x)
	putU128(y)
	return result
}

// PutU128 returns an intermediate to the pool.
func PutU128(v *big.Int) {
	putU128(v)
}

// DivU128 performs numerator / denominator with truncating division and
// a checked narrow back to uint64.
func DivU128(numerator *big.Int, denominator uint64) (uint64, error) {
	denom := getU128()
	denom.SetUint64(denominator)

	quotient := getU128()
	quotient.Div(numerator, denom)

	if !quotient.IsUint64() {
		putU128(denom)
		putU128(quotient)
		return 0, ErrAmountOverflow
	}

	result := quotient.Uint64()
	putU128(denom)
	putU128(quotient)
	return result, nil
}

// MulDivFloor computes floor(a * b / denominator) with a 128-bit
// intermediate and a checked narrow.
func MulDivFloor(a, b, denominator uint64) (uint64, error) {
	product := MulU128(a, b)
	result, err := DivU128(product, denominator)
	putU128(product)
	return result, err
}

// MidpointPrice computes the truncating integer average of the two
// limit prices. floor((a+b)/2) without the u64 overflow of a+b:
// a/2 + b/2 plus one when both are odd.
func MidpointPrice(buyLimit, sellLimit uint64) uint64 {
	return buyLimit/2 + sellLimit/2 + (buyLimit & sellLimit & 1)
}

// QuoteAmount converts a base fill at an execution price into quote
// smallest units: floor(fillQty * execPrice / 10_000).
func QuoteAmount(fillQty, execPrice uint64) (uint64, error) {
	return MulDivFloor(fillQty, execPrice, BpsScale)
}

// MatcherFee computes the matcher's cut of a quote amount:
// floor(quoteAmount * feeBps / 10_000).
func MatcherFee(quoteAmount, feeBps uint64) (uint64, error) {
	return MulDivFloor(quoteAmount, feeBps, BpsScale)
}

// BuyEscrow is the quote commitment a buy order books at submission:
// floor(quantity * limitPrice / 10_000).
func BuyEscrow(quantity, limitPrice uint64) (uint64, error) {
	return MulDivFloor(quantity, limitPrice, BpsScale)
}

// MulCmp compares a*b against c without narrowing: -1, 0 or +1.
func MulCmp(a, b, c uint64) int {
	product := MulU128(a, b)
	rhs := getU128()
	rhs.SetUint64(c)
	result := product.Cmp(rhs)
	putU128(product)
	putU128(rhs)
	return result
}

// Score weighs a candidate's spread by its projected fill. The product
// can exceed uint64 for extreme inputs; saturate instead of wrapping so
// ordering stays sane.
func Score(spread, projectedFill uint64) uint64 {
	product := MulU128(spread, projectedFill)
	defer putU128(product)
	if !product.IsUint64() {
		return math.MaxUint64
	}
	return product.Uint64()
}
