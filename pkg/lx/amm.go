package lx

import (
	"fmt"
	"math/big"

	"github.com/luxfi/perps/pkg/fixed"
)

// The virtual AMM only discovers prices. It holds no tokens: reserves are
// derived from the pair's constant product k and the oracle price on every
// call, so reserveB/reserveA equals the price and reserveA*reserveB ~= k.

// VirtualReserves returns (reserveA, reserveB) for constant product k at price.
// reserveA is denominated in index units, reserveB in stable units.
func VirtualReserves(k, price *big.Int) (*big.Int, *big.Int) {
	if k.Sign() == 0 || price.Sign() == 0 {
		return fixed.Zero(), fixed.Zero()
	}
	reserveA := fixed.Sqrt(fixed.MulDiv(k, fixed.PricePrecision, price))
	reserveB := fixed.Sqrt(fixed.MulDiv(k, price, fixed.PricePrecision))
	return reserveA, reserveB
}

// AmountOut returns reserveOut - reserveIn*reserveOut/(reserveIn+amountIn),
// rounded down.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return fixed.Zero()
	}
	return fixed.MulDiv(amountIn, reserveOut, fixed.Add(reserveIn, amountIn))
}

// AmountIn returns the input needed to take amountOut, rounded up.
func AmountIn(amountOut, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountOut.Sign() <= 0 {
		return fixed.Zero(), nil
	}
	if amountOut.Cmp(reserveOut) >= 0 || reserveIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %s exceeds virtual reserve %s", ErrPoolLiquidityNotEnough, amountOut, reserveOut)
	}
	return fixed.MulDivUp(reserveIn, amountOut, fixed.Sub(reserveOut, amountOut)), nil
}

// ExecutionPrice converts a trade of size index units into a fill price.
// A buy (long increase or short decrease) pays the stable needed to take size
// out of the curve; a sell receives what selling size into the curve yields.
// Both round against the trader. k == 0 disables the curve.
func ExecutionPrice(k, price, size *big.Int, isBuy bool) (*big.Int, error) {
	if price.Sign() <= 0 {
		return nil, ErrPriceNotAvailable
	}
	if k.Sign() == 0 || size.Sign() == 0 {
		return fixed.New(price), nil
	}
	reserveA, reserveB := VirtualReserves(k, price)
	if isBuy {
		stableIn, err := AmountIn(size, reserveB, reserveA)
		if err != nil {
			return nil, err
		}
		return fixed.MulDivUp(stableIn, fixed.PricePrecision, size), nil
	}
	stableOut := AmountOut(size, reserveA, reserveB)
	if stableOut.Sign() == 0 {
		return nil, fmt.Errorf("%w: sell of %s yields nothing", ErrPoolLiquidityNotEnough, size)
	}
	return fixed.MulDiv(stableOut, fixed.PricePrecision, size), nil
}

// isBuy reports whether a trade takes index out of the curve.
func isBuy(isIncrease, isLong bool) bool { return isIncrease == isLong }
