package lx

import (
	"math/big"
	"testing"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigFromString(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok, s)
	return v
}

// k = 4.4e46 at price 36100
var (
	refK     = new(big.Int).Mul(big.NewInt(44), fixed.Pow10(45))
	refPrice = fixed.Price(36100)
)

func TestVirtualReserves(t *testing.T) {
	reserveA, reserveB := VirtualReserves(refK, refPrice)
	assert.Equal(t, "1104009313863317417885", reserveA.String())
	assert.Equal(t, "39854736230465758785675233", reserveB.String())

	zeroA, zeroB := VirtualReserves(fixed.Zero(), refPrice)
	assert.Zero(t, zeroA.Sign())
	assert.Zero(t, zeroB.Sign())
}

func TestAmountOutReferenceScenario(t *testing.T) {
	reserveA, reserveB := VirtualReserves(refK, refPrice)

	t.Run("one index unit", func(t *testing.T) {
		out := AmountOut(fixed.Units(1, 18), reserveA, reserveB)
		assert.Equal(t, "36067330592107149117658", out.String())
		assert.InDelta(t, 36067.33, fixed.ToFloat(out, 18), 0.01)
	})

	t.Run("stable round trip", func(t *testing.T) {
		out := AmountOut(fixed.Units(36100, 18), reserveB, reserveA)
		assert.Equal(t, "999095030252275598", out.String())
		assert.InDelta(t, 1.0, fixed.ToFloat(out, 18), 0.001)
	})

	t.Run("large trade slips", func(t *testing.T) {
		// 10000 BTC is about 9x the virtual index reserve of 1104 BTC
		out := AmountOut(fixed.Units(10000, 18), reserveA, reserveB)
		assert.Equal(t, "35892203531122094564300652", out.String())
		naive := fixed.Units(10000*36100, 18)
		assert.Equal(t, -1, out.Cmp(naive))
	})

	t.Run("zero in zero out", func(t *testing.T) {
		assert.Zero(t, AmountOut(fixed.Zero(), reserveA, reserveB).Sign())
	})
}

func TestAmountOutSlippageMonotonic(t *testing.T) {
	reserveA, reserveB := VirtualReserves(refK, refPrice)

	sizes := []int64{1, 2, 5, 10, 50, 100, 500, 1000, 10000}
	var prev *big.Int
	for _, s := range sizes {
		in := fixed.Units(s, 18)
		avg := fixed.MulDiv(AmountOut(in, reserveA, reserveB), fixed.PricePrecision, in)
		if prev != nil {
			assert.Equal(t, -1, avg.Cmp(prev), "average price must fall at size %d", s)
		}
		prev = avg
	}
}

func TestAmountIn(t *testing.T) {
	reserveA, reserveB := VirtualReserves(refK, refPrice)

	in, err := AmountIn(fixed.Units(1, 18), reserveB, reserveA)
	require.NoError(t, err)
	assert.Equal(t, "36132728644759633857183", in.String())

	zero, err := AmountIn(fixed.Zero(), reserveB, reserveA)
	require.NoError(t, err)
	assert.Zero(t, zero.Sign())

	_, err = AmountIn(reserveA, reserveB, reserveA)
	assert.ErrorIs(t, err, ErrPoolLiquidityNotEnough)
}

func TestExecutionPrice(t *testing.T) {
	tests := []struct {
		name  string
		k     *big.Int
		size  int64
		isBuy bool
		want  string
	}{
		{"no curve", fixed.Zero(), 5, true, refPrice.String()},
		{"buy one", refK, 1, true, "36132728644759633857183000000000000"},
		{"buy five", refK, 5, true, "36264238826480453819806000000000000"},
		{"sell one", refK, 1, false, "36067330592107149117658000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExecutionPrice(tt.k, refPrice, fixed.Units(tt.size, 18), tt.isBuy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := ExecutionPrice(refK, fixed.Zero(), fixed.Units(1, 18), true)
	assert.ErrorIs(t, err, ErrPriceNotAvailable)

	buy, err := ExecutionPrice(refK, refPrice, fixed.Units(1, 18), true)
	require.NoError(t, err)
	sell, err := ExecutionPrice(refK, refPrice, fixed.Units(1, 18), false)
	require.NoError(t, err)
	assert.Equal(t, 1, buy.Cmp(refPrice))
	assert.Equal(t, -1, sell.Cmp(refPrice))
}
