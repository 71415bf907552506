package lx

import (
	"math/big"
	"testing"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddLiquidityMintsAtInitPrice(t *testing.T) {
	env := newTestEnv(t)
	res := env.seedLiquidity(e18(100), e18(3_000_000))

	assert.Equal(t, e18(6_000_000), res.LPAmount)
	assert.Equal(t, fixed.Price(1), res.LPPrice)
	assert.Equal(t, 0, res.Slippage.Sign())
	assert.Equal(t, e18(6_000_000), env.balance(testLP, testLPToken))
	assert.Equal(t, 0, env.balance(testLP, testIndexToken).Sign())

	v := env.vault()
	assert.Equal(t, e18(100), v.IndexTotalAmount)
	assert.Equal(t, e18(3_000_000), v.StableTotalAmount)
	assert.Equal(t, 1, env.events.count(EventLiquidityAdded))
}

func TestAddLiquidityRejects(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.AddLiquidity(testLP, testPairIndex, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.engine.AddLiquidity(testLP, 99, e18(1), nil, nil)
	require.ErrorIs(t, err, ErrPairNotFound)

	// unfunded deposits roll back without minting
	_, err = env.engine.AddLiquidity(testLP, testPairIndex, e18(1), nil, nil)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, 0, env.ledger.TotalSupply(testLPToken).Sign())
	assert.Equal(t, 0, env.vault().IndexTotalAmount.Sign())
}

func TestAddLiquidityFee(t *testing.T) {
	cfg := testPairConfig()
	cfg.Pair.AddLpFeeP = fixed.Percent(1)
	env := newTestEnvWithConfig(t, cfg)

	res := env.seedLiquidity(e18(100), e18(3_000_000))
	assert.Equal(t, e18(1), res.IndexFee)
	assert.Equal(t, e18(30000), res.StableFee)
	assert.Equal(t, e18(5_940_000), res.LPAmount)

	v := env.vault()
	assert.Equal(t, e18(99), v.IndexTotalAmount)
	assert.Equal(t, e18(2_970_000), v.StableTotalAmount)

	fee, err := env.engine.GetBalance(TreasuryBalance, testIndexToken, TreasuryAccount)
	require.NoError(t, err)
	assert.Equal(t, e18(1), fee)
}

func TestDepositSlippage(t *testing.T) {
	cfg := testPairConfig()
	// virtual reserves of 1000 BTC and 30M USDT at 30000
	cfg.Pair.KOfSwap = new(big.Int).Mul(e18(1000), e18(30_000_000))
	env := newTestEnvWithConfig(t, cfg)
	env.seedLiquidity(e18(100), e18(3_000_000))

	t.Run("balanced deposit", func(t *testing.T) {
		env.fund(testBob, testIndexToken, e18(1))
		env.fund(testBob, testStableToken, e18(30000))
		res, err := env.engine.AddLiquidity(testBob, testPairIndex, e18(1), e18(30000), nil)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Slippage.Sign())
		assert.Equal(t, e18(60000), res.LPAmount)
	})

	t.Run("index heavy deposit pays the curve", func(t *testing.T) {
		env.fund(testAlice, testIndexToken, e18(10))
		res, err := env.engine.AddLiquidity(testAlice, testPairIndex, e18(10), nil, nil)
		require.NoError(t, err)
		require.Equal(t, 1, res.Slippage.Sign())
		assert.Equal(t, e18(300000), fixed.Add(res.LPAmount, res.Slippage))
		// the excess over the 50% target is 5 BTC, sold into 1000 BTC of depth
		assert.True(t, res.Slippage.Cmp(e18(700)) > 0 && res.Slippage.Cmp(e18(800)) < 0, "slippage %s", res.Slippage)
	})
}

func TestRemoveLiquiditySplitsAvailableValue(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))

	res, err := env.engine.RemoveLiquidity(testLP, testPairIndex, e18(3_000_000), nil)
	require.NoError(t, err)
	assert.Equal(t, e18(50), res.IndexAmount)
	assert.Equal(t, e18(1_500_000), res.StableAmount)
	assert.Equal(t, e18(50), env.balance(testLP, testIndexToken))
	assert.Equal(t, e18(1_500_000), env.balance(testLP, testStableToken))
	assert.Equal(t, e18(3_000_000), env.ledger.TotalSupply(testLPToken))

	v := env.vault()
	assert.Equal(t, e18(50), v.IndexTotalAmount)
	assert.Equal(t, e18(1_500_000), v.StableTotalAmount)
}

func TestRemoveLiquidityRespectsReserves(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.open(testAlice, true, e18(5), e18(30000), 30000)

	_, err := env.engine.RemoveLiquidity(testLP, testPairIndex, e18(6_000_000), nil)
	require.ErrorIs(t, err, ErrPoolLiquidityNotEnough)
	assert.Equal(t, e18(6_000_000), env.balance(testLP, testLPToken))

	_, err = env.engine.RemoveLiquidity(testLP, testPairIndex, e18(7_000_000), nil)
	require.ErrorIs(t, err, ErrInvalidAmount)

	// the reserved 5 BTC stay in the vault
	_, err = env.engine.RemoveLiquidity(testLP, testPairIndex, e18(5_000_000), nil)
	require.NoError(t, err)
	env.requireSolvent()
	v := env.vault()
	assert.True(t, v.IndexTotalAmount.Cmp(e18(5)) >= 0)
}

func TestLPPriceTracksTraderPnL(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.open(testAlice, true, e18(5), e18(30000), 30000)

	env.setPrice(40000)
	price, err := env.engine.LPFairPrice(testPairIndex)
	require.NoError(t, err)

	// 100 BTC at 40000, 3,000,045 USDT, less 50,000 owed to the long
	want := fixed.MulDiv(e18(6_950_045), fixed.PricePrecision, e18(6_000_000))
	assert.Equal(t, want, price)

	env.setPrice(20000)
	price, err = env.engine.LPFairPrice(testPairIndex)
	require.NoError(t, err)
	want = fixed.MulDiv(e18(5_050_045), fixed.PricePrecision, e18(6_000_000))
	assert.Equal(t, want, price)
}

func TestApplyExposureReservations(t *testing.T) {
	pair := &Pair{IndexDecimals: 18, StableDecimals: 18}
	m := &market{Pair: pair, Vault: &Vault{
		IndexTotalAmount:     e18(10),
		IndexReservedAmount:  fixed.Zero(),
		StableTotalAmount:    e18(100_000),
		StableReservedAmount: fixed.Zero(),
	}}
	price := fixed.Price(10000)

	require.NoError(t, m.applyExposure(fixed.Zero(), e18(4), price, true))
	assert.Equal(t, e18(4), m.Vault.IndexReservedAmount)

	// flipping net short releases index and locks stable
	require.NoError(t, m.applyExposure(e18(4), e18(-3), price, true))
	assert.Equal(t, 0, m.Vault.IndexReservedAmount.Sign())
	assert.Equal(t, e18(30000), m.Vault.StableReservedAmount)

	// partial unwind releases pro rata
	require.NoError(t, m.applyExposure(e18(-3), e18(-1), price, true))
	assert.Equal(t, e18(10000), m.Vault.StableReservedAmount)

	err := m.applyExposure(e18(-1), e18(-20), price, true)
	require.ErrorIs(t, err, ErrPoolLiquidityNotEnough)

	// a non-strict move caps the lock at what is free
	require.NoError(t, m.applyExposure(e18(-1), e18(-20), price, false))
	assert.Equal(t, e18(100_000), m.Vault.StableReservedAmount)
}

func TestPayFromPool(t *testing.T) {
	pair := &Pair{IndexDecimals: 18, StableDecimals: 18}
	m := &market{Pair: pair, Vault: &Vault{
		IndexTotalAmount:     e18(10),
		IndexReservedAmount:  e18(4),
		StableTotalAmount:    e18(50_000),
		StableReservedAmount: e18(20_000),
	}}
	price := fixed.Price(10000)

	stable, index, err := m.payFromPool(e18(50_000), price)
	require.NoError(t, err)
	assert.Equal(t, e18(30_000), stable)
	assert.Equal(t, e18(2), index)
	assert.Equal(t, e18(8), m.Vault.IndexTotalAmount)
	assert.Equal(t, e18(20_000), m.Vault.StableTotalAmount)

	_, _, err = m.payFromPool(e18(50_000), price)
	require.ErrorIs(t, err, ErrInsufficientVaultBalance)
}
