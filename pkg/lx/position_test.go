package lx

import (
	"math/big"
	"testing"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncreaseAveragePriceScenario(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))

	res := env.open(testAlice, true, e18(5), e18(30000), 30000)
	assert.True(t, res.Filled)
	assert.Equal(t, feeOf(e18(5), 30000, 50_000), res.Change.TradingFee)

	p := env.position(testAlice, true)
	assert.Equal(t, e18(5), p.PositionAmount)
	assert.Equal(t, fixed.Price(30000), p.AveragePrice)
	assert.Equal(t, e18(29925), p.Collateral)

	env.setPrice(40000)
	env.open(testAlice, true, e18(5), e18(10000), 40000)

	p = env.position(testAlice, true)
	assert.Equal(t, e18(10), p.PositionAmount)
	assert.Equal(t, fixed.Price(35000), p.AveragePrice)
	assert.Equal(t, e18(29925+10000-100), p.Collateral)

	tr := env.tracker()
	assert.Equal(t, e18(10), tr.LongTracker)
	assert.Equal(t, e18(350000), tr.LongEntryNotional)
	assert.Equal(t, e18(10), env.vault().IndexReservedAmount)
	env.requireSolvent()
}

func TestAveragePriceIsSizeWeighted(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))

	env.open(testAlice, true, e18(2), e18(20000), 30000)
	env.setPrice(33000)
	env.open(testAlice, true, e18(1), e18(10000), 33000)
	assert.Equal(t, fixed.Price(31000), env.position(testAlice, true).AveragePrice)

	o := env.closeOrder(testAlice, true, e18(1), 33000)
	res, err := env.engine.ExecuteDecreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market}, nil)
	require.NoError(t, err)
	assert.False(t, res.NeedADL)

	p := env.position(testAlice, true)
	assert.Equal(t, e18(2), p.PositionAmount)
	assert.Equal(t, fixed.Price(31000), p.AveragePrice, "decreases never move the average")
}

func TestDecreaseRealisesProfit(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.open(testAlice, true, e18(5), e18(30000), 30000)

	env.setPrice(40000)
	o := env.closeOrder(testAlice, true, e18(5), 40000)
	res, err := env.engine.ExecuteDecreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market}, nil)
	require.NoError(t, err)
	require.True(t, res.Filled)

	assert.Equal(t, e18(50000), res.Change.RealizedPnL)
	assert.Equal(t, e18(100), res.Change.TradingFee)
	assert.Equal(t, e18(79825), res.Change.StablePayout)
	assert.Equal(t, 0, res.Change.IndexPayout.Sign())
	assert.Equal(t, e18(79825), env.balance(testAlice, testStableToken))

	assert.False(t, env.position(testAlice, true).IsOpen())
	_, err = env.engine.GetOrder(o.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	v := env.vault()
	assert.Equal(t, e18(2_950_105), v.StableTotalAmount)
	assert.Equal(t, 0, v.IndexReservedAmount.Sign())
	assert.Equal(t, 0, env.tracker().LongEntryNotional.Sign())

	keeperFee, err := env.engine.GetBalance(KeeperBalance, testStableToken, testKeeper)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("17.5", 18), keeperFee)
	treasury, err := env.engine.GetBalance(TreasuryBalance, testStableToken, TreasuryAccount)
	require.NoError(t, err)
	assert.Equal(t, e18(35), treasury)
	rebate, err := env.engine.GetBalance(RebateBalance, testStableToken, testAlice)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("17.5", 18), rebate)

	// custody holds exactly what the books say
	custody := env.balance(env.engine.CustodyAccount(), testStableToken)
	booked := fixed.Add(v.StableTotalAmount, keeperFee)
	booked.Add(booked, treasury)
	booked.Add(booked, rebate)
	assert.Equal(t, booked, custody)
}

func TestDecreaseLossGoesToPool(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.open(testAlice, true, e18(5), e18(30000), 30000)

	env.setPrice(28000)
	o := env.closeOrder(testAlice, true, e18(5), 28000)
	res, err := env.engine.ExecuteDecreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market}, nil)
	require.NoError(t, err)

	assert.Equal(t, e18(-10000), res.Change.RealizedPnL)
	// 29925 collateral - 70 fee - 10000 loss
	assert.Equal(t, e18(19855), env.balance(testAlice, testStableToken))
	assert.Equal(t, e18(3_000_000+45+42+10000), env.vault().StableTotalAmount)
	env.requireSolvent()
}

func TestCollateralWithdrawalGuard(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.open(testAlice, true, e18(5), e18(30000), 30000)

	t.Run("loss caps withdrawal", func(t *testing.T) {
		env.setPrice(27000)
		before := env.position(testAlice, true)

		_, err := env.engine.AdjustCollateral(testAlice, testPairIndex, true, e18(-14926), nil)
		require.ErrorIs(t, err, ErrCollateralNotEnough)
		assert.Equal(t, before, env.position(testAlice, true))

		change, err := env.engine.AdjustCollateral(testAlice, testPairIndex, true, e18(-14000), nil)
		require.NoError(t, err)
		assert.Equal(t, e18(15925), change.Collateral)
		assert.Equal(t, e18(14000), env.balance(testAlice, testStableToken))
	})

	t.Run("profit never lets collateral go negative", func(t *testing.T) {
		env.setPrice(33000)
		before := env.position(testAlice, true)

		_, err := env.engine.AdjustCollateral(testAlice, testPairIndex, true, e18(-15926), nil)
		require.ErrorIs(t, err, ErrCollateralNotEnough)
		_, err = env.engine.AdjustCollateral(testAlice, testPairIndex, true, e18(-15925), nil)
		require.ErrorIs(t, err, ErrCollateralNotEnough)
		assert.Equal(t, before, env.position(testAlice, true))
	})

	t.Run("deposit", func(t *testing.T) {
		env.fund(testAlice, testStableToken, e18(1000))
		change, err := env.engine.AdjustCollateral(testAlice, testPairIndex, true, e18(1000), nil)
		require.NoError(t, err)
		assert.Equal(t, e18(16925), change.Collateral)
	})

	t.Run("deposit needs tokens", func(t *testing.T) {
		_, err := env.engine.AdjustCollateral(testBob, testPairIndex, true, e18(1000), nil)
		require.Error(t, err)
	})
}

func TestIncreaseBounds(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))

	t.Run("leverage", func(t *testing.T) {
		env.fund(testBob, testStableToken, e18(1000))
		o, err := env.engine.CreateIncreaseOrder(testBob, IncreaseOrderRequest{
			PairIndex:  testPairIndex,
			IsLong:     true,
			TradeType:  Market,
			Collateral: e18(1000),
			OpenPrice:  fixed.Price(30000),
			SizeAmount: e18(5),
		})
		require.NoError(t, err)
		assert.Equal(t, 0, env.balance(testBob, testStableToken).Sign())

		_, err = env.engine.ExecuteIncreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market}, nil)
		require.ErrorIs(t, err, ErrLeverageOutOfRange)

		require.NoError(t, env.engine.CancelIncreaseOrder(testBob, o.OrderID))
		assert.Equal(t, e18(1000), env.balance(testBob, testStableToken))
	})

	t.Run("max position", func(t *testing.T) {
		_, err := env.engine.CreateIncreaseOrder(testBob, IncreaseOrderRequest{
			PairIndex:  testPairIndex,
			IsLong:     true,
			TradeType:  Market,
			OpenPrice:  fixed.Price(30000),
			SizeAmount: e18(20000),
		})
		require.ErrorIs(t, err, ErrExceedsMaxPosition)
	})

	t.Run("min trade", func(t *testing.T) {
		_, err := env.engine.CreateIncreaseOrder(testBob, IncreaseOrderRequest{
			PairIndex:  testPairIndex,
			IsLong:     true,
			TradeType:  Market,
			OpenPrice:  fixed.Price(30000),
			SizeAmount: big.NewInt(1),
		})
		require.ErrorIs(t, err, ErrInvalidTradeSize)
	})
}

func TestOwnerCloseCannotGoNegative(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.open(testAlice, true, e18(5), e18(3000), 30000)

	env.setPrice(29000)
	o := env.closeOrder(testAlice, true, e18(5), 29000)
	_, err := env.engine.ExecuteDecreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market}, nil)
	require.ErrorIs(t, err, ErrCollateralNotEnough)
	assert.True(t, env.position(testAlice, true).IsOpen())
}
