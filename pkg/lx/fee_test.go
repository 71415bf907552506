package lx

import (
	"math/big"
	"testing"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributeFeeSumsToTotal(t *testing.T) {
	cfg := DefaultTradingFeeConfig()
	for _, tc := range []struct {
		fee        int64
		commission *big.Int
	}{
		{1_000_000, nil},
		{1_000_000, fixed.Percent(50)},
		{999_999, fixed.Percent(33)},
		{7, fixed.Percent(100)},
		{1, fixed.Percent(150)},
		{0, nil},
	} {
		d := distributeFee(&cfg, big.NewInt(tc.fee), tc.commission)
		sum := fixed.Add(d.LP, d.Keeper)
		sum.Add(sum, d.Treasury)
		sum.Add(sum, d.Referral)
		sum.Add(sum, d.TraderRebate)
		assert.Equal(t, big.NewInt(tc.fee).String(), sum.String(), "fee %d", tc.fee)
		assert.True(t, d.Treasury.Sign() >= 0)
	}

	d := distributeFee(&cfg, big.NewInt(1_000_000), fixed.Percent(50))
	assert.Equal(t, big.NewInt(600_000), d.LP)
	assert.Equal(t, big.NewInt(100_000), d.Keeper)
	assert.Equal(t, big.NewInt(200_000), d.Treasury)
	assert.Equal(t, big.NewInt(50_000), d.Referral)
	assert.Equal(t, big.NewInt(50_000), d.TraderRebate)
}

func TestTradingFeeRate(t *testing.T) {
	cfg := DefaultTradingFeeConfig()
	none := &LevelDiscount{MakerDiscountP: fixed.Zero(), TakerDiscountP: fixed.Zero()}
	assert.Equal(t, big.NewInt(50_000), tradingFeeRate(&cfg, none, Market))
	assert.Equal(t, big.NewInt(20_000), tradingFeeRate(&cfg, none, Limit))
	assert.Equal(t, big.NewInt(20_000), tradingFeeRate(&cfg, none, StopLoss))

	vip := &LevelDiscount{MakerDiscountP: fixed.Percent(50), TakerDiscountP: fixed.Percent(20)}
	assert.Equal(t, big.NewInt(40_000), tradingFeeRate(&cfg, vip, Market))
	assert.Equal(t, big.NewInt(10_000), tradingFeeRate(&cfg, vip, TakeProfit))
}

func TestLevelDiscountApplies(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))

	vip := LevelDiscount{MakerDiscountP: fixed.Percent(50), TakerDiscountP: fixed.Percent(20)}
	require.ErrorIs(t, env.engine.SetLevelDiscount(testAlice, 3, vip), ErrNotOperator)
	require.NoError(t, env.engine.SetLevelDiscount(testOperator, 3, vip))

	fee, err := env.engine.GetTradingFee(testPairIndex, e18(5), nil, Market, 3)
	require.NoError(t, err)
	assert.Equal(t, e18(60), fee)

	env.fund(testAlice, testStableToken, e18(30000))
	o, err := env.engine.CreateIncreaseOrder(testAlice, IncreaseOrderRequest{
		PairIndex:  testPairIndex,
		IsLong:     true,
		TradeType:  Market,
		Collateral: e18(30000),
		OpenPrice:  fixed.Price(30000),
		SizeAmount: e18(5),
	})
	require.NoError(t, err)
	res, err := env.engine.ExecuteIncreaseOrder(testKeeper, o.OrderID, TradeParams{
		TradeType:       Market,
		Level:           3,
		CommissionRatio: fixed.Percent(50),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, e18(60), res.Change.TradingFee)
	assert.Equal(t, e18(3), res.Change.Fee.Referral)
}

func TestClaimFees(t *testing.T) {
	env := newTestEnv(t)
	env.seedLiquidity(e18(100), e18(3_000_000))
	env.fund(testAlice, testStableToken, e18(30000))
	o, err := env.engine.CreateIncreaseOrder(testAlice, IncreaseOrderRequest{
		PairIndex:  testPairIndex,
		IsLong:     true,
		TradeType:  Market,
		Collateral: e18(30000),
		OpenPrice:  fixed.Price(30000),
		SizeAmount: e18(10),
	})
	require.NoError(t, err)
	// 150 fee: 90 lp, 15 keeper, 30 treasury, 7.5 referral, 7.5 rebate
	_, err = env.engine.ExecuteIncreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market, CommissionRatio: fixed.Percent(50)}, nil)
	require.NoError(t, err)

	paid, err := env.engine.ClaimKeeperFee(testKeeper, testStableToken)
	require.NoError(t, err)
	assert.Equal(t, e18(15), paid)
	assert.Equal(t, e18(15), env.balance(testKeeper, testStableToken))

	// a second claim pays nothing
	paid, err = env.engine.ClaimKeeperFee(testKeeper, testStableToken)
	require.NoError(t, err)
	assert.Equal(t, 0, paid.Sign())

	paid, err = env.engine.ClaimUserRebate(testAlice, testStableToken)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("7.5", 18), paid)

	_, err = env.engine.ClaimTreasuryFee(testAlice, testStableToken, testAlice)
	require.ErrorIs(t, err, ErrNotOperator)
	paid, err = env.engine.ClaimTreasuryFee(testOperator, testStableToken, "dao")
	require.NoError(t, err)
	assert.Equal(t, e18(30), paid)
	assert.Equal(t, e18(30), env.balance("dao", testStableToken))

	paid, err = env.engine.ClaimReferralFee(testOperator, testStableToken, "referral-distributor")
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("7.5", 18), paid)

	assert.Equal(t, 4, env.events.count(EventFeeClaimed))
	env.requireBooked(testAlice)
}
