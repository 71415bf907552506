package lx

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/stretchr/testify/require"
)

const (
	testOperator = "operator"
	testKeeper   = "keeper"
	testLP       = "lp-provider"
	testAlice    = "alice"
	testBob      = "bob"

	testIndexToken  = "BTC"
	testStableToken = "USDT"
	testLPToken     = "BTC-USDT-LP"
	testPairIndex   = uint32(1)
)

// e18 returns v whole tokens with 18 decimals.
func e18(v int64) *big.Int { return fixed.Units(v, 18) }

// milli returns v thousandths of a token with 18 decimals.
func milli(v int64) *big.Int { return fixed.Units(v, 15) }

type testEnv struct {
	t      *testing.T
	engine *Engine
	oracle *PriceOracle
	ledger *MemLedger
	roles  *RoleSet
	events *recordingPublisher
	now    time.Time
}

type recordingPublisher struct {
	events []*Event
}

func (r *recordingPublisher) Publish(ev *Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) count(eventType string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func testPairConfig() PairConfig {
	return PairConfig{
		Pair: Pair{
			PairIndex:         testPairIndex,
			IndexToken:        testIndexToken,
			StableToken:       testStableToken,
			LPToken:           testLPToken,
			IndexDecimals:     18,
			StableDecimals:    18,
			Enable:            true,
			KOfSwap:           fixed.Zero(),
			InitPrice:         fixed.Price(1),
			ExpectIndexTokenP: fixed.Percent(50),
			AddLpFeeP:         fixed.Zero(),
			RemoveLpFeeP:      fixed.Zero(),
		},
		Trading: TradingConfig{
			MinLeverage:        1,
			MaxLeverage:        100,
			MinTradeAmount:     milli(1),
			MaxTradeAmount:     e18(1000),
			MaxPositionAmount:  e18(10000),
			MaintainMarginRate: fixed.Percent(1),
			PriceSlipP:         fixed.Percent(1),
			MaxPriceDeviationP: fixed.Percent(50),
			LiquidationFeeP:    big.NewInt(500_000), // 0.5%
		},
		Fee:     DefaultTradingFeeConfig(),
		Funding: DefaultFundingFeeConfig(),
	}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, testPairConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg PairConfig) *testEnv {
	t.Helper()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	env := &testEnv{
		t:      t,
		ledger: NewMemLedger(),
		roles:  NewRoleSet(testOperator),
		events: &recordingPublisher{},
		now:    time.Unix(1_700_000_000, 0).UTC(),
	}
	env.roles.AddKeeper(testKeeper)
	env.oracle = NewPriceOracle(OracleConfig{}, logger)
	env.oracle.SetClock(env.clock)
	env.engine = NewEngine(memdb.New(), env.oracle, env.roles, env.ledger,
		WithLogger(logger),
		WithClock(env.clock),
		WithPublisher(env.events),
	)
	env.setPrice(30000)
	require.NoError(t, env.engine.AddPair(testOperator, cfg))
	return env
}

func (env *testEnv) clock() time.Time { return env.now }

func (env *testEnv) advance(d time.Duration) { env.now = env.now.Add(d) }

func (env *testEnv) setPrice(p int64) {
	env.t.Helper()
	require.NoError(env.t, env.oracle.SetPrice(testIndexToken, fixed.Price(p)))
}

func (env *testEnv) fund(account, token string, amount *big.Int) {
	env.t.Helper()
	require.NoError(env.t, env.ledger.Mint(token, account, amount))
}

func (env *testEnv) balance(account, token string) *big.Int {
	return env.ledger.BalanceOf(token, account)
}

// seedLiquidity deposits index and stable into the test pair.
func (env *testEnv) seedLiquidity(index, stable *big.Int) *LiquidityResult {
	env.t.Helper()
	env.fund(testLP, testIndexToken, index)
	env.fund(testLP, testStableToken, stable)
	res, err := env.engine.AddLiquidity(testLP, testPairIndex, index, stable, nil)
	require.NoError(env.t, err)
	return res
}

// open creates and executes a market increase order at the oracle price.
func (env *testEnv) open(account string, isLong bool, size, collateral *big.Int, price int64) *ExecutionResult {
	env.t.Helper()
	env.fund(account, testStableToken, collateral)
	o, err := env.engine.CreateIncreaseOrder(account, IncreaseOrderRequest{
		PairIndex:  testPairIndex,
		IsLong:     isLong,
		TradeType:  Market,
		Collateral: collateral,
		OpenPrice:  fixed.Price(price),
		SizeAmount: size,
	})
	require.NoError(env.t, err)
	res, err := env.engine.ExecuteIncreaseOrder(testKeeper, o.OrderID, TradeParams{TradeType: Market}, nil)
	require.NoError(env.t, err)
	return res
}

// closeOrder creates a market decrease order for size.
func (env *testEnv) closeOrder(account string, isLong bool, size *big.Int, price int64) *Order {
	env.t.Helper()
	o, err := env.engine.CreateDecreaseOrder(account, DecreaseOrderRequest{
		PairIndex:    testPairIndex,
		IsLong:       isLong,
		TradeType:    Market,
		TriggerPrice: fixed.Price(price),
		SizeAmount:   size,
	})
	require.NoError(env.t, err)
	return o
}

func (env *testEnv) position(account string, isLong bool) *Position {
	env.t.Helper()
	p, err := env.engine.GetPosition(account, testPairIndex, isLong)
	require.NoError(env.t, err)
	return p
}

func (env *testEnv) vault() *Vault {
	env.t.Helper()
	v, err := env.engine.GetVault(testPairIndex)
	require.NoError(env.t, err)
	return v
}

func (env *testEnv) tracker() *Tracker {
	env.t.Helper()
	tr, err := env.engine.GetTracker(testPairIndex)
	require.NoError(env.t, err)
	return tr
}

// requireSolvent checks the reserve bounds of the test vault.
func (env *testEnv) requireSolvent() {
	env.t.Helper()
	v := env.vault()
	require.True(env.t, v.IndexReservedAmount.Cmp(v.IndexTotalAmount) <= 0, "index reserved %s > total %s", v.IndexReservedAmount, v.IndexTotalAmount)
	require.True(env.t, v.StableReservedAmount.Cmp(v.StableTotalAmount) <= 0, "stable reserved %s > total %s", v.StableReservedAmount, v.StableTotalAmount)
	require.True(env.t, v.IndexReservedAmount.Sign() >= 0 && v.StableReservedAmount.Sign() >= 0)
}

// fee returns rate (1e8) of size at price, in 18-decimal stable units.
func feeOf(size *big.Int, price int64, rate int64) *big.Int {
	notional := new(big.Int).Mul(size, big.NewInt(price))
	return fixed.MulDiv(notional, big.NewInt(rate), fixed.Percentage)
}
