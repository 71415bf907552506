// Package lxtest builds engines with one BTC/USDT pair for tests of the
// packages around pkg/lx.
package lxtest

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/stretchr/testify/require"
)

const (
	Operator = "operator"
	Keeper   = "keeper"
	LP       = "lp-provider"
	Alice    = "alice"
	Bob      = "bob"

	IndexToken  = "BTC"
	StableToken = "USDT"
	LPToken     = "BTC-USDT-LP"
	PairIndex   = uint32(1)
)

// E18 returns v whole tokens with 18 decimals.
func E18(v int64) *big.Int { return fixed.Units(v, 18) }

// PairConfig returns a BTC/USDT pair with a flat curve, 1-100x leverage,
// 1% maintenance margin and the default fee and funding schedules.
func PairConfig() lx.PairConfig {
	return lx.PairConfig{
		Pair: lx.Pair{
			PairIndex:         PairIndex,
			IndexToken:        IndexToken,
			StableToken:       StableToken,
			LPToken:           LPToken,
			IndexDecimals:     18,
			StableDecimals:    18,
			Enable:            true,
			KOfSwap:           fixed.Zero(),
			InitPrice:         fixed.Price(1),
			ExpectIndexTokenP: fixed.Percent(50),
			AddLpFeeP:         fixed.Zero(),
			RemoveLpFeeP:      fixed.Zero(),
		},
		Trading: lx.TradingConfig{
			MinLeverage:        1,
			MaxLeverage:        100,
			MinTradeAmount:     fixed.Units(1, 15),
			MaxTradeAmount:     E18(1000),
			MaxPositionAmount:  E18(10000),
			MaintainMarginRate: fixed.Percent(1),
			PriceSlipP:         fixed.Percent(1),
			MaxPriceDeviationP: fixed.Percent(50),
			LiquidationFeeP:    big.NewInt(500_000),
		},
		Fee:     lx.DefaultTradingFeeConfig(),
		Funding: lx.DefaultFundingFeeConfig(),
	}
}

// Env is an engine wired to in-memory collaborators
type Env struct {
	T      testing.TB
	Engine *lx.Engine
	Oracle *lx.PriceOracle
	Ledger *lx.MemLedger
	Roles  *lx.RoleSet

	mu  sync.Mutex
	now time.Time
}

// NewEnv builds an engine at BTC 30000 with the test pair registered.
// Extra options are applied after the defaults.
func NewEnv(t testing.TB, opts ...lx.Option) *Env {
	t.Helper()
	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	env := &Env{
		T:      t,
		Ledger: lx.NewMemLedger(),
		Roles:  lx.NewRoleSet(Operator),
		now:    time.Unix(1_700_000_000, 0).UTC(),
	}
	env.Roles.AddKeeper(Keeper)
	env.Oracle = lx.NewPriceOracle(lx.OracleConfig{}, logger)
	env.Oracle.SetClock(env.Now)
	opts = append([]lx.Option{lx.WithLogger(logger), lx.WithClock(env.Now)}, opts...)
	env.Engine = lx.NewEngine(memdb.New(), env.Oracle, env.Roles, env.Ledger, opts...)
	env.SetPrice(30000)
	require.NoError(t, env.Engine.AddPair(Operator, PairConfig()))
	return env
}

// Now is the env clock.
func (env *Env) Now() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

// Advance moves the clock forward.
func (env *Env) Advance(d time.Duration) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = env.now.Add(d)
}

// SetPrice sets the BTC oracle price in whole USDT.
func (env *Env) SetPrice(p int64) {
	env.T.Helper()
	require.NoError(env.T, env.Oracle.SetPrice(IndexToken, fixed.Price(p)))
}

// Fund mints amount of token to account.
func (env *Env) Fund(account, token string, amount *big.Int) {
	env.T.Helper()
	require.NoError(env.T, env.Ledger.Mint(token, account, amount))
}

// SeedLiquidity deposits index and stable from the LP account.
func (env *Env) SeedLiquidity(index, stable *big.Int) {
	env.T.Helper()
	env.Fund(LP, IndexToken, index)
	env.Fund(LP, StableToken, stable)
	_, err := env.Engine.AddLiquidity(LP, PairIndex, index, stable, nil)
	require.NoError(env.T, err)
}

// Open creates and executes a market increase of size whole BTC.
func (env *Env) Open(account string, isLong bool, collateral, size *big.Int) {
	env.T.Helper()
	env.Fund(account, StableToken, collateral)
	price := fixed.Price(30000)
	if p, err := env.Oracle.GetPrice(IndexToken); err == nil {
		price = p
	}
	o, err := env.Engine.CreateIncreaseOrder(account, lx.IncreaseOrderRequest{
		PairIndex:  PairIndex,
		IsLong:     isLong,
		TradeType:  lx.Market,
		Collateral: collateral,
		OpenPrice:  price,
		SizeAmount: size,
	})
	require.NoError(env.T, err)
	_, err = env.Engine.ExecuteIncreaseOrder(Keeper, o.OrderID, lx.TradeParams{TradeType: lx.Market}, nil)
	require.NoError(env.T, err)
}
