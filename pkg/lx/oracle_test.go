package lx

import (
	"testing"
	"time"

	"github.com/luxfi/perps/pkg/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestPriceOracleGetPrice(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	oracle := NewPriceOracle(OracleConfig{}, nil)
	oracle.SetClock(clock.Now)

	_, err := oracle.GetPrice("BTC")
	require.ErrorIs(t, err, ErrPriceNotAvailable)

	require.NoError(t, oracle.SetPrice("BTC", fixed.Price(50000)))
	price, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	assert.Equal(t, fixed.Price(50000), price)

	// callers get a copy
	price.SetInt64(1)
	again, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	assert.Equal(t, fixed.Price(50000), again)

	data, err := oracle.GetPriceData("BTC")
	require.NoError(t, err)
	assert.Equal(t, "keeper", data.Source)
	assert.Equal(t, clock.now, data.Timestamp)
}

func TestPriceOracleRejectsBadUpdates(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	oracle := NewPriceOracle(OracleConfig{}, nil)
	oracle.SetClock(clock.Now)

	require.ErrorIs(t, oracle.SetPrice("BTC", fixed.Zero()), ErrInvalidAmount)
	require.ErrorIs(t, oracle.UpdatePrices([]PriceUpdate{{Token: "BTC"}}), ErrInvalidAmount)

	require.NoError(t, oracle.UpdatePrices([]PriceUpdate{{Token: "BTC", Price: fixed.Price(50000), Timestamp: clock.now, Source: "pyth"}}))
	// an older update is skipped without failing the batch
	require.NoError(t, oracle.UpdatePrices([]PriceUpdate{
		{Token: "BTC", Price: fixed.Price(40000), Timestamp: clock.now.Add(-time.Second)},
		{Token: "ETH", Price: fixed.Price(3000)},
	}))
	price, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	assert.Equal(t, fixed.Price(50000), price)
	_, err = oracle.GetPrice("ETH")
	require.NoError(t, err)

	m := oracle.Metrics()
	assert.Equal(t, uint64(2), m.TotalUpdates)
	assert.Equal(t, uint64(3), m.RejectedUpdates)
}

func TestPriceOracleStaleness(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	oracle := NewPriceOracle(OracleConfig{StaleThreshold: time.Minute}, nil)
	oracle.SetClock(clock.Now)

	require.NoError(t, oracle.SetPrice("BTC", fixed.Price(50000)))
	clock.now = clock.now.Add(30 * time.Second)
	_, err := oracle.GetPrice("BTC")
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Minute)
	_, err = oracle.GetPrice("BTC")
	require.ErrorIs(t, err, ErrStalePrice)
	assert.Equal(t, uint64(1), oracle.Metrics().StaleDetections)
}

func TestPriceCircuitBreaker(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	oracle := NewPriceOracle(OracleConfig{
		MaxChangeP:        fixed.Percent(10),
		AutoResetDuration: time.Minute,
	}, nil)
	oracle.SetClock(clock.Now)

	require.NoError(t, oracle.SetPrice("BTC", fixed.Price(50000)))
	require.NoError(t, oracle.SetPrice("BTC", fixed.Price(54000)))

	// 54000 -> 60000 is an 11% jump
	require.ErrorIs(t, oracle.SetPrice("BTC", fixed.Price(60000)), ErrCircuitBreaker)
	// tripped: even a small move is refused until reset
	require.ErrorIs(t, oracle.SetPrice("BTC", fixed.Price(54100)), ErrCircuitBreaker)
	price, err := oracle.GetPrice("BTC")
	require.NoError(t, err)
	assert.Equal(t, fixed.Price(54000), price)
	assert.Equal(t, uint64(1), oracle.Metrics().CircuitBreakerTrips)

	clock.now = clock.now.Add(2 * time.Minute)
	require.NoError(t, oracle.SetPrice("BTC", fixed.Price(54100)))

	require.ErrorIs(t, oracle.SetPrice("BTC", fixed.Price(70000)), ErrCircuitBreaker)
	oracle.ResetCircuitBreaker("BTC")
	require.NoError(t, oracle.SetPrice("BTC", fixed.Price(70000)))
}

func TestEngineRejectsMissingPrice(t *testing.T) {
	env := newTestEnv(t)
	cfg := testPairConfig()
	cfg.Pair.PairIndex = 2
	cfg.Pair.IndexToken = "ETH"
	cfg.Pair.LPToken = "ETH-USDT-LP"
	require.NoError(t, env.engine.AddPair(testOperator, cfg))

	env.fund(testLP, "ETH", e18(1))
	_, err := env.engine.AddLiquidity(testLP, 2, e18(1), nil, nil)
	require.ErrorIs(t, err, ErrPriceNotAvailable)
	assert.Equal(t, e18(1), env.balance(testLP, "ETH"))

	// a price pushed with the call is applied first
	_, err = env.engine.AddLiquidity(testLP, 2, e18(1), nil, []PriceUpdate{{Token: "ETH", Price: fixed.Price(2000)}})
	require.NoError(t, err)
}
