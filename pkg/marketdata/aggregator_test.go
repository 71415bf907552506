package marketdata

import (
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/lx/lxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_080, 0).UTC() // 40s into a minute

func newAggregator(ivs ...Interval) *Aggregator {
	level, _ := log.ToLevel("error")
	return NewAggregator(memdb.New(), log.NewTestLogger(level), ivs...)
}

func TestIntervals(t *testing.T) {
	iv, err := ParseInterval("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, iv.Duration())

	_, err = ParseInterval("1M")
	require.Error(t, err)
	assert.Len(t, AllIntervals(), 6)
}

func TestAddFillRollsCandles(t *testing.T) {
	a := newAggregator(Interval1m, Interval1h)
	sub := a.Subscribe(1, Interval1m)

	require.NoError(t, a.AddFill(1, t0, fixed.Price(30000), lxtest.E18(1)))
	require.NoError(t, a.AddFill(1, t0.Add(10*time.Second), fixed.Price(30500), lxtest.E18(2)))
	require.NoError(t, a.AddFill(1, t0.Add(15*time.Second), fixed.Price(29800), lxtest.E18(1)))
	// next minute
	require.NoError(t, a.AddFill(1, t0.Add(30*time.Second), fixed.Price(30100), lxtest.E18(3)))

	candles, err := a.GetCandles(1, Interval1m, 0)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.True(t, first.Complete)
	assert.True(t, time.Unix(1_700_000_040, 0).Equal(first.OpenTime), first.OpenTime)
	assert.Equal(t, fixed.Price(30000), first.Open)
	assert.Equal(t, fixed.Price(30500), first.High)
	assert.Equal(t, fixed.Price(29800), first.Low)
	assert.Equal(t, fixed.Price(29800), first.Close)
	assert.Equal(t, lxtest.E18(4), first.Volume)
	assert.Equal(t, 3, first.Trades)

	assert.False(t, candles[1].Complete)
	assert.Equal(t, 1, candles[1].Trades)

	select {
	case c := <-sub:
		assert.True(t, first.OpenTime.Equal(c.OpenTime))
	default:
		t.Fatal("completed candle was not delivered")
	}

	hourly, err := a.GetCandles(1, Interval1h, 0)
	require.NoError(t, err)
	require.Len(t, hourly, 1)
	assert.Equal(t, 4, hourly[0].Trades)
	assert.Equal(t, lxtest.E18(7), hourly[0].Volume)

	// other pairs are separate series
	other, err := a.GetCandles(2, Interval1m, 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFlushAndLimit(t *testing.T) {
	a := newAggregator(Interval1m)
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, a.AddFill(1, at, fixed.Price(30000+int64(i)), lxtest.E18(1)))
	}

	require.NoError(t, a.Flush(t0.Add(10*time.Minute)))
	candles, err := a.GetCandles(1, Interval1m, 0)
	require.NoError(t, err)
	require.Len(t, candles, 5)
	for _, c := range candles {
		assert.True(t, c.Complete)
	}

	last, err := a.GetCandles(1, Interval1m, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, fixed.Price(30004), last[1].Close)

	_, err = a.GetCandles(1, Interval("2m"), 0)
	require.Error(t, err)
}

func TestPrune(t *testing.T) {
	a := newAggregator(Interval1m)
	for i := 0; i < 4; i++ {
		require.NoError(t, a.AddFill(1, t0.Add(time.Duration(i)*time.Minute), fixed.Price(30000), lxtest.E18(1)))
	}
	require.NoError(t, a.Flush(t0.Add(time.Hour)))

	n, err := a.Prune(alignTime(t0, Interval1m).Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candles, err := a.GetCandles(1, Interval1m, 0)
	require.NoError(t, err)
	assert.Len(t, candles, 2)
}

func TestEngineFillsBecomeCandles(t *testing.T) {
	a := newAggregator(Interval1m)
	env := lxtest.NewEnv(t, lx.WithPublisher(a))
	env.SeedLiquidity(lxtest.E18(100), lxtest.E18(3_000_000))
	env.Open(lxtest.Alice, true, lxtest.E18(30000), lxtest.E18(5))
	env.Open(lxtest.Bob, false, lxtest.E18(30000), lxtest.E18(2))

	candles, err := a.GetCandles(lxtest.PairIndex, Interval1m, 0)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 2, candles[0].Trades)
	assert.Equal(t, lxtest.E18(7), candles[0].Volume)
	assert.Equal(t, fixed.Price(30000), candles[0].Open)

	// events without a fill are ignored
	require.NoError(t, a.Publish(&lx.Event{Type: lx.EventLiquidityAdded, PairIndex: lxtest.PairIndex, Time: env.Now()}))
	assert.Equal(t, uint64(2), a.Stats()["total_fills"])
}
