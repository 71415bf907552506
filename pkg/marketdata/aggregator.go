// Package marketdata aggregates engine fills into OHLCV candles
package marketdata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
)

var candlePrefix = []byte("candle")

var _ lx.EventPublisher = (*Aggregator)(nil)

// Interval is a candle width
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervals = []struct {
	interval Interval
	id       byte
	duration time.Duration
}{
	{Interval1m, 1, time.Minute},
	{Interval5m, 2, 5 * time.Minute},
	{Interval15m, 3, 15 * time.Minute},
	{Interval1h, 4, time.Hour},
	{Interval4h, 5, 4 * time.Hour},
	{Interval1d, 6, 24 * time.Hour},
}

// AllIntervals returns every supported interval, shortest first.
func AllIntervals() []Interval {
	out := make([]Interval, len(intervals))
	for i, iv := range intervals {
		out[i] = iv.interval
	}
	return out
}

// ParseInterval validates s.
func ParseInterval(s string) (Interval, error) {
	for _, iv := range intervals {
		if string(iv.interval) == s {
			return iv.interval, nil
		}
	}
	return "", fmt.Errorf("unknown candle interval %q", s)
}

// Duration returns the width of the interval, or zero if it is unknown.
func (i Interval) Duration() time.Duration {
	for _, iv := range intervals {
		if iv.interval == i {
			return iv.duration
		}
	}
	return 0
}

func (i Interval) id() byte {
	for _, iv := range intervals {
		if iv.interval == i {
			return iv.id
		}
	}
	return 0
}

// Candle is the OHLCV summary of the fills of one pair in one period.
// Prices are 1e30 fixed point, volume is in index token units.
type Candle struct {
	PairIndex uint32    `json:"pairIndex"`
	Interval  Interval  `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      *big.Int  `json:"open"`
	High      *big.Int  `json:"high"`
	Low       *big.Int  `json:"low"`
	Close     *big.Int  `json:"close"`
	Volume    *big.Int  `json:"volume"`
	Trades    int       `json:"trades"`
	Complete  bool      `json:"complete"`
}

func (c *Candle) clone() *Candle {
	out := *c
	out.Open = fixed.New(c.Open)
	out.High = fixed.New(c.High)
	out.Low = fixed.New(c.Low)
	out.Close = fixed.New(c.Close)
	out.Volume = fixed.New(c.Volume)
	return &out
}

type seriesKey struct {
	pair     uint32
	interval Interval
}

// Aggregator builds candles from the fills carried by engine events:
// order executions, liquidations and ADL reductions. Completed candles
// are stored; the open one of each series is kept in memory.
type Aggregator struct {
	logger    log.Logger
	db        database.Database
	intervals []Interval

	mu          sync.RWMutex
	open        map[seriesKey]*Candle
	subscribers map[seriesKey][]chan *Candle

	totalFills   uint64
	totalCandles uint64
}

// NewAggregator stores candles under their own prefix of db. With no
// intervals every supported one is built.
func NewAggregator(db database.Database, logger log.Logger, ivs ...Interval) *Aggregator {
	if logger == nil {
		logger = log.Root().New("module", "marketdata")
	}
	if len(ivs) == 0 {
		ivs = AllIntervals()
	}
	return &Aggregator{
		logger:      logger,
		db:          prefixdb.New(candlePrefix, db),
		intervals:   ivs,
		open:        make(map[seriesKey]*Candle),
		subscribers: make(map[seriesKey][]chan *Candle),
	}
}

// Publish takes the fill out of a committed event. Events without a fill
// are ignored.
func (a *Aggregator) Publish(ev *lx.Event) error {
	var change *lx.PositionChange
	switch data := ev.Data.(type) {
	case *lx.ExecutionResult:
		if ev.Type == lx.EventOrderExecuted {
			change = data.Change
		}
	case *lx.PositionChange:
		if ev.Type == lx.EventPositionLiquidated || ev.Type == lx.EventADLExecuted {
			change = data
		}
	}
	if change == nil || change.SizeDelta == nil || change.SizeDelta.Sign() == 0 || change.FillPrice == nil {
		return nil
	}
	return a.AddFill(ev.PairIndex, ev.Time, change.FillPrice, change.SizeDelta)
}

// AddFill adds one fill to the open candle of every interval, completing
// candles whose period ended before t.
func (a *Aggregator) AddFill(pairIndex uint32, t time.Time, price, size *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalFills++
	for _, iv := range a.intervals {
		key := seriesKey{pairIndex, iv}
		openTime := alignTime(t, iv)
		c := a.open[key]
		if c != nil && !c.OpenTime.Equal(openTime) {
			if err := a.complete(key, c); err != nil {
				return err
			}
			c = nil
		}
		if c == nil {
			a.open[key] = &Candle{
				PairIndex: pairIndex,
				Interval:  iv,
				OpenTime:  openTime,
				CloseTime: openTime.Add(iv.Duration()),
				Open:      fixed.New(price),
				High:      fixed.New(price),
				Low:       fixed.New(price),
				Close:     fixed.New(price),
				Volume:    fixed.New(size),
				Trades:    1,
			}
			a.totalCandles++
			continue
		}
		c.High = fixed.Max(c.High, price)
		c.Low = fixed.Min(c.Low, price)
		c.Close = fixed.New(price)
		c.Volume.Add(c.Volume, size)
		c.Trades++
	}
	return nil
}

// Flush completes every open candle whose period ended at or before now.
func (a *Aggregator) Flush(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, c := range a.open {
		if now.Before(c.CloseTime) {
			continue
		}
		if err := a.complete(key, c); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes finished candles every tick until ctx is done.
func (a *Aggregator) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := a.Flush(now); err != nil {
				a.logger.Error("Failed to flush candles", "error", err)
			}
		}
	}
}

// complete stores c, notifies subscribers and drops it from the open set.
// Callers hold mu.
func (a *Aggregator) complete(key seriesKey, c *Candle) error {
	c.Complete = true
	value, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candle: %w", err)
	}
	if err := a.db.Put(storageKey(c.PairIndex, c.Interval, c.OpenTime), value); err != nil {
		return fmt.Errorf("store candle: %w", err)
	}
	delete(a.open, key)

	for _, ch := range a.subscribers[key] {
		select {
		case ch <- c.clone():
		default:
			// slow subscriber
		}
	}
	return nil
}

// GetCandles returns up to limit most recent candles of a series, oldest
// first, including the open one. limit <= 0 returns everything.
func (a *Aggregator) GetCandles(pairIndex uint32, interval Interval, limit int) ([]*Candle, error) {
	if interval.Duration() == 0 {
		return nil, fmt.Errorf("unknown candle interval %q", interval)
	}
	iter := a.db.NewIteratorWithPrefix(seriesPrefix(pairIndex, interval))
	defer iter.Release()

	var out []*Candle
	for iter.Next() {
		c := new(Candle)
		if err := json.Unmarshal(iter.Value(), c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	if c := a.open[seriesKey{pairIndex, interval}]; c != nil {
		out = append(out, c.clone())
	}
	a.mu.RUnlock()

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Subscribe returns a channel receiving every completed candle of a series.
// Candles are dropped while the channel is full.
func (a *Aggregator) Subscribe(pairIndex uint32, interval Interval) <-chan *Candle {
	ch := make(chan *Candle, 100)
	a.mu.Lock()
	key := seriesKey{pairIndex, interval}
	a.subscribers[key] = append(a.subscribers[key], ch)
	a.mu.Unlock()
	return ch
}

// Prune deletes stored candles that opened before cutoff.
func (a *Aggregator) Prune(cutoff time.Time) (int, error) {
	iter := a.db.NewIterator()
	defer iter.Release()

	batch := a.db.NewBatch()
	n := 0
	for iter.Next() {
		key := iter.Key()
		if len(key) != 13 {
			continue
		}
		if int64(binary.BigEndian.Uint64(key[5:])) >= cutoff.Unix() {
			continue
		}
		if err := batch.Delete(append([]byte(nil), key...)); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("prune candles: %w", err)
	}
	return n, nil
}

// Stats reports aggregation counters.
func (a *Aggregator) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]interface{}{
		"total_fills":   a.totalFills,
		"total_candles": a.totalCandles,
		"open_series":   len(a.open),
	}
}

func alignTime(t time.Time, interval Interval) time.Time {
	secs := int64(interval.Duration() / time.Second)
	unix := t.Unix()
	return time.Unix(unix-unix%secs, 0).UTC()
}

// pair(4) | interval(1)
func seriesPrefix(pairIndex uint32, interval Interval) []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b, pairIndex)
	b[4] = interval.id()
	return b
}

// pair(4) | interval(1) | open time(8)
func storageKey(pairIndex uint32, interval Interval, openTime time.Time) []byte {
	b := make([]byte, 13)
	copy(b, seriesPrefix(pairIndex, interval))
	binary.BigEndian.PutUint64(b[5:], uint64(openTime.Unix()))
	return b
}
