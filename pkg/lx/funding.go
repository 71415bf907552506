package lx

import (
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/perps/pkg/fixed"
)

// fundingRate computes the signed per-interval funding rate of a market at
// price, as a 1e8 percentage. Positive means longs pay.
func (m *market) fundingRate(price *big.Int) *big.Int {
	cfg, v, pair := m.Funding, m.Vault, m.Pair

	stableAvail, indexAvail := v.StableAvailable(), v.IndexAvailable()
	u := fixed.Add(stableAvail, pair.IndexToStable(v.IndexReservedAmount, price))
	w := fixed.Add(pair.IndexToStable(indexAvail, price), v.StableReservedAmount)

	s := fixed.Zero()
	if total := fixed.Add(u, w); total.Sign() > 0 {
		s = fixed.MulDiv(fixed.Abs(fixed.Sub(u, w)), fixed.Percentage, total)
	}

	// (s + s^2/2) * growth + base
	curve := fixed.Add(s, fixed.MulDiv(s, s, new(big.Int).Mul(big.NewInt(2), fixed.Percentage)))
	raw := fixed.ApplyPercent(curve, cfg.GrowthRate)
	raw.Add(raw, cfg.BaseRate)
	raw = fixed.Min(raw, cfg.MaxFundingRate)
	raw = fixed.Max(raw, cfg.MinFundingRate)

	if weight := cfg.FundingWeightFactor; weight.Cmp(fixed.Percentage) < 0 {
		premium := m.liquidityPremium(price)
		blended := new(big.Int).Mul(weight, raw)
		blended.Add(blended, new(big.Int).Mul(fixed.Sub(fixed.Percentage, weight), premium))
		raw = fixed.MulDiv(blended, big.NewInt(1), fixed.Percentage)
	}

	rate := fixed.MulDiv(raw, big.NewInt(cfg.FundingInterval), big.NewInt(fixed.SecondsPerDay))
	if u.Cmp(w) < 0 {
		rate.Neg(rate)
	}
	return rate
}

// liquidityPremium is the open-interest imbalance relative to free
// liquidity, scaled by the premium factor and capped at the max rate.
func (m *market) liquidityPremium(price *big.Int) *big.Int {
	t, v, pair := m.Tracker, m.Vault, m.Pair
	imbalance := pair.IndexToStable(fixed.Abs(t.Exposure()), price)
	liquidity := fixed.Add(v.StableAvailable(), pair.IndexToStable(v.IndexAvailable(), price))
	if liquidity.Sign() == 0 {
		liquidity = big.NewInt(1)
	}
	premium := fixed.MulDiv(imbalance, m.Funding.LiquidityPremiumFactor, liquidity)
	return fixed.Min(premium, m.Funding.MaxFundingRate)
}

// lpFunding is the funding the pool earns (positive) or owes (negative)
// on the net exposure for a tracker move of delta.
func (m *market) lpFunding(delta *big.Int) *big.Int {
	e := m.Tracker.Exposure()
	if e.Sign() == 0 || delta.Sign() == 0 {
		return fixed.Zero()
	}
	if e.Sign() == delta.Sign() {
		return fundingAmount(m.Pair, fixed.Abs(e), fixed.Abs(delta), false)
	}
	return fixed.Neg(fundingAmount(m.Pair, fixed.Abs(e), fixed.Abs(delta), true))
}

func alignTime(t, interval int64) int64 {
	return t - t%interval
}

// updateFunding applies at most one funding epoch. It returns nil when the
// interval has not elapsed or when the call only initialised the schedule.
func (tx *Tx) updateFunding(m *market, price *big.Int) (*FundingEpoch, error) {
	t := m.Tracker
	interval := m.Funding.FundingInterval
	now := tx.now.Unix()

	if t.LastFundingUpdateTime == 0 {
		t.LastFundingUpdateTime = alignTime(now, interval)
		return nil, nil
	}
	if now < t.LastFundingUpdateTime+interval {
		return nil, nil
	}

	rate := m.fundingRate(price)
	delta := fixed.MulDiv(rate, price, fixed.PricePrecision)

	// the pool pays at most its free stable
	lp, uncovered := m.lpFunding(delta), fixed.Zero()
	if lp.Sign() < 0 {
		owed := fixed.Neg(lp)
		paid := fixed.Min(owed, m.Vault.StableAvailable())
		uncovered = fixed.Sub(owed, paid)
		lp = fixed.Neg(paid)
	}
	m.Vault.StableTotalAmount.Add(m.Vault.StableTotalAmount, lp)

	t.GlobalFundingTracker.Add(t.GlobalFundingTracker, delta)
	t.CurrentFundingRate = rate
	t.LastFundingUpdateTime += interval
	t.FundingEpoch++

	ep := &FundingEpoch{
		PairIndex:    m.Pair.PairIndex,
		Epoch:        t.FundingEpoch,
		Time:         time.Unix(t.LastFundingUpdateTime, 0).UTC(),
		Price:        fixed.New(price),
		FundingRate:  fixed.New(rate),
		TrackerDelta: delta,
		TrackerAfter: fixed.New(t.GlobalFundingTracker),
		LongTracker:  fixed.New(t.LongTracker),
		ShortTracker: fixed.New(t.ShortTracker),
		LPFunding:    lp,
		LPUncovered:  uncovered,
	}
	if err := tx.appendEpoch(ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// UpdateFundingRate advances a pair's funding by one interval at the oracle
// price. Keeper only. It is a no-op until the interval has elapsed.
func (e *Engine) UpdateFundingRate(caller string, pairIndex uint32, updates []PriceUpdate) (*FundingEpoch, error) {
	if err := e.requireKeeper(caller); err != nil {
		return nil, err
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}
	var ep *FundingEpoch
	err := e.update("updateFundingRate", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		ep, err = tx.updateFunding(m, price)
		if err != nil {
			return err
		}
		if ep != nil {
			tx.emit(EventFundingUpdated, pairIndex, ep)
		}
		return nil
	})
	if err == nil && ep != nil && ep.LPUncovered.Sign() > 0 {
		e.logger.Warn("Pool short of free stable for funding",
			"pair", pairIndex,
			"epoch", ep.Epoch,
			"uncovered", ep.LPUncovered,
		)
	}
	return ep, err
}

// NextFundingTime returns when the next epoch of a pair becomes due, or the
// zero time if funding has not been initialised.
func (e *Engine) NextFundingTime(pairIndex uint32) (time.Time, error) {
	var out time.Time
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		if last := m.Tracker.LastFundingUpdateTime; last > 0 {
			out = time.Unix(last+m.Funding.FundingInterval, 0).UTC()
		}
		return nil
	})
	return out, err
}

// PredictFundingRate returns the rate the next epoch would apply at the
// current oracle price.
func (e *Engine) PredictFundingRate(pairIndex uint32) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		out = m.fundingRate(price)
		return nil
	})
	return out, err
}

// GetFundingFee returns the unsettled funding of a position in stable
// units. Positive means the position owes it.
func (e *Engine) GetFundingFee(account string, pairIndex uint32, isLong bool) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		p, err := tx.position(account, pairIndex, isLong)
		if err != nil {
			return err
		}
		out = m.fundingFee(p)
		return nil
	})
	return out, err
}

// GetFundingHistory returns up to limit of the latest epochs, oldest first.
func (e *Engine) GetFundingHistory(pairIndex uint32, limit int) ([]*FundingEpoch, error) {
	var out []*FundingEpoch
	err := e.view(func(tx *Tx) error {
		if _, err := tx.market(pairIndex); err != nil {
			return err
		}
		var err error
		out, err = tx.fundingHistory(pairIndex, limit)
		if err != nil {
			return fmt.Errorf("funding history of pair %d: %w", pairIndex, err)
		}
		return nil
	})
	return out, err
}
