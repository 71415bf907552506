package lx

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/perps/pkg/fixed"
)

// TradeParams carries the keeper-supplied context of one settlement
type TradeParams struct {
	TradeType       TradeType `json:"tradeType"`
	Level           uint8     `json:"level"`
	CommissionRatio *big.Int  `json:"commissionRatio"`
	Keeper          string    `json:"keeper"`
}

// PositionChange reports one settled increase or decrease
type PositionChange struct {
	PositionKey        PositionKey      `json:"positionKey"`
	Account            string           `json:"account"`
	PairIndex          uint32           `json:"pairIndex"`
	IsLong             bool             `json:"isLong"`
	IsIncrease         bool             `json:"isIncrease"`
	SizeDelta          *big.Int         `json:"sizeDelta"`
	FillPrice          *big.Int         `json:"fillPrice"`
	OraclePrice        *big.Int         `json:"oraclePrice"`
	CollateralDelta    *big.Int         `json:"collateralDelta"`
	TradingFee         *big.Int         `json:"tradingFee"`
	FundingFee         *big.Int         `json:"fundingFee"` // positive when paid by the position
	RealizedPnL        *big.Int         `json:"realizedPnl"`
	StablePayout       *big.Int         `json:"stablePayout"`
	IndexPayout        *big.Int         `json:"indexPayout"`
	LiquidationPenalty *big.Int         `json:"liquidationPenalty"`
	BadDebt            *big.Int         `json:"badDebt"`
	InsuranceCovered   *big.Int         `json:"insuranceCovered"`
	PositionAmount     *big.Int         `json:"positionAmount"`
	AveragePrice       *big.Int         `json:"averagePrice"`
	Collateral         *big.Int         `json:"collateral"`
	Fee                *FeeDistribution `json:"fee"`
}

func newPositionChange(p *Position, isIncrease bool, sizeDelta, fill, price *big.Int) *PositionChange {
	return &PositionChange{
		PositionKey:        p.Key,
		Account:            p.Account,
		PairIndex:          p.PairIndex,
		IsLong:             p.IsLong,
		IsIncrease:         isIncrease,
		SizeDelta:          fixed.New(sizeDelta),
		FillPrice:          fixed.New(fill),
		OraclePrice:        fixed.New(price),
		CollateralDelta:    fixed.Zero(),
		TradingFee:         fixed.Zero(),
		FundingFee:         fixed.Zero(),
		RealizedPnL:        fixed.Zero(),
		StablePayout:       fixed.Zero(),
		IndexPayout:        fixed.Zero(),
		LiquidationPenalty: fixed.Zero(),
		BadDebt:            fixed.Zero(),
		InsuranceCovered:   fixed.Zero(),
	}
}

func (c *PositionChange) snapshot(p *Position) {
	c.PositionAmount = fixed.New(p.PositionAmount)
	c.AveragePrice = fixed.New(p.AveragePrice)
	c.Collateral = fixed.New(p.Collateral)
}

// fundingAmount converts size*delta/1e8 from index to stable decimals. The
// payer side rounds up.
func fundingAmount(pair *Pair, size, delta *big.Int, up bool) *big.Int {
	num := new(big.Int).Mul(size, delta)
	den := new(big.Int).Mul(fixed.Percentage, fixed.Pow10(pair.IndexDecimals))
	if up {
		return fixed.MulDivUp(num, fixed.Pow10(pair.StableDecimals), den)
	}
	return fixed.MulDiv(num, fixed.Pow10(pair.StableDecimals), den)
}

// fundingFee returns the funding owed by p since its last settlement.
// Positive means the position pays.
func (m *market) fundingFee(p *Position) *big.Int {
	if !p.IsOpen() {
		return fixed.Zero()
	}
	delta := fixed.Sub(m.Tracker.GlobalFundingTracker, p.FundingFeeTracker)
	if !p.IsLong {
		delta.Neg(delta)
	}
	if delta.Sign() >= 0 {
		return fundingAmount(m.Pair, p.PositionAmount, delta, true)
	}
	return fixed.Neg(fundingAmount(m.Pair, p.PositionAmount, fixed.Neg(delta), false))
}

// unrealizedPnL values size of p at price against its average price.
func (m *market) unrealizedPnL(p *Position, size, price *big.Int) *big.Int {
	if size.Sign() == 0 {
		return fixed.Zero()
	}
	now := m.Pair.IndexToStable(size, price)
	entry := m.Pair.IndexToStable(size, p.AveragePrice)
	if p.IsLong {
		return now.Sub(now, entry)
	}
	return entry.Sub(entry, now)
}

// setSide adjusts open interest and entry notional of one side.
func (t *Tracker) setSide(pair *Pair, isLong bool, oldSize, oldAvg, newSize, newAvg *big.Int) {
	tracker, notional := t.ShortTracker, t.ShortEntryNotional
	if isLong {
		tracker, notional = t.LongTracker, t.LongEntryNotional
	}
	tracker.Sub(tracker, oldSize)
	tracker.Add(tracker, newSize)
	notional.Sub(notional, pair.IndexToStable(oldSize, oldAvg))
	notional.Add(notional, pair.IndexToStable(newSize, newAvg))
	if notional.Sign() < 0 {
		notional.SetInt64(0)
	}
}

// checkLeverage verifies notional/collateral lies within [minLev, maxLev].
func checkLeverage(cfg *TradingConfig, pair *Pair, size, collateral, price *big.Int, checkMin bool) error {
	if collateral.Sign() <= 0 {
		return fmt.Errorf("%w: no collateral", ErrCollateralNotEnough)
	}
	notional := pair.IndexToStable(size, price)
	maxNotional := new(big.Int).Mul(collateral, new(big.Int).SetUint64(cfg.MaxLeverage))
	if notional.Cmp(maxNotional) > 0 {
		return fmt.Errorf("%w: notional %s above %dx collateral %s", ErrLeverageOutOfRange, notional, cfg.MaxLeverage, collateral)
	}
	if checkMin {
		minNotional := new(big.Int).Mul(collateral, new(big.Int).SetUint64(cfg.MinLeverage))
		if notional.Cmp(minNotional) < 0 {
			return fmt.Errorf("%w: notional %s below %dx collateral %s", ErrLeverageOutOfRange, notional, cfg.MinLeverage, collateral)
		}
	}
	return nil
}

func (tx *Tx) feeFor(m *market, params TradeParams, size, fill *big.Int) (*big.Int, *FeeDistribution, error) {
	discount, err := tx.levelDiscount(params.Level)
	if err != nil {
		return nil, nil, err
	}
	rate := tradingFeeRate(m.Fee, discount, params.TradeType)
	fee := tradingFee(m.Pair, size, fill, rate)
	return fee, distributeFee(m.Fee, fee, params.CommissionRatio), nil
}

// increasePosition opens or grows p by sizeDelta at fill. collateralDelta has
// already been moved into custody by the caller.
func (tx *Tx) increasePosition(m *market, p *Position, sizeDelta, collateralDelta, fill, price *big.Int, params TradeParams) (*PositionChange, error) {
	cfg := m.Trading
	if sizeDelta.Cmp(cfg.MinTradeAmount) < 0 || sizeDelta.Cmp(cfg.MaxTradeAmount) > 0 {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidTradeSize, sizeDelta, cfg.MinTradeAmount, cfg.MaxTradeAmount)
	}
	newSize := fixed.Add(p.PositionAmount, sizeDelta)
	if newSize.Cmp(cfg.MaxPositionAmount) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrExceedsMaxPosition, newSize, cfg.MaxPositionAmount)
	}

	change := newPositionChange(p, true, sizeDelta, fill, price)
	change.CollateralDelta = fixed.New(collateralDelta)

	vault, tracker, next := m.Vault.Clone(), m.Tracker.Clone(), p.Clone()
	plan := &market{Pair: m.Pair, Trading: m.Trading, Fee: m.Fee, Funding: m.Funding, Vault: vault, Tracker: tracker}

	change.FundingFee = plan.fundingFee(next)
	next.Collateral.Sub(next.Collateral, change.FundingFee)
	next.Collateral.Add(next.Collateral, collateralDelta)

	fee, dist, err := tx.feeFor(m, params, sizeDelta, fill)
	if err != nil {
		return nil, err
	}
	change.TradingFee, change.Fee = fee, dist
	next.Collateral.Sub(next.Collateral, fee)
	if next.Collateral.Sign() <= 0 {
		return nil, fmt.Errorf("%w: collateral %s after fees", ErrCollateralNotEnough, next.Collateral)
	}

	newAvg := fixed.New(fill)
	if p.IsOpen() {
		num := new(big.Int).Mul(p.AveragePrice, p.PositionAmount)
		num.Add(num, new(big.Int).Mul(fill, sizeDelta))
		newAvg = fixed.MulDiv(num, big.NewInt(1), newSize)
	}
	if err := checkLeverage(cfg, m.Pair, newSize, next.Collateral, price, true); err != nil {
		return nil, err
	}

	oldE := tracker.Exposure()
	tracker.setSide(m.Pair, p.IsLong, p.PositionAmount, p.AveragePrice, newSize, newAvg)
	if err := plan.applyExposure(oldE, tracker.Exposure(), price, true); err != nil {
		return nil, err
	}

	if !p.IsOpen() {
		next.OpenTime = tx.now
	}
	next.PositionAmount = newSize
	next.AveragePrice = newAvg
	next.FundingFeeTracker = fixed.New(tracker.GlobalFundingTracker)
	next.UpdateTime = tx.now

	// commit the plan
	m.Vault, m.Tracker = vault, tracker
	*p = *next
	if err := tx.creditFee(m, dist, params.Keeper, p.Account); err != nil {
		return nil, err
	}
	change.snapshot(p)
	return change, nil
}

// decreaseOpts selects the settlement variant of a decrease
type decreaseOpts struct {
	forced      bool     // liquidation or ADL: owner checks skipped
	liquidation bool     // charges the liquidation penalty
	withdraw    *big.Int // collateral to release after a partial close
}

// decreasePosition closes sizeDelta of p at fill. It plans against copies
// and only mutates state once the whole settlement is feasible, so a caller
// can redirect to ADL on ErrInsufficientVaultBalance without rollback.
func (tx *Tx) decreasePosition(m *market, p *Position, sizeDelta, fill, price *big.Int, params TradeParams, opts decreaseOpts) (*PositionChange, error) {
	if !p.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, p.Key)
	}
	if sizeDelta.Sign() <= 0 || sizeDelta.Cmp(p.PositionAmount) > 0 {
		return nil, fmt.Errorf("%w: decrease %s of %s", ErrInvalidTradeSize, sizeDelta, p.PositionAmount)
	}
	pair := m.Pair
	change := newPositionChange(p, false, sizeDelta, fill, price)

	vault, tracker, next := m.Vault.Clone(), m.Tracker.Clone(), p.Clone()
	plan := &market{Pair: pair, Trading: m.Trading, Fee: m.Fee, Funding: m.Funding, Vault: vault, Tracker: tracker}

	fund, err := tx.insuranceFund(pair.StableToken)
	if err != nil {
		return nil, err
	}

	change.FundingFee = plan.fundingFee(next)
	fee, dist, err := tx.feeFor(m, params, sizeDelta, fill)
	if err != nil {
		return nil, err
	}
	change.RealizedPnL = plan.unrealizedPnL(p, sizeDelta, fill)
	pnl := change.RealizedPnL

	// release exposure before paying so freed reserves can back the payout
	newSize := fixed.Sub(p.PositionAmount, sizeDelta)
	closing := newSize.Sign() == 0
	newAvg := fixed.New(p.AveragePrice)
	if closing {
		newAvg = fixed.Zero()
	}
	oldE := tracker.Exposure()
	tracker.setSide(pair, p.IsLong, p.PositionAmount, p.AveragePrice, newSize, newAvg)
	if err := plan.applyExposure(oldE, tracker.Exposure(), price, false); err != nil {
		return nil, err
	}

	// collateral after costs, then after the trade result
	kept := fixed.Sub(p.Collateral, change.FundingFee)
	kept.Sub(kept, fee)
	equity := fixed.Add(kept, pnl)

	if equity.Sign() < 0 {
		if !opts.forced || !closing {
			return nil, fmt.Errorf("%w: equity %s after closing %s", ErrCollateralNotEnough, equity, sizeDelta)
		}
		// the fee is forgone before anyone else absorbs the loss
		cut := fixed.Min(fee, fixed.Neg(equity))
		if cut.Sign() > 0 {
			fee = fixed.Sub(fee, cut)
			dist = distributeFee(m.Fee, fee, params.CommissionRatio)
			equity.Add(equity, cut)
			kept.Add(kept, cut)
		}
	}
	change.TradingFee, change.Fee = fee, dist

	stableOut, indexOut := fixed.Zero(), fixed.Zero()
	switch {
	case pnl.Sign() > 0 && equity.Sign() >= 0:
		// costs above collateral are met from the profit in stable
		costCover := fixed.PositivePart(fixed.Neg(kept))
		if costCover.Cmp(vault.StableAvailable()) > 0 {
			return nil, fmt.Errorf("%w: %s stable needed for fees", ErrInsufficientVaultBalance, costCover)
		}
		vault.StableTotalAmount.Sub(vault.StableTotalAmount, costCover)
		rest := fixed.Sub(pnl, costCover)
		stablePaid, indexPaid, err := plan.payFromPool(rest, price)
		if err != nil {
			return nil, err
		}
		indexOut = indexPaid
		stableOut = fixed.Add(fixed.PositivePart(kept), stablePaid)
	case pnl.Sign() > 0:
		// forced close with costs above collateral plus profit
		if pnl.Cmp(vault.StableAvailable()) > 0 {
			return nil, fmt.Errorf("%w: %s stable needed for fees", ErrInsufficientVaultBalance, pnl)
		}
		vault.StableTotalAmount.Sub(vault.StableTotalAmount, pnl)
	default:
		loss := fixed.Neg(pnl)
		vault.StableTotalAmount.Add(vault.StableTotalAmount, loss)
		stableOut = fixed.PositivePart(equity)
	}

	if equity.Sign() < 0 {
		debt := fixed.Neg(equity)
		change.BadDebt = fixed.New(debt)
		change.InsuranceCovered = fund.CoverUpTo(debt, tx.now)
		rest := fixed.Sub(debt, change.InsuranceCovered)
		if rest.Cmp(vault.StableAvailable()) > 0 {
			return nil, fmt.Errorf("%w: bad debt %s exceeds insurance and free stable", ErrInsufficientVaultBalance, debt)
		}
		vault.StableTotalAmount.Sub(vault.StableTotalAmount, rest)
		stableOut = fixed.Zero()
	}

	if opts.liquidation && stableOut.Sign() > 0 {
		penalty := fixed.ApplyPercent(pair.IndexToStable(sizeDelta, price), m.Trading.LiquidationFeeP)
		penalty = fixed.Min(penalty, stableOut)
		fund.AddContribution(penalty, tx.now)
		change.LiquidationPenalty = penalty
		stableOut = fixed.Sub(stableOut, penalty)
	}

	if closing {
		next.Collateral = fixed.Zero()
		next.PositionAmount = fixed.Zero()
		next.AveragePrice = fixed.Zero()
		next.FundingFeeTracker = fixed.Zero()
	} else {
		// a partial close keeps its stable result as collateral
		next.Collateral = stableOut
		stableOut = fixed.Zero()
		if opts.withdraw != nil && opts.withdraw.Sign() > 0 {
			if opts.withdraw.Cmp(next.Collateral) > 0 {
				return nil, fmt.Errorf("%w: withdraw %s of %s", ErrCollateralNotEnough, opts.withdraw, next.Collateral)
			}
			next.Collateral.Sub(next.Collateral, opts.withdraw)
			if err := checkLeverage(m.Trading, pair, newSize, next.Collateral, price, false); err != nil {
				return nil, err
			}
			change.CollateralDelta = fixed.Neg(opts.withdraw)
			stableOut = fixed.New(opts.withdraw)
		}
		next.PositionAmount = newSize
		next.FundingFeeTracker = fixed.New(tracker.GlobalFundingTracker)
	}
	next.UpdateTime = tx.now
	change.StablePayout = stableOut
	change.IndexPayout = indexOut

	// commit the plan
	m.Vault, m.Tracker = vault, tracker
	*p = *next
	if err := tx.creditFee(m, dist, params.Keeper, p.Account); err != nil {
		return nil, err
	}
	if err := tx.putInsuranceFund(fund); err != nil {
		return nil, err
	}
	tx.push(pair.StableToken, p.Account, stableOut)
	tx.push(pair.IndexToken, p.Account, indexOut)
	change.snapshot(p)
	return change, nil
}

// isADLRedirect reports whether a failed decrease should wait for ADL.
func isADLRedirect(err error) bool {
	return errors.Is(err, ErrInsufficientVaultBalance)
}

// adjustCollateral adds or withdraws collateral on an open position.
func (tx *Tx) adjustCollateral(m *market, p *Position, delta, price *big.Int) (*PositionChange, error) {
	if !p.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, p.Key)
	}
	change := newPositionChange(p, delta.Sign() > 0, fixed.Zero(), price, price)
	change.CollateralDelta = fixed.New(delta)

	next := p.Clone()
	change.FundingFee = m.fundingFee(next)
	next.Collateral.Sub(next.Collateral, change.FundingFee)
	next.FundingFeeTracker = fixed.New(m.Tracker.GlobalFundingTracker)

	if delta.Sign() < 0 {
		amount := fixed.Neg(delta)
		available := fixed.New(next.Collateral)
		if pnl := m.unrealizedPnL(next, next.PositionAmount, price); pnl.Sign() < 0 {
			available.Add(available, pnl)
		}
		if amount.Cmp(available) > 0 {
			return nil, fmt.Errorf("%w: withdraw %s, available %s", ErrCollateralNotEnough, amount, fixed.PositivePart(available))
		}
		next.Collateral.Sub(next.Collateral, amount)
		if err := checkLeverage(m.Trading, m.Pair, next.PositionAmount, next.Collateral, price, false); err != nil {
			return nil, err
		}
		change.StablePayout = amount
	} else {
		next.Collateral.Add(next.Collateral, delta)
	}
	if next.Collateral.Sign() < 0 {
		return nil, fmt.Errorf("%w: collateral %s after funding", ErrCollateralNotEnough, next.Collateral)
	}
	next.UpdateTime = tx.now

	*p = *next
	tx.push(m.Pair.StableToken, p.Account, change.StablePayout)
	change.snapshot(p)
	return change, nil
}

// AdjustCollateral adds delta of stable collateral to the caller's position,
// or withdraws -delta. Withdrawals never leave the position under-margined.
func (e *Engine) AdjustCollateral(account string, pairIndex uint32, isLong bool, delta *big.Int, updates []PriceUpdate) (*PositionChange, error) {
	if delta == nil || delta.Sign() == 0 {
		return nil, fmt.Errorf("%w: collateral delta", ErrInvalidAmount)
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}
	var change *PositionChange
	err := e.update("adjustCollateral", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		p, err := tx.position(account, pairIndex, isLong)
		if err != nil {
			return err
		}
		if delta.Sign() > 0 {
			if err := tx.pull(m.Pair.StableToken, account, delta); err != nil {
				return err
			}
		}
		change, err = tx.adjustCollateral(m, p, delta, price)
		if err != nil {
			return err
		}
		tx.emit(EventCollateralAdjusted, pairIndex, change)
		return nil
	})
	return change, err
}

// GetPosition returns the caller's position on one side of a pair. A
// position that was never opened is returned zeroed.
func (e *Engine) GetPosition(account string, pairIndex uint32, isLong bool) (*Position, error) {
	var out *Position
	err := e.view(func(tx *Tx) error {
		if _, err := tx.market(pairIndex); err != nil {
			return err
		}
		p, err := tx.position(account, pairIndex, isLong)
		if err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// GetPositionByKey resolves a position by its key.
func (e *Engine) GetPositionByKey(key PositionKey) (*Position, error) {
	var out *Position
	err := e.view(func(tx *Tx) error {
		p, err := tx.positionByKey(key)
		if err != nil {
			return err
		}
		out = p.Clone()
		return nil
	})
	return out, err
}

// ListPositions returns the open positions on one side of a pair.
func (e *Engine) ListPositions(pairIndex uint32, isLong bool) ([]*Position, error) {
	var out []*Position
	err := e.view(func(tx *Tx) error {
		ps, err := tx.positionsBySide(pairIndex, isLong)
		if err != nil {
			return err
		}
		for _, p := range ps {
			out = append(out, p.Clone())
		}
		return nil
	})
	return out, err
}

// GetTradingFee quotes the trading fee of size at price for a level.
func (e *Engine) GetTradingFee(pairIndex uint32, size, price *big.Int, tradeType TradeType, level uint8) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		if price == nil {
			if price, err = e.price(m); err != nil {
				return err
			}
		}
		discount, err := tx.levelDiscount(level)
		if err != nil {
			return err
		}
		out = tradingFee(m.Pair, size, price, tradingFeeRate(m.Fee, discount, tradeType))
		return nil
	})
	return out, err
}
