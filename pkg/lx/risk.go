package lx

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/luxfi/perps/pkg/fixed"
)

// RiskState is the health of a position
type RiskState int

const (
	Healthy RiskState = iota
	AtRisk
	Liquidatable
)

func (s RiskState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case AtRisk:
		return "at_risk"
	case Liquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

// atRiskRate is the risk rate from which a position is flagged
var atRiskRate = fixed.Percent(80)

// maxADLRounds bounds the reductions one ADL call may apply
const maxADLRounds = 64

// RiskReport describes the margin state of a position at a price
type RiskReport struct {
	PositionKey       PositionKey `json:"positionKey"`
	State             RiskState   `json:"state"`
	Price             *big.Int    `json:"price"`
	UnrealizedPnL     *big.Int    `json:"unrealizedPnl"`
	FundingFee        *big.Int    `json:"fundingFee"`
	CloseFee          *big.Int    `json:"closeFee"`
	Equity            *big.Int    `json:"equity"`
	MaintenanceMargin *big.Int    `json:"maintenanceMargin"`
	RiskRate          *big.Int    `json:"riskRate"` // 1e8 = 100%, nil when equity <= 0
	Leverage          *big.Int    `json:"leverage"` // 1e8 = 1x, nil without collateral
}

// riskReport evaluates p at price using the taker fee with no discount for
// the closing trade.
func (m *market) riskReport(p *Position, price *big.Int) *RiskReport {
	r := &RiskReport{
		PositionKey:       p.Key,
		State:             Healthy,
		Price:             fixed.New(price),
		UnrealizedPnL:     m.unrealizedPnL(p, p.PositionAmount, price),
		FundingFee:        m.fundingFee(p),
		MaintenanceMargin: fixed.Zero(),
	}
	notional := m.Pair.IndexToStable(p.PositionAmount, price)
	r.CloseFee = fixed.ApplyPercent(notional, m.Fee.TakerFeeP)
	r.MaintenanceMargin = fixed.ApplyPercent(notional, m.Trading.MaintainMarginRate)

	r.Equity = fixed.Add(p.Collateral, r.UnrealizedPnL)
	r.Equity.Sub(r.Equity, r.FundingFee)
	r.Equity.Sub(r.Equity, r.CloseFee)

	if p.Collateral.Sign() > 0 {
		r.Leverage = fixed.MulDiv(notional, fixed.Percentage, p.Collateral)
	}
	if !p.IsOpen() {
		return r
	}
	if r.Equity.Sign() <= 0 {
		r.State = Liquidatable
		return r
	}
	r.RiskRate = fixed.MulDiv(r.MaintenanceMargin, fixed.Percentage, r.Equity)
	maxLev := new(big.Int).Mul(new(big.Int).SetUint64(m.Trading.MaxLeverage), fixed.Percentage)
	switch {
	case r.RiskRate.Cmp(fixed.Percentage) >= 0:
		r.State = Liquidatable
	case r.RiskRate.Cmp(atRiskRate) >= 0, r.Leverage == nil, r.Leverage.Cmp(maxLev) > 0:
		r.State = AtRisk
	}
	return r
}

// needADL reports whether closing size on the isLong side exceeds what the
// vault can settle, and by how much.
func (m *market) needADL(isLong bool, size, price *big.Int) (bool, *big.Int) {
	e := m.Tracker.Exposure()
	var available *big.Int
	if isLong {
		available = fixed.Add(fixed.PositivePart(e), m.Pair.StableToIndex(m.Vault.StableAvailable(), price))
	} else {
		available = fixed.Add(fixed.PositivePart(fixed.Neg(e)), m.Vault.IndexAvailable())
	}
	if size.Cmp(available) <= 0 {
		return false, fixed.Zero()
	}
	return true, fixed.Sub(size, available)
}

// ADLPosition is a forced reduction of one position
type ADLPosition struct {
	PositionKey     PositionKey `json:"positionKey"`
	SizeAmount      *big.Int    `json:"sizeAmount"`
	Level           uint8       `json:"level"`
	CommissionRatio *big.Int    `json:"commissionRatio"`
}

type adlCandidate struct {
	pos    *Position
	profit *big.Int
}

// rankADL returns the profitable positions opposite to isLong, ordered by
// unrealised profit descending and then by key.
func (tx *Tx) rankADL(m *market, isLong bool, price *big.Int) ([]adlCandidate, error) {
	positions, err := tx.positionsBySide(m.Pair.PairIndex, !isLong)
	if err != nil {
		return nil, err
	}
	var out []adlCandidate
	for _, p := range positions {
		profit := m.unrealizedPnL(p, p.PositionAmount, price)
		if profit.Sign() > 0 {
			out = append(out, adlCandidate{pos: p, profit: profit})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].profit.Cmp(out[j].profit); c != 0 {
			return c > 0
		}
		return out[i].pos.Key.Less(out[j].pos.Key)
	})
	return out, nil
}

// selectADLCandidates picks reductions covering shortfall, largest profit first.
func (tx *Tx) selectADLCandidates(m *market, isLong bool, shortfall, price *big.Int) ([]ADLPosition, error) {
	ranked, err := tx.rankADL(m, isLong, price)
	if err != nil {
		return nil, err
	}
	remaining := fixed.New(shortfall)
	var out []ADLPosition
	for _, c := range ranked {
		if remaining.Sign() <= 0 {
			break
		}
		size := fixed.Min(c.pos.PositionAmount, remaining)
		out = append(out, ADLPosition{PositionKey: c.pos.Key, SizeAmount: size})
		remaining.Sub(remaining, size)
	}
	return out, nil
}

// NeedADL reports whether closing sizeAmount on the isLong side of a pair
// at price requires auto-deleveraging first. A nil price uses the oracle.
func (e *Engine) NeedADL(pairIndex uint32, isLong bool, sizeAmount, price *big.Int) (bool, *big.Int, error) {
	var need bool
	var shortfall *big.Int
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
		need, shortfall = m.needADL(isLong, sizeAmount, price)
		return nil
	})
	return need, shortfall, err
}

// SelectADLCandidates returns the deterministic set of opposite-side
// reductions that would cover shortfall at the oracle price.
func (e *Engine) SelectADLCandidates(pairIndex uint32, isLong bool, shortfall *big.Int) ([]ADLPosition, error) {
	var out []ADLPosition
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		out, err = tx.selectADLCandidates(m, isLong, shortfall, price)
		return err
	})
	return out, err
}

// GetRiskState evaluates a position at the oracle price.
func (e *Engine) GetRiskState(key PositionKey) (*RiskReport, error) {
	var out *RiskReport
	err := e.view(func(tx *Tx) error {
		p, err := tx.positionByKey(key)
		if err != nil {
			return err
		}
		m, err := tx.market(p.PairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		out = m.riskReport(p, price)
		return nil
	})
	return out, err
}

// LiquidationRequest asks for one position to be force-closed
type LiquidationRequest struct {
	PositionKey     PositionKey `json:"positionKey"`
	Level           uint8       `json:"level"`
	CommissionRatio *big.Int    `json:"commissionRatio"`
	SizeAmount      *big.Int    `json:"sizeAmount"`
}

// LiquidationResult reports the outcome of one request
type LiquidationResult struct {
	PositionKey PositionKey     `json:"positionKey"`
	Liquidated  bool            `json:"liquidated"`
	State       RiskState       `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	Change      *PositionChange `json:"change,omitempty"`
}

// LiquidatePositions force-closes every liquidatable position in reqs at
// the oracle price. Requests that are not liquidatable, or whose bad debt
// cannot be absorbed, are reported and skipped. Keeper only.
func (e *Engine) LiquidatePositions(caller string, reqs []LiquidationRequest, updates []PriceUpdate) ([]*LiquidationResult, error) {
	if err := e.requireKeeper(caller); err != nil {
		return nil, err
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}
	var results []*LiquidationResult
	err := e.update("liquidatePositions", func(tx *Tx) error {
		results = results[:0]
		for _, req := range reqs {
			res, err := e.liquidate(tx, caller, req)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

func (e *Engine) liquidate(tx *Tx, keeper string, req LiquidationRequest) (*LiquidationResult, error) {
	res := &LiquidationResult{PositionKey: req.PositionKey}
	p, err := tx.positionByKey(req.PositionKey)
	if errors.Is(err, ErrPositionNotFound) {
		res.Reason = err.Error()
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := tx.market(p.PairIndex)
	if err != nil {
		return nil, err
	}
	price, err := e.price(m)
	if err != nil {
		return nil, err
	}
	report := m.riskReport(p, price)
	res.State = report.State
	if report.State != Liquidatable {
		res.Reason = ErrNotLiquidatable.Error()
		return res, nil
	}

	params := TradeParams{TradeType: Market, Level: req.Level, CommissionRatio: req.CommissionRatio, Keeper: keeper}
	change, err := tx.decreasePosition(m, p, fixed.New(p.PositionAmount), price, price, params, decreaseOpts{forced: true, liquidation: true})
	if err != nil {
		if KindOf(err) == KindSolvency {
			res.Reason = err.Error()
			return res, nil
		}
		return nil, err
	}
	res.Liquidated = true
	res.Change = change
	tx.emit(EventPositionLiquidated, p.PairIndex, change)
	return res, nil
}

// applyADL reduces one validated ADL entry at price.
func (tx *Tx) applyADL(m *market, closingLong bool, entry ADLPosition, price *big.Int, tradeType TradeType, keeper string) (*PositionChange, error) {
	p, err := tx.positionByKey(entry.PositionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidADLPosition, err)
	}
	switch {
	case p.PairIndex != m.Pair.PairIndex:
		return nil, fmt.Errorf("%w: %s is on pair %d", ErrInvalidADLPosition, p.Key, p.PairIndex)
	case p.IsLong == closingLong:
		return nil, fmt.Errorf("%w: %s is on the closing side", ErrInvalidADLPosition, p.Key)
	case entry.SizeAmount == nil || entry.SizeAmount.Sign() <= 0 || entry.SizeAmount.Cmp(p.PositionAmount) > 0:
		return nil, fmt.Errorf("%w: size %v of %s", ErrInvalidADLPosition, entry.SizeAmount, p.PositionAmount)
	case m.unrealizedPnL(p, p.PositionAmount, price).Sign() <= 0:
		return nil, fmt.Errorf("%w: %s is not in profit", ErrInvalidADLPosition, p.Key)
	}
	params := TradeParams{TradeType: tradeType, Level: entry.Level, CommissionRatio: entry.CommissionRatio, Keeper: keeper}
	change, err := tx.decreasePosition(m, p, entry.SizeAmount, price, price, params, decreaseOpts{forced: true})
	if err != nil {
		return nil, err
	}
	tx.emit(EventADLExecuted, m.Pair.PairIndex, change)
	return change, nil
}

// ADLResult reports an ADL batch and the decrease it unblocked
type ADLResult struct {
	Reductions []*PositionChange `json:"reductions"`
	Execution  *ExecutionResult  `json:"execution"`
}

// ExecuteADLAndDecreaseOrder reduces opposite-side positions until the
// decrease order can settle, then executes it, all in one commit. The order
// must be flagged for ADL or short of vault liquidity, and every reduced
// position must be in profit at the oracle price. With nil
// adl the reductions are chosen by profit ranking. If the vault still
// cannot settle the order the whole batch is reverted. Keeper only.
func (e *Engine) ExecuteADLAndDecreaseOrder(caller string, adl []ADLPosition, orderID uint64, params TradeParams, updates []PriceUpdate) (*ADLResult, error) {
	if err := e.requireKeeper(caller); err != nil {
		return nil, err
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}
	params.Keeper = caller
	var res *ADLResult
	err := e.update("executeADLAndDecreaseOrder", func(tx *Tx) error {
		res = &ADLResult{}
		o, err := tx.order(orderID)
		if err != nil {
			return err
		}
		if o.IsIncrease {
			return fmt.Errorf("%w: order %d is an increase", ErrOrderNotFound, orderID)
		}
		m, err := tx.market(o.PairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		p, err := tx.position(o.Account, o.PairIndex, o.IsLong)
		if err != nil {
			return err
		}
		size := fixed.Min(o.RemainingSize(), p.PositionAmount)
		if !o.NeedADL {
			if need, _ := m.needADL(o.IsLong, size, price); !need {
				return fmt.Errorf("%w: order %d", ErrADLNotRequired, orderID)
			}
		}

		if adl != nil {
			for _, entry := range adl {
				change, err := tx.applyADL(m, o.IsLong, entry, price, params.TradeType, caller)
				if err != nil {
					return err
				}
				res.Reductions = append(res.Reductions, change)
			}
			if need, shortfall := m.needADL(o.IsLong, size, price); need {
				return fmt.Errorf("%w: %s still short after %d reductions", ErrADLInsufficient, shortfall, len(res.Reductions))
			}
			o.NeedADL = false
			res.Execution, err = e.executeDecrease(tx, m, o, params, price, false)
			return err
		}

		ranked, err := tx.rankADL(m, o.IsLong, price)
		if err != nil {
			return err
		}
		o.NeedADL = false
		for i, rounds := 0, 0; ; rounds++ {
			need, shortfall := m.needADL(o.IsLong, size, price)
			if !need {
				exec, err := e.executeDecrease(tx, m, o, params, price, false)
				if err == nil {
					res.Execution = exec
					return nil
				}
				if !isADLRedirect(err) {
					return err
				}
				// liquidity covers the size but not the payout
				shortfall = size
			}

			var cur *Position
			for ; i < len(ranked); i++ {
				if cur, err = tx.positionByKey(ranked[i].pos.Key); err != nil {
					return err
				}
				if cur.IsOpen() {
					break
				}
			}
			if i >= len(ranked) || rounds >= maxADLRounds {
				return fmt.Errorf("%w: %s still short after %d reductions", ErrADLInsufficient, shortfall, len(res.Reductions))
			}
			// paying the reduced profit can consume part of what it freed,
			// so the same position may be reduced again
			amount := fixed.Min(cur.PositionAmount, fixed.Max(shortfall, m.Trading.MinTradeAmount))
			entry := ADLPosition{PositionKey: cur.Key, SizeAmount: amount, Level: params.Level, CommissionRatio: params.CommissionRatio}
			change, err := tx.applyADL(m, o.IsLong, entry, price, params.TradeType, caller)
			if err != nil {
				return err
			}
			res.Reductions = append(res.Reductions, change)
		}
	})
	return res, err
}
