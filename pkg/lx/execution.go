package lx

import (
	"fmt"
	"math/big"

	"github.com/luxfi/perps/pkg/fixed"
)

// ExecutionResult reports one order execution
type ExecutionResult struct {
	OrderID   uint64          `json:"orderId"`
	Order     *Order          `json:"order"`
	Change    *PositionChange `json:"change,omitempty"`
	Filled    bool            `json:"filled"`    // the order is complete and removed
	Cancelled bool            `json:"cancelled"` // the order could not apply and was removed
	NeedADL   bool            `json:"needADL"`
	Shortfall *big.Int        `json:"shortfall,omitempty"`
}

// widen returns price moved by slipP in the trader's favour bound.
func widen(price, slipP *big.Int, up bool) *big.Int {
	d := fixed.ApplyPercent(price, slipP)
	if up {
		return fixed.Add(price, d)
	}
	return fixed.Sub(price, d)
}

func checkDeviation(cfg *TradingConfig, fill, price *big.Int) error {
	dev := fixed.MulDiv(fixed.Abs(fixed.Sub(fill, price)), fixed.Percentage, price)
	if dev.Cmp(cfg.MaxPriceDeviationP) > 0 {
		return fmt.Errorf("%w: %s vs oracle %s", ErrPriceDeviation, fixed.FormatPrice(fill), fixed.FormatPrice(price))
	}
	return nil
}

// checkIncreaseTrigger gates an increase fill against the order price.
func checkIncreaseTrigger(cfg *TradingConfig, o *Order, fill *big.Int) error {
	switch o.TradeType {
	case Limit:
		if (o.IsLong && fill.Cmp(o.Price) > 0) || (!o.IsLong && fill.Cmp(o.Price) < 0) {
			return fmt.Errorf("%w: fill %s, limit %s", ErrTriggerNotReached, fixed.FormatPrice(fill), fixed.FormatPrice(o.Price))
		}
	case Market:
		acceptable := widen(o.Price, cfg.PriceSlipP, o.IsLong)
		if (o.IsLong && fill.Cmp(acceptable) > 0) || (!o.IsLong && fill.Cmp(acceptable) < 0) {
			return fmt.Errorf("%w: fill %s, acceptable %s", ErrSlippageExceeded, fixed.FormatPrice(fill), fixed.FormatPrice(acceptable))
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTradeType, o.TradeType)
	}
	return nil
}

// checkDecreaseTrigger gates a decrease. Limit and take-profit orders
// compare the fill, stop-losses the oracle price.
func checkDecreaseTrigger(cfg *TradingConfig, o *Order, fill, price *big.Int) error {
	switch o.TradeType {
	case Limit, TakeProfit:
		if (o.IsLong && fill.Cmp(o.Price) < 0) || (!o.IsLong && fill.Cmp(o.Price) > 0) {
			return fmt.Errorf("%w: fill %s, trigger %s", ErrTriggerNotReached, fixed.FormatPrice(fill), fixed.FormatPrice(o.Price))
		}
	case StopLoss:
		if (o.IsLong && price.Cmp(o.Price) > 0) || (!o.IsLong && price.Cmp(o.Price) < 0) {
			return fmt.Errorf("%w: price %s, stop %s", ErrTriggerNotReached, fixed.FormatPrice(price), fixed.FormatPrice(o.Price))
		}
	case Market:
		acceptable := widen(o.Price, cfg.PriceSlipP, !o.IsLong)
		if (o.IsLong && fill.Cmp(acceptable) < 0) || (!o.IsLong && fill.Cmp(acceptable) > 0) {
			return fmt.Errorf("%w: fill %s, acceptable %s", ErrSlippageExceeded, fixed.FormatPrice(fill), fixed.FormatPrice(acceptable))
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTradeType, o.TradeType)
	}
	return nil
}

func (tx *Tx) finishExecution(o *Order, size *big.Int, done bool) (bool, error) {
	o.ExecutedSize.Add(o.ExecutedSize, size)
	if done || o.RemainingSize().Sign() <= 0 {
		return true, tx.deleteOrder(o.OrderID)
	}
	return false, tx.putOrder(o)
}

// executeIncrease fills as much of an increase order as the vault can back.
func (e *Engine) executeIncrease(tx *Tx, m *market, o *Order, params TradeParams, price *big.Int) (*ExecutionResult, error) {
	res := &ExecutionResult{OrderID: o.OrderID, Order: o}
	if !m.Pair.Enable {
		return nil, fmt.Errorf("%w: %d", ErrPairDisabled, m.Pair.PairIndex)
	}
	cfg := m.Trading

	size := fixed.Min(o.RemainingSize(), cfg.MaxTradeAmount)
	size = fixed.Min(size, m.increaseCapacity(o.IsLong, price))
	if size.Cmp(cfg.MinTradeAmount) < 0 {
		return nil, fmt.Errorf("%w: can back %s, minimum trade %s", ErrPoolLiquidityNotEnough, size, cfg.MinTradeAmount)
	}

	fill, err := ExecutionPrice(m.Pair.KOfSwap, price, size, isBuy(true, o.IsLong))
	if err != nil {
		return nil, err
	}
	if err := checkIncreaseTrigger(cfg, o, fill); err != nil {
		return nil, err
	}
	if err := checkDeviation(cfg, fill, price); err != nil {
		return nil, err
	}

	p, err := tx.position(o.Account, o.PairIndex, o.IsLong)
	if err != nil {
		return nil, err
	}
	// escrowed collateral joins the position on the first fill
	collateral := fixed.New(o.Collateral)
	res.Change, err = tx.increasePosition(m, p, size, collateral, fill, price, params)
	if err != nil {
		return nil, err
	}
	o.Collateral = fixed.Zero()

	if res.Filled, err = tx.finishExecution(o, size, false); err != nil {
		return nil, err
	}
	tx.emit(EventOrderExecuted, o.PairIndex, res)
	tx.emit(EventPositionUpdated, o.PairIndex, res.Change)
	return res, nil
}

// executeDecrease settles a decrease order. With redirect set, a close the
// vault cannot pay for flags the order for ADL instead of failing.
func (e *Engine) executeDecrease(tx *Tx, m *market, o *Order, params TradeParams, price *big.Int, redirect bool) (*ExecutionResult, error) {
	res := &ExecutionResult{OrderID: o.OrderID, Order: o}
	if o.NeedADL {
		return nil, fmt.Errorf("%w: %d", ErrOrderNeedsADL, o.OrderID)
	}
	p, err := tx.position(o.Account, o.PairIndex, o.IsLong)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		res.Cancelled = true
		return res, tx.cancelOrder(o, "position closed")
	}
	cfg := m.Trading

	size := fixed.Min(o.RemainingSize(), p.PositionAmount)
	fill, err := ExecutionPrice(m.Pair.KOfSwap, price, size, isBuy(false, o.IsLong))
	if err != nil {
		return nil, err
	}
	if err := checkDecreaseTrigger(cfg, o, fill, price); err != nil {
		return nil, err
	}
	if err := checkDeviation(cfg, fill, price); err != nil {
		return nil, err
	}

	flag := func(shortfall *big.Int) (*ExecutionResult, error) {
		o.NeedADL = true
		res.NeedADL = true
		res.Shortfall = shortfall
		if err := tx.putOrder(o); err != nil {
			return nil, err
		}
		tx.emit(EventOrderNeedADL, o.PairIndex, res)
		return res, nil
	}
	if need, shortfall := m.needADL(o.IsLong, size, price); need {
		if !redirect {
			return nil, fmt.Errorf("%w: %s", ErrADLInsufficient, shortfall)
		}
		return flag(shortfall)
	}

	opts := decreaseOpts{withdraw: fixed.Neg(o.Collateral)}
	res.Change, err = tx.decreasePosition(m, p, size, fill, price, params, opts)
	if err != nil {
		if redirect && isADLRedirect(err) {
			_, shortfall := m.needADL(o.IsLong, size, price)
			return flag(shortfall)
		}
		return nil, err
	}
	o.Collateral = fixed.Zero()

	if res.Filled, err = tx.finishExecution(o, size, !p.IsOpen()); err != nil {
		return nil, err
	}
	tx.emit(EventOrderExecuted, o.PairIndex, res)
	tx.emit(EventPositionUpdated, o.PairIndex, res.Change)
	return res, nil
}

func (e *Engine) execute(op string, caller string, orderID uint64, isIncrease bool, params TradeParams, updates []PriceUpdate) (*ExecutionResult, error) {
	if err := e.requireKeeper(caller); err != nil {
		return nil, err
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}
	params.Keeper = caller
	var res *ExecutionResult
	err := e.update(op, func(tx *Tx) error {
		o, err := tx.order(orderID)
		if err != nil {
			return err
		}
		if o.IsIncrease != isIncrease {
			return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		if params.TradeType != o.TradeType {
			return fmt.Errorf("%w: order %d is %s, not %s", ErrInvalidTradeType, orderID, o.TradeType, params.TradeType)
		}
		m, err := tx.market(o.PairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		if isIncrease {
			res, err = e.executeIncrease(tx, m, o, params, price)
		} else {
			res, err = e.executeDecrease(tx, m, o, params, price, true)
		}
		return err
	})
	return res, err
}

// ExecuteIncreaseOrder fills a pending increase order at the virtual AMM
// price. Keeper only.
func (e *Engine) ExecuteIncreaseOrder(caller string, orderID uint64, params TradeParams, updates []PriceUpdate) (*ExecutionResult, error) {
	return e.execute("executeIncreaseOrder", caller, orderID, true, params, updates)
}

// ExecuteDecreaseOrder fills a pending decrease order. When the vault
// cannot settle it the order is flagged for ADL and the call succeeds with
// NeedADL set. Keeper only.
func (e *Engine) ExecuteDecreaseOrder(caller string, orderID uint64, params TradeParams, updates []PriceUpdate) (*ExecutionResult, error) {
	return e.execute("executeDecreaseOrder", caller, orderID, false, params, updates)
}
