package lx

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/luxfi/perps/pkg/fixed"
)

// IncreaseOrderRequest opens or grows a position
type IncreaseOrderRequest struct {
	PairIndex  uint32    `json:"pairIndex"`
	IsLong     bool      `json:"isLong"`
	TradeType  TradeType `json:"tradeType"`
	Collateral *big.Int  `json:"collateral"` // escrowed on creation
	OpenPrice  *big.Int  `json:"openPrice"`  // limit price, or acceptable price for market orders
	SizeAmount *big.Int  `json:"sizeAmount"`
}

// DecreaseOrderRequest shrinks or closes a position
type DecreaseOrderRequest struct {
	PairIndex    uint32    `json:"pairIndex"`
	IsLong       bool      `json:"isLong"`
	TradeType    TradeType `json:"tradeType"`
	Collateral   *big.Int  `json:"collateral"` // <= 0; the negation is withdrawn on execution
	TriggerPrice *big.Int  `json:"triggerPrice"`
	SizeAmount   *big.Int  `json:"sizeAmount"`
}

func validTradeType(t TradeType, isIncrease bool) bool {
	switch t {
	case Market, Limit:
		return true
	case TakeProfit, StopLoss:
		return !isIncrease
	default:
		return false
	}
}

// CreateIncreaseOrder records an increase order for account and escrows its
// collateral.
func (e *Engine) CreateIncreaseOrder(account string, req IncreaseOrderRequest) (*Order, error) {
	if !validTradeType(req.TradeType, true) {
		return nil, fmt.Errorf("%w: %s for increase", ErrInvalidTradeType, req.TradeType)
	}
	collateral := fixed.New(req.Collateral)
	if collateral.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative collateral on increase", ErrInvalidAmount)
	}
	if req.OpenPrice == nil || req.OpenPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: open price", ErrInvalidAmount)
	}
	var order *Order
	err := e.update("createIncreaseOrder", func(tx *Tx) error {
		m, err := tx.market(req.PairIndex)
		if err != nil {
			return err
		}
		if !m.Pair.Enable {
			return fmt.Errorf("%w: %d", ErrPairDisabled, req.PairIndex)
		}
		if err := checkOrderSize(m.Trading, req.SizeAmount); err != nil {
			return err
		}
		id, err := tx.nextOrderID()
		if err != nil {
			return err
		}
		order = &Order{
			OrderID:      id,
			Account:      account,
			PairIndex:    req.PairIndex,
			IsIncrease:   true,
			IsLong:       req.IsLong,
			TradeType:    req.TradeType,
			Collateral:   collateral,
			Price:        fixed.New(req.OpenPrice),
			SizeAmount:   fixed.New(req.SizeAmount),
			ExecutedSize: fixed.Zero(),
			CreatedAt:    tx.now,
		}
		if err := tx.pull(m.Pair.StableToken, account, collateral); err != nil {
			return err
		}
		if err := tx.putOrder(order); err != nil {
			return err
		}
		tx.emit(EventOrderCreated, req.PairIndex, order)
		return nil
	})
	return order, err
}

func checkOrderSize(cfg *TradingConfig, size *big.Int) error {
	if size == nil || size.Cmp(cfg.MinTradeAmount) < 0 {
		return fmt.Errorf("%w: %v below %s", ErrInvalidTradeSize, size, cfg.MinTradeAmount)
	}
	if size.Cmp(cfg.MaxPositionAmount) > 0 {
		return fmt.Errorf("%w: %s above %s", ErrExceedsMaxPosition, size, cfg.MaxPositionAmount)
	}
	return nil
}

// CreateDecreaseOrder records a decrease order for account.
func (e *Engine) CreateDecreaseOrder(account string, req DecreaseOrderRequest) (*Order, error) {
	if !validTradeType(req.TradeType, false) {
		return nil, fmt.Errorf("%w: %s for decrease", ErrInvalidTradeType, req.TradeType)
	}
	collateral := fixed.New(req.Collateral)
	if collateral.Sign() > 0 {
		return nil, fmt.Errorf("%w: decrease orders can only withdraw collateral", ErrInvalidAmount)
	}
	if req.SizeAmount == nil || req.SizeAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: size", ErrInvalidTradeSize)
	}
	if req.TriggerPrice == nil || req.TriggerPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: trigger price", ErrInvalidAmount)
	}
	var order *Order
	err := e.update("createDecreaseOrder", func(tx *Tx) error {
		if _, err := tx.market(req.PairIndex); err != nil {
			return err
		}
		id, err := tx.nextOrderID()
		if err != nil {
			return err
		}
		order = &Order{
			OrderID:      id,
			Account:      account,
			PairIndex:    req.PairIndex,
			IsLong:       req.IsLong,
			TradeType:    req.TradeType,
			Collateral:   collateral,
			Price:        fixed.New(req.TriggerPrice),
			SizeAmount:   fixed.New(req.SizeAmount),
			ExecutedSize: fixed.Zero(),
			CreatedAt:    tx.now,
		}
		if err := tx.putOrder(order); err != nil {
			return err
		}
		tx.emit(EventOrderCreated, req.PairIndex, order)
		return nil
	})
	return order, err
}

// cancelOrder removes o and refunds any escrow still held for it.
func (tx *Tx) cancelOrder(o *Order, reason string) error {
	if o.IsIncrease && o.Collateral.Sign() > 0 {
		m, err := tx.market(o.PairIndex)
		if err != nil {
			return err
		}
		tx.push(m.Pair.StableToken, o.Account, o.Collateral)
	}
	if err := tx.deleteOrder(o.OrderID); err != nil {
		return err
	}
	tx.emit(EventOrderCancelled, o.PairIndex, map[string]interface{}{
		"order":  o,
		"reason": reason,
	})
	return nil
}

func (e *Engine) cancel(caller string, orderID uint64, isIncrease bool) error {
	return e.update("cancelOrder", func(tx *Tx) error {
		o, err := tx.order(orderID)
		if err != nil {
			return err
		}
		if o.IsIncrease != isIncrease {
			return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		if o.Account != caller && !e.access.IsKeeper(caller) && !e.access.IsOperator(caller) {
			return fmt.Errorf("%w: %d", ErrNotOrderOwner, orderID)
		}
		return tx.cancelOrder(o, "cancelled by "+caller)
	})
}

// CancelIncreaseOrder cancels an increase order and refunds its escrow.
// Allowed for the owner and keepers.
func (e *Engine) CancelIncreaseOrder(caller string, orderID uint64) error {
	return e.cancel(caller, orderID, true)
}

// CancelDecreaseOrder cancels a decrease order. Allowed for the owner and keepers.
func (e *Engine) CancelDecreaseOrder(caller string, orderID uint64) error {
	return e.cancel(caller, orderID, false)
}

// GetOrder returns a pending order.
func (e *Engine) GetOrder(orderID uint64) (*Order, error) {
	var out *Order
	err := e.view(func(tx *Tx) error {
		var err error
		out, err = tx.order(orderID)
		return err
	})
	return out, err
}

// ListOrders returns the pending orders of account, or of everyone when
// account is empty, in id order.
func (e *Engine) ListOrders(account string) ([]*Order, error) {
	var out []*Order
	err := e.view(func(tx *Tx) error {
		all, err := tx.allOrders()
		if err != nil {
			return err
		}
		for _, o := range all {
			if account == "" || o.Account == account {
				out = append(out, o)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, err
}
