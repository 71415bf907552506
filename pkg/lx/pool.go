package lx

import (
	"fmt"
	"math/big"

	"github.com/luxfi/perps/pkg/fixed"
)

// LiquidityResult reports an add or remove liquidity call
type LiquidityResult struct {
	Account      string   `json:"account"`
	PairIndex    uint32   `json:"pairIndex"`
	LPAmount     *big.Int `json:"lpAmount"`
	IndexAmount  *big.Int `json:"indexAmount"`
	StableAmount *big.Int `json:"stableAmount"`
	IndexFee     *big.Int `json:"indexFee"`
	StableFee    *big.Int `json:"stableFee"`
	Slippage     *big.Int `json:"slippage"` // stable value kept by the pool
	LPPrice      *big.Int `json:"lpPrice"`
	Price        *big.Int `json:"price"`
}

// tradersPnL is the signed unrealised PnL of all open positions against the
// pool, in stable units.
func (m *market) tradersPnL(price *big.Int) *big.Int {
	t := m.Tracker
	pnl := m.Pair.IndexToStable(t.LongTracker, price)
	pnl.Sub(pnl, t.LongEntryNotional)
	pnl.Add(pnl, t.ShortEntryNotional)
	pnl.Sub(pnl, m.Pair.IndexToStableUp(t.ShortTracker, price))
	return pnl
}

// poolValue is the vault's stable-denominated value net of trader PnL.
func (m *market) poolValue(price *big.Int) *big.Int {
	v := m.Pair.IndexToStable(m.Vault.IndexTotalAmount, price)
	v.Add(v, m.Vault.StableTotalAmount)
	return v.Sub(v, m.tradersPnL(price))
}

// rawValue is indexTotal*price + stableTotal.
func (m *market) rawValue(price *big.Int) *big.Int {
	v := m.Pair.IndexToStable(m.Vault.IndexTotalAmount, price)
	return v.Add(v, m.Vault.StableTotalAmount)
}

// lpFairPrice returns the 1e30 stable value of one LP base unit.
func (m *market) lpFairPrice(price, supply *big.Int) *big.Int {
	if supply.Sign() == 0 {
		return fixed.New(m.Pair.InitPrice)
	}
	value := m.poolValue(price)
	if value.Sign() <= 0 {
		return fixed.Zero()
	}
	return fixed.MulDiv(value, fixed.PricePrecision, supply)
}

// increaseCapacity is the largest size, in index units, that the vault can
// back for a new trade on one side.
func (m *market) increaseCapacity(isLong bool, price *big.Int) *big.Int {
	e := m.Tracker.Exposure()
	if isLong {
		capacity := m.Vault.IndexAvailable()
		if e.Sign() < 0 {
			capacity.Add(capacity, fixed.Neg(e))
		}
		return capacity
	}
	capacity := m.Pair.StableToIndex(m.Vault.StableAvailable(), price)
	if e.Sign() > 0 {
		capacity.Add(capacity, e)
	}
	return capacity
}

// applyExposure moves the reserved amounts from exposure oldE to newE.
// Net-long exposure locks index; net-short exposure locks its stable value.
// When strict is unset the new lock is capped at what is free instead of
// failing, so closes are never blocked by reservation.
func (m *market) applyExposure(oldE, newE, price *big.Int, strict bool) error {
	v := m.Vault

	longOld, longNew := fixed.PositivePart(oldE), fixed.PositivePart(newE)
	if d := fixed.Sub(longNew, longOld); d.Sign() > 0 {
		if d.Cmp(v.IndexAvailable()) > 0 {
			if strict {
				return fmt.Errorf("%w: index exposure %s exceeds available %s", ErrPoolLiquidityNotEnough, d, v.IndexAvailable())
			}
			d = v.IndexAvailable()
		}
		v.IndexReservedAmount.Add(v.IndexReservedAmount, d)
	} else if d.Sign() < 0 {
		v.IndexReservedAmount = fixed.SubFloor(v.IndexReservedAmount, fixed.Neg(d))
	}

	shortOld, shortNew := fixed.PositivePart(fixed.Neg(oldE)), fixed.PositivePart(fixed.Neg(newE))
	switch shortNew.Cmp(shortOld) {
	case 1:
		add := m.Pair.IndexToStableUp(fixed.Sub(shortNew, shortOld), price)
		if add.Cmp(v.StableAvailable()) > 0 {
			if strict {
				return fmt.Errorf("%w: stable exposure %s exceeds available %s", ErrPoolLiquidityNotEnough, add, v.StableAvailable())
			}
			add = v.StableAvailable()
		}
		v.StableReservedAmount.Add(v.StableReservedAmount, add)
	case -1:
		if shortNew.Sign() == 0 {
			v.StableReservedAmount = fixed.Zero()
			break
		}
		release := fixed.MulDiv(v.StableReservedAmount, fixed.Sub(shortOld, shortNew), shortOld)
		v.StableReservedAmount = fixed.SubFloor(v.StableReservedAmount, release)
	}
	return nil
}

// payFromPool pays amount of stable value out of the free part of the vault:
// stable first, the shortfall in index at price.
func (m *market) payFromPool(amount, price *big.Int) (stablePaid, indexPaid *big.Int, err error) {
	v := m.Vault
	stablePaid = fixed.Min(amount, v.StableAvailable())
	rest := fixed.Sub(amount, stablePaid)
	indexPaid = fixed.Zero()
	if rest.Sign() > 0 {
		indexPaid = m.Pair.StableToIndexUp(rest, price)
		if indexPaid.Cmp(v.IndexAvailable()) > 0 {
			return nil, nil, fmt.Errorf("%w: need %s stable value, free stable %s, free index %s",
				ErrInsufficientVaultBalance, amount, v.StableAvailable(), v.IndexAvailable())
		}
		v.IndexTotalAmount.Sub(v.IndexTotalAmount, indexPaid)
	}
	v.StableTotalAmount.Sub(v.StableTotalAmount, stablePaid)
	return stablePaid, indexPaid, nil
}

// addLiquidity books a deposit that has already been pulled into custody.
func (tx *Tx) addLiquidity(m *market, account string, indexAmount, stableAmount, price, supply *big.Int) (*LiquidityResult, error) {
	pair := m.Pair
	res := &LiquidityResult{
		Account:      account,
		PairIndex:    pair.PairIndex,
		IndexAmount:  fixed.New(indexAmount),
		StableAmount: fixed.New(stableAmount),
		IndexFee:     fixed.ApplyPercent(indexAmount, pair.AddLpFeeP),
		StableFee:    fixed.ApplyPercent(stableAmount, pair.AddLpFeeP),
		Slippage:     fixed.Zero(),
		Price:        fixed.New(price),
	}
	res.LPPrice = m.lpFairPrice(price, supply)
	if res.LPPrice.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool value is not positive", ErrPoolLiquidityNotEnough)
	}

	indexIn := fixed.Sub(indexAmount, res.IndexFee)
	stableIn := fixed.Sub(stableAmount, res.StableFee)
	depositValue := fixed.Add(pair.IndexToStable(indexIn, price), stableIn)
	if depositValue.Sign() <= 0 {
		return nil, fmt.Errorf("%w: deposit has no value", ErrInvalidAmount)
	}

	res.Slippage = m.depositSlippage(indexIn, stableIn, depositValue, price)

	res.LPAmount = fixed.MulDiv(fixed.Sub(depositValue, res.Slippage), fixed.PricePrecision, res.LPPrice)
	if res.LPAmount.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit mints no LP", ErrInvalidAmount)
	}

	m.Vault.IndexTotalAmount.Add(m.Vault.IndexTotalAmount, indexIn)
	m.Vault.StableTotalAmount.Add(m.Vault.StableTotalAmount, stableIn)

	if err := tx.addBalance(TreasuryBalance, pair.IndexToken, TreasuryAccount, res.IndexFee); err != nil {
		return nil, err
	}
	if err := tx.addBalance(TreasuryBalance, pair.StableToken, TreasuryAccount, res.StableFee); err != nil {
		return nil, err
	}
	return res, nil
}

// depositSlippage prices the part of a deposit that pushes the pool past its
// target index ratio through the virtual curve. The difference between the
// excess's oracle value and what the curve pays for it stays in the pool.
func (m *market) depositSlippage(indexIn, stableIn, depositValue, price *big.Int) *big.Int {
	pair := m.Pair
	if pair.KOfSwap.Sign() == 0 || pair.ExpectIndexTokenP == nil {
		return fixed.Zero()
	}
	newTotal := fixed.Add(m.rawValue(price), depositValue)
	indexValue := pair.IndexToStable(fixed.Add(m.Vault.IndexTotalAmount, indexIn), price)
	stableValue := fixed.Add(m.Vault.StableTotalAmount, stableIn)
	expectIndex := fixed.ApplyPercent(newTotal, pair.ExpectIndexTokenP)
	expectStable := fixed.Sub(newTotal, expectIndex)
	reserveA, reserveB := VirtualReserves(pair.KOfSwap, price)

	if indexIn.Sign() > 0 && indexValue.Cmp(expectIndex) > 0 {
		excessValue := fixed.Min(fixed.Sub(indexValue, expectIndex), pair.IndexToStable(indexIn, price))
		excessIndex := pair.StableToIndex(excessValue, price)
		out := AmountOut(excessIndex, reserveA, reserveB)
		return fixed.SubFloor(excessValue, out)
	}
	if stableIn.Sign() > 0 && stableValue.Cmp(expectStable) > 0 {
		excessValue := fixed.Min(fixed.Sub(stableValue, expectStable), stableIn)
		out := AmountOut(excessValue, reserveB, reserveA)
		return fixed.SubFloor(excessValue, pair.IndexToStable(out, price))
	}
	return fixed.Zero()
}

// removeLiquidity books a withdrawal of lpAmount whose LP tokens were burned.
func (tx *Tx) removeLiquidity(m *market, account string, lpAmount, price, supply *big.Int) (*LiquidityResult, error) {
	pair := m.Pair
	if supply.Cmp(lpAmount) < 0 {
		return nil, fmt.Errorf("%w: lp amount %s exceeds supply %s", ErrInvalidAmount, lpAmount, supply)
	}
	res := &LiquidityResult{
		Account:   account,
		PairIndex: pair.PairIndex,
		LPAmount:  fixed.New(lpAmount),
		Slippage:  fixed.Zero(),
		Price:     fixed.New(price),
		LPPrice:   m.lpFairPrice(price, supply),
	}
	value := fixed.MulDiv(lpAmount, res.LPPrice, fixed.PricePrecision)
	if value.Sign() == 0 {
		return nil, fmt.Errorf("%w: withdrawal has no value", ErrInvalidAmount)
	}

	indexAvail := m.Vault.IndexAvailable()
	stableAvail := m.Vault.StableAvailable()
	indexAvailValue := pair.IndexToStable(indexAvail, price)
	availValue := fixed.Add(indexAvailValue, stableAvail)
	if value.Cmp(availValue) > 0 {
		return nil, fmt.Errorf("%w: withdrawal of %s exceeds available %s", ErrPoolLiquidityNotEnough, value, availValue)
	}

	indexValue := fixed.MulDiv(value, indexAvailValue, availValue)
	indexOut := fixed.Min(pair.StableToIndex(indexValue, price), indexAvail)
	stableOut := fixed.Min(fixed.Sub(value, indexValue), stableAvail)

	m.Vault.IndexTotalAmount.Sub(m.Vault.IndexTotalAmount, indexOut)
	m.Vault.StableTotalAmount.Sub(m.Vault.StableTotalAmount, stableOut)

	res.IndexFee = fixed.ApplyPercent(indexOut, pair.RemoveLpFeeP)
	res.StableFee = fixed.ApplyPercent(stableOut, pair.RemoveLpFeeP)
	res.IndexAmount = fixed.Sub(indexOut, res.IndexFee)
	res.StableAmount = fixed.Sub(stableOut, res.StableFee)

	if err := tx.addBalance(TreasuryBalance, pair.IndexToken, TreasuryAccount, res.IndexFee); err != nil {
		return nil, err
	}
	if err := tx.addBalance(TreasuryBalance, pair.StableToken, TreasuryAccount, res.StableFee); err != nil {
		return nil, err
	}
	return res, nil
}

// AddLiquidity deposits index and stable tokens into a pair's vault and
// mints LP tokens at the fair price.
func (e *Engine) AddLiquidity(account string, pairIndex uint32, indexAmount, stableAmount *big.Int, updates []PriceUpdate) (*LiquidityResult, error) {
	if indexAmount == nil {
		indexAmount = fixed.Zero()
	}
	if stableAmount == nil {
		stableAmount = fixed.Zero()
	}
	if indexAmount.Sign() < 0 || stableAmount.Sign() < 0 || (indexAmount.Sign() == 0 && stableAmount.Sign() == 0) {
		return nil, fmt.Errorf("%w: deposit amounts", ErrInvalidAmount)
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}

	var res *LiquidityResult
	err := e.update("addLiquidity", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		if !m.Pair.Enable {
			return fmt.Errorf("%w: %d", ErrPairDisabled, pairIndex)
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		supply := e.ledger.TotalSupply(m.Pair.LPToken)

		res, err = tx.addLiquidity(m, account, indexAmount, stableAmount, price, supply)
		if err != nil {
			return err
		}
		if err := tx.pull(m.Pair.IndexToken, account, indexAmount); err != nil {
			return err
		}
		if err := tx.pull(m.Pair.StableToken, account, stableAmount); err != nil {
			return err
		}
		tx.mint(m.Pair.LPToken, account, res.LPAmount)
		tx.emit(EventLiquidityAdded, pairIndex, res)
		return nil
	})
	return res, err
}

// RemoveLiquidity burns LP tokens and pays out the fair value from the free
// part of the vault, split by the available index and stable value.
func (e *Engine) RemoveLiquidity(account string, pairIndex uint32, lpAmount *big.Int, updates []PriceUpdate) (*LiquidityResult, error) {
	if lpAmount == nil || lpAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: lp amount", ErrInvalidAmount)
	}
	if err := e.applyPriceUpdates(updates); err != nil {
		return nil, err
	}

	var res *LiquidityResult
	err := e.update("removeLiquidity", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		price, err := e.price(m)
		if err != nil {
			return err
		}
		supply := e.ledger.TotalSupply(m.Pair.LPToken)

		res, err = tx.removeLiquidity(m, account, lpAmount, price, supply)
		if err != nil {
			return err
		}
		if err := tx.burn(m.Pair.LPToken, account, lpAmount); err != nil {
			return err
		}
		tx.push(m.Pair.IndexToken, account, res.IndexAmount)
		tx.push(m.Pair.StableToken, account, res.StableAmount)
		tx.emit(EventLiquidityRemoved, pairIndex, res)
		return nil
	})
	return res, err
}

// LPFairPrice returns the current 1e30 fair price of one LP base unit.
func (e *Engine) LPFairPrice(pairIndex uint32) (*big.Int, error) {
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
		out = m.lpFairPrice(price, e.ledger.TotalSupply(m.Pair.LPToken))
		return nil
	})
	return out, err
}

// GetVault returns a copy of a pair's vault.
func (e *Engine) GetVault(pairIndex uint32) (*Vault, error) {
	var out *Vault
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		out = m.Vault.Clone()
		return nil
	})
	return out, err
}
