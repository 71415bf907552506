package lx

import (
	"math/big"

	"github.com/luxfi/perps/pkg/fixed"
)

// FeeDistribution is how one trading fee was split
type FeeDistribution struct {
	Total        *big.Int `json:"total"`
	LP           *big.Int `json:"lp"`
	Keeper       *big.Int `json:"keeper"`
	Treasury     *big.Int `json:"treasury"`
	Referral     *big.Int `json:"referral"`
	TraderRebate *big.Int `json:"traderRebate"`
}

// tradingFeeRate returns the effective fee rate after the level discount.
func tradingFeeRate(cfg *TradingFeeConfig, discount *LevelDiscount, tradeType TradeType) *big.Int {
	rate, off := cfg.MakerFeeP, discount.MakerDiscountP
	if tradeType.IsTaker() {
		rate, off = cfg.TakerFeeP, discount.TakerDiscountP
	}
	return fixed.MulDiv(rate, fixed.SubFloor(fixed.Percentage, off), fixed.Percentage)
}

// tradingFee charges size at price with the given rate, in stable units.
func tradingFee(pair *Pair, size, price, rate *big.Int) *big.Int {
	return fixed.ApplyPercent(pair.IndexToStable(size, price), rate)
}

// distributeFee splits fee per the config. The treasury takes the rounding
// remainder so the parts always sum to the fee.
func distributeFee(cfg *TradingFeeConfig, fee, commissionRatio *big.Int) *FeeDistribution {
	d := &FeeDistribution{
		Total:        fixed.New(fee),
		LP:           fixed.ApplyPercent(fee, cfg.LPFeeDistributeP),
		Keeper:       fixed.ApplyPercent(fee, cfg.KeeperFeeDistributeP),
		Referral:     fixed.Zero(),
		TraderRebate: fixed.Zero(),
	}
	referrer := fixed.ApplyPercent(fee, cfg.ReferrerFeeDistributeP)
	if commissionRatio == nil || commissionRatio.Sign() < 0 {
		commissionRatio = fixed.Zero()
	}
	if commissionRatio.Cmp(fixed.Percentage) > 0 {
		commissionRatio = fixed.Percentage
	}
	d.Referral = fixed.ApplyPercent(referrer, commissionRatio)
	d.TraderRebate = fixed.Sub(referrer, d.Referral)

	d.Treasury = fixed.New(fee)
	d.Treasury.Sub(d.Treasury, d.LP)
	d.Treasury.Sub(d.Treasury, d.Keeper)
	d.Treasury.Sub(d.Treasury, referrer)
	return d
}

// creditFee books a distributed fee: the LP share into the vault, the rest
// into claimable balances.
func (tx *Tx) creditFee(m *market, d *FeeDistribution, keeper, trader string) error {
	if d == nil || d.Total.Sign() == 0 {
		return nil
	}
	token := m.Pair.StableToken
	m.Vault.StableTotalAmount.Add(m.Vault.StableTotalAmount, d.LP)
	if err := tx.addBalance(KeeperBalance, token, keeper, d.Keeper); err != nil {
		return err
	}
	if err := tx.addBalance(TreasuryBalance, token, TreasuryAccount, d.Treasury); err != nil {
		return err
	}
	if err := tx.addBalance(ReferralBalance, token, ReferralAccount, d.Referral); err != nil {
		return err
	}
	return tx.addBalance(RebateBalance, token, trader, d.TraderRebate)
}

// claim zeroes a fee balance and pays it out after commit.
func (e *Engine) claim(op string, kind BalanceKind, token, account, to string) (*big.Int, error) {
	var amount *big.Int
	err := e.update(op, func(tx *Tx) error {
		bal, err := tx.balance(kind, token, account)
		if err != nil {
			return err
		}
		amount = bal
		if bal.Sign() == 0 {
			return nil
		}
		if err := tx.addBalance(kind, token, account, fixed.Neg(bal)); err != nil {
			return err
		}
		tx.push(token, to, bal)
		tx.emit(EventFeeClaimed, 0, map[string]interface{}{
			"kind":    kind.String(),
			"token":   token,
			"account": account,
			"to":      to,
			"amount":  bal,
		})
		return nil
	})
	return amount, err
}

// ClaimKeeperFee pays a keeper its accumulated execution fees.
func (e *Engine) ClaimKeeperFee(keeper, token string) (*big.Int, error) {
	return e.claim("claimKeeperFee", KeeperBalance, token, keeper, keeper)
}

// ClaimUserRebate pays a trader its accumulated referral rebate.
func (e *Engine) ClaimUserRebate(account, token string) (*big.Int, error) {
	return e.claim("claimUserRebate", RebateBalance, token, account, account)
}

// ClaimTreasuryFee sends the treasury balance to recipient. Operator only.
func (e *Engine) ClaimTreasuryFee(caller, token, recipient string) (*big.Int, error) {
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	return e.claim("claimTreasuryFee", TreasuryBalance, token, TreasuryAccount, recipient)
}

// ClaimReferralFee sends the referral pool to recipient, the referral
// program's distributor. Operator only.
func (e *Engine) ClaimReferralFee(caller, token, recipient string) (*big.Int, error) {
	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	return e.claim("claimReferralFee", ReferralBalance, token, ReferralAccount, recipient)
}
