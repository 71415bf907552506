package lx

import (
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/perps/pkg/fixed"
)

// InsuranceFund absorbs liquidation bad debt before the LP vault does. It is
// funded by liquidation penalties, one fund per stable token.
type InsuranceFund struct {
	Token            string    `json:"token"`
	Balance          *big.Int  `json:"balance"`
	TotalContributed *big.Int  `json:"totalContributed"`
	TotalCovered     *big.Int  `json:"totalCovered"`
	HighWaterMark    *big.Int  `json:"highWaterMark"`
	CoverageEvents   uint64    `json:"coverageEvents"`
	LastUpdate       time.Time `json:"lastUpdate"`
}

func newInsuranceFund(token string) *InsuranceFund {
	return &InsuranceFund{
		Token:            token,
		Balance:          fixed.Zero(),
		TotalContributed: fixed.Zero(),
		TotalCovered:     fixed.Zero(),
		HighWaterMark:    fixed.Zero(),
	}
}

func (fund *InsuranceFund) AddContribution(amount *big.Int, now time.Time) {
	if amount.Sign() <= 0 {
		return
	}
	fund.Balance.Add(fund.Balance, amount)
	fund.TotalContributed.Add(fund.TotalContributed, amount)
	if fund.Balance.Cmp(fund.HighWaterMark) > 0 {
		fund.HighWaterMark.Set(fund.Balance)
	}
	fund.LastUpdate = now
}

func (fund *InsuranceFund) CanCoverLoss(loss *big.Int) bool {
	return fund.Balance.Cmp(loss) >= 0
}

// CoverLoss pays the whole loss or fails without change.
func (fund *InsuranceFund) CoverLoss(loss *big.Int, now time.Time) error {
	if !fund.CanCoverLoss(loss) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientInsurance, loss, fund.Balance)
	}
	fund.cover(loss, now)
	return nil
}

// CoverUpTo pays as much of loss as the balance allows and returns the amount paid.
func (fund *InsuranceFund) CoverUpTo(loss *big.Int, now time.Time) *big.Int {
	paid := fixed.Min(loss, fund.Balance)
	if paid.Sign() > 0 {
		fund.cover(paid, now)
	}
	return paid
}

func (fund *InsuranceFund) cover(amount *big.Int, now time.Time) {
	fund.Balance.Sub(fund.Balance, amount)
	fund.TotalCovered.Add(fund.TotalCovered, amount)
	fund.CoverageEvents++
	fund.LastUpdate = now
}

// Drawdown returns the fall from the high-water mark as a 1e8 percentage.
func (fund *InsuranceFund) Drawdown() *big.Int {
	if fund.HighWaterMark.Sign() == 0 {
		return fixed.Zero()
	}
	return fixed.MulDiv(fixed.Sub(fund.HighWaterMark, fund.Balance), fixed.Percentage, fund.HighWaterMark)
}

// CoverageRatio returns balance/target as a 1e8 percentage.
func (fund *InsuranceFund) CoverageRatio(target *big.Int) *big.Int {
	if target == nil || target.Sign() == 0 {
		return fixed.Zero()
	}
	return fixed.MulDiv(fund.Balance, fixed.Percentage, target)
}
