package lx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/perps/pkg/fixed"
	"golang.org/x/crypto/sha3"
)

// PositionKey identifies a position: keccak256(account, pairIndex, isLong).
type PositionKey [32]byte

// NewPositionKey derives the key of an account's position on one side of a pair.
func NewPositionKey(account string, pairIndex uint32, isLong bool) PositionKey {
	var buf [5]byte
	binary.BigEndian.PutUint32(buf[:4], pairIndex)
	if isLong {
		buf[4] = 1
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(account))
	h.Write(buf[:])
	var key PositionKey
	copy(key[:], h.Sum(nil))
	return key
}

func (k PositionKey) String() string { return "0x" + hex.EncodeToString(k[:]) }

func (k PositionKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PositionKey) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return fmt.Errorf("invalid position key %q", string(text))
	}
	copy(k[:], b)
	return nil
}

// ParsePositionKey decodes a hex position key.
func ParsePositionKey(s string) (PositionKey, error) {
	var k PositionKey
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// Less orders keys bytewise.
func (k PositionKey) Less(o PositionKey) bool {
	for i := range k {
		if k[i] != o[i] {
			return k[i] < o[i]
		}
	}
	return false
}

// IndexToStable converts an index amount to stable units at price.
func (p *Pair) IndexToStable(amount, price *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, price)
	den := new(big.Int).Mul(fixed.PricePrecision, fixed.Pow10(p.IndexDecimals))
	return fixed.MulDiv(num, fixed.Pow10(p.StableDecimals), den)
}

// IndexToStableUp is IndexToStable rounded up.
func (p *Pair) IndexToStableUp(amount, price *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, price)
	den := new(big.Int).Mul(fixed.PricePrecision, fixed.Pow10(p.IndexDecimals))
	return fixed.MulDivUp(num, fixed.Pow10(p.StableDecimals), den)
}

// StableToIndex converts a stable amount to index units at price.
func (p *Pair) StableToIndex(amount, price *big.Int) *big.Int {
	if price.Sign() == 0 {
		return fixed.Zero()
	}
	num := new(big.Int).Mul(amount, fixed.PricePrecision)
	num.Mul(num, fixed.Pow10(p.IndexDecimals))
	den := new(big.Int).Mul(price, fixed.Pow10(p.StableDecimals))
	return fixed.MulDiv(num, big.NewInt(1), den)
}

// StableToIndexUp is StableToIndex rounded up.
func (p *Pair) StableToIndexUp(amount, price *big.Int) *big.Int {
	if price.Sign() == 0 {
		return fixed.Zero()
	}
	num := new(big.Int).Mul(amount, fixed.PricePrecision)
	num.Mul(num, fixed.Pow10(p.IndexDecimals))
	den := new(big.Int).Mul(price, fixed.Pow10(p.StableDecimals))
	return fixed.MulDivUp(num, big.NewInt(1), den)
}

// Validate checks a pair definition.
func (p *Pair) Validate() error {
	switch {
	case p.IndexToken == "" || p.StableToken == "" || p.LPToken == "":
		return fmt.Errorf("%w: pair tokens must be set", ErrInvalidConfig)
	case p.IndexToken == p.StableToken:
		return fmt.Errorf("%w: index and stable token must differ", ErrInvalidConfig)
	case p.KOfSwap == nil || p.KOfSwap.Sign() < 0:
		return fmt.Errorf("%w: kOfSwap", ErrInvalidConfig)
	case p.InitPrice == nil || p.InitPrice.Sign() <= 0:
		return fmt.Errorf("%w: initPrice must be positive", ErrInvalidConfig)
	}
	if err := checkPercent("expectIndexTokenP", p.ExpectIndexTokenP); err != nil {
		return err
	}
	if err := checkPercent("addLpFeeP", p.AddLpFeeP); err != nil {
		return err
	}
	return checkPercent("removeLpFeeP", p.RemoveLpFeeP)
}

// Validate checks trading bounds.
func (c *TradingConfig) Validate() error {
	switch {
	case c.MinLeverage == 0 || c.MaxLeverage < c.MinLeverage:
		return fmt.Errorf("%w: leverage bounds", ErrInvalidConfig)
	case c.MinTradeAmount == nil || c.MaxTradeAmount == nil || c.MaxPositionAmount == nil:
		return fmt.Errorf("%w: trade amounts must be set", ErrInvalidConfig)
	case c.MinTradeAmount.Sign() <= 0 || c.MaxTradeAmount.Cmp(c.MinTradeAmount) < 0:
		return fmt.Errorf("%w: trade amount bounds", ErrInvalidConfig)
	case c.MaxPositionAmount.Cmp(c.MinTradeAmount) < 0:
		return fmt.Errorf("%w: maxPositionAmount", ErrInvalidConfig)
	}
	for name, v := range map[string]*big.Int{
		"maintainMarginRate": c.MaintainMarginRate,
		"priceSlipP":         c.PriceSlipP,
		"maxPriceDeviationP": c.MaxPriceDeviationP,
		"liquidationFeeP":    c.LiquidationFeeP,
	} {
		if err := checkPercent(name, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks fee rates and that the distribution splits sum to 100%.
func (c *TradingFeeConfig) Validate() error {
	sum := new(big.Int)
	for name, v := range map[string]*big.Int{
		"takerFeeP":              c.TakerFeeP,
		"makerFeeP":              c.MakerFeeP,
		"lpFeeDistributeP":       c.LPFeeDistributeP,
		"keeperFeeDistributeP":   c.KeeperFeeDistributeP,
		"treasuryFeeDistributeP": c.TreasuryFeeDistributeP,
		"referrerFeeDistributeP": c.ReferrerFeeDistributeP,
	} {
		if err := checkPercent(name, v); err != nil {
			return err
		}
	}
	sum.Add(sum, c.LPFeeDistributeP)
	sum.Add(sum, c.KeeperFeeDistributeP)
	sum.Add(sum, c.TreasuryFeeDistributeP)
	sum.Add(sum, c.ReferrerFeeDistributeP)
	if sum.Cmp(fixed.Percentage) != 0 {
		return fmt.Errorf("%w: fee distribution sums to %s, want %s", ErrInvalidConfig, sum, fixed.Percentage)
	}
	return nil
}

// Validate checks the funding curve parameters.
func (c *FundingFeeConfig) Validate() error {
	if c.FundingInterval <= 0 || c.FundingInterval > fixed.SecondsPerDay {
		return fmt.Errorf("%w: fundingInterval must be in (0, 86400]", ErrInvalidConfig)
	}
	for name, v := range map[string]*big.Int{
		"minFundingRate":         c.MinFundingRate,
		"maxFundingRate":         c.MaxFundingRate,
		"growthRate":             c.GrowthRate,
		"baseRate":               c.BaseRate,
		"fundingWeightFactor":    c.FundingWeightFactor,
		"liquidityPremiumFactor": c.LiquidityPremiumFactor,
	} {
		if v == nil || v.Sign() < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, name)
		}
	}
	if c.FundingWeightFactor.Cmp(fixed.Percentage) > 0 {
		return fmt.Errorf("%w: fundingWeightFactor above 100%%", ErrInvalidConfig)
	}
	if c.MaxFundingRate.Cmp(c.MinFundingRate) < 0 {
		return fmt.Errorf("%w: maxFundingRate below minFundingRate", ErrInvalidConfig)
	}
	return nil
}

func checkPercent(name string, v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.Cmp(fixed.Percentage) > 0 {
		return fmt.Errorf("%w: %s must be within [0, 100%%]", ErrInvalidConfig, name)
	}
	return nil
}

// DefaultTradingFeeConfig returns a 0.05% taker / 0.02% maker schedule.
func DefaultTradingFeeConfig() TradingFeeConfig {
	return TradingFeeConfig{
		TakerFeeP:              big.NewInt(50_000),
		MakerFeeP:              big.NewInt(20_000),
		LPFeeDistributeP:       fixed.Percent(60),
		KeeperFeeDistributeP:   fixed.Percent(10),
		TreasuryFeeDistributeP: fixed.Percent(20),
		ReferrerFeeDistributeP: fixed.Percent(10),
	}
}

// DefaultFundingFeeConfig returns an hourly funding schedule.
func DefaultFundingFeeConfig() FundingFeeConfig {
	return FundingFeeConfig{
		MinFundingRate:         fixed.Zero(),
		MaxFundingRate:         big.NewInt(500_000), // 0.5% per day
		GrowthRate:             big.NewInt(2_000_000),
		BaseRate:               big.NewInt(20_000),
		FundingWeightFactor:    fixed.New(fixed.Percentage),
		LiquidityPremiumFactor: big.NewInt(10_000),
		FundingInterval:        3600,
	}
}

// clone helpers keep stored records immune to caller mutation

func clonePair(p *Pair) *Pair {
	c := *p
	c.KOfSwap = fixed.New(p.KOfSwap)
	c.InitPrice = fixed.New(p.InitPrice)
	c.ExpectIndexTokenP = fixed.New(p.ExpectIndexTokenP)
	c.AddLpFeeP = fixed.New(p.AddLpFeeP)
	c.RemoveLpFeeP = fixed.New(p.RemoveLpFeeP)
	return &c
}

func cloneJSON[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		panic(err)
	}
	return out
}
