package lx

import (
	"math/big"
	"time"

	"github.com/luxfi/perps/pkg/fixed"
)

// TradeType distinguishes how an order is triggered
type TradeType int

const (
	Market TradeType = iota
	Limit
	TakeProfit
	StopLoss
)

func (t TradeType) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	case TakeProfit:
		return "TP"
	case StopLoss:
		return "SL"
	default:
		return "UNKNOWN"
	}
}

// IsTaker reports whether the order pays the taker fee.
func (t TradeType) IsTaker() bool { return t == Market }

// Pair represents one tradable market backed by its own liquidity vault
type Pair struct {
	PairIndex         uint32   `json:"pairIndex"`
	IndexToken        string   `json:"indexToken"`
	StableToken       string   `json:"stableToken"`
	LPToken           string   `json:"lpToken"`
	IndexDecimals     uint8    `json:"indexDecimals"`
	StableDecimals    uint8    `json:"stableDecimals"`
	Enable            bool     `json:"enable"`
	KOfSwap           *big.Int `json:"kOfSwap"`           // constant product of the virtual reserves
	InitPrice         *big.Int `json:"initPrice"`         // LP price while supply is zero, 1e30
	ExpectIndexTokenP *big.Int `json:"expectIndexTokenP"` // target index share of pool value
	AddLpFeeP         *big.Int `json:"addLpFeeP"`
	RemoveLpFeeP      *big.Int `json:"removeLpFeeP"`
}

// TradingConfig bounds trade sizes, leverage and price tolerance for a pair
type TradingConfig struct {
	MinLeverage        uint64   `json:"minLeverage"`
	MaxLeverage        uint64   `json:"maxLeverage"`
	MinTradeAmount     *big.Int `json:"minTradeAmount"`
	MaxTradeAmount     *big.Int `json:"maxTradeAmount"`
	MaxPositionAmount  *big.Int `json:"maxPositionAmount"`
	MaintainMarginRate *big.Int `json:"maintainMarginRate"`
	PriceSlipP         *big.Int `json:"priceSlipP"`
	MaxPriceDeviationP *big.Int `json:"maxPriceDeviationP"`
	LiquidationFeeP    *big.Int `json:"liquidationFeeP"`
}

// TradingFeeConfig holds fee rates and how collected fees are split
type TradingFeeConfig struct {
	TakerFeeP              *big.Int `json:"takerFeeP"`
	MakerFeeP              *big.Int `json:"makerFeeP"`
	LPFeeDistributeP       *big.Int `json:"lpFeeDistributeP"`
	KeeperFeeDistributeP   *big.Int `json:"keeperFeeDistributeP"`
	TreasuryFeeDistributeP *big.Int `json:"treasuryFeeDistributeP"`
	ReferrerFeeDistributeP *big.Int `json:"referrerFeeDistributeP"`
}

// LevelDiscount is the fee discount granted to a VIP level
type LevelDiscount struct {
	MakerDiscountP *big.Int `json:"makerDiscountP"`
	TakerDiscountP *big.Int `json:"takerDiscountP"`
}

// FundingFeeConfig parameterises the funding rate curve
type FundingFeeConfig struct {
	MinFundingRate         *big.Int `json:"minFundingRate"`
	MaxFundingRate         *big.Int `json:"maxFundingRate"`
	GrowthRate             *big.Int `json:"growthRate"`
	BaseRate               *big.Int `json:"baseRate"`
	FundingWeightFactor    *big.Int `json:"fundingWeightFactor"`
	LiquidityPremiumFactor *big.Int `json:"liquidityPremiumFactor"`
	FundingInterval        int64    `json:"fundingInterval"` // seconds
}

// Vault holds the real token balances backing a pair
type Vault struct {
	IndexTotalAmount     *big.Int `json:"indexTotalAmount"`
	IndexReservedAmount  *big.Int `json:"indexReservedAmount"`
	StableTotalAmount    *big.Int `json:"stableTotalAmount"`
	StableReservedAmount *big.Int `json:"stableReservedAmount"`
}

// Tracker is the cross-position state of a pair
type Tracker struct {
	LongTracker           *big.Int `json:"longTracker"`
	ShortTracker          *big.Int `json:"shortTracker"`
	LongEntryNotional     *big.Int `json:"longEntryNotional"`
	ShortEntryNotional    *big.Int `json:"shortEntryNotional"`
	GlobalFundingTracker  *big.Int `json:"globalFundingFeeTracker"`
	LastFundingUpdateTime int64    `json:"lastFundingUpdateTime"`
	FundingEpoch          uint64   `json:"fundingEpoch"`
	CurrentFundingRate    *big.Int `json:"currentFundingRate"`
}

// Position is an account's exposure on one side of a pair
type Position struct {
	Key               PositionKey `json:"key"`
	Account           string      `json:"account"`
	PairIndex         uint32      `json:"pairIndex"`
	IsLong            bool        `json:"isLong"`
	PositionAmount    *big.Int    `json:"positionAmount"`
	AveragePrice      *big.Int    `json:"averagePrice"`
	Collateral        *big.Int    `json:"collateral"`
	FundingFeeTracker *big.Int    `json:"fundingFeeTracker"`
	OpenTime          time.Time   `json:"openTime"`
	UpdateTime        time.Time   `json:"updateTime"`
}

// Order is a pending request to increase or decrease a position
type Order struct {
	OrderID      uint64    `json:"orderId"`
	Account      string    `json:"account"`
	PairIndex    uint32    `json:"pairIndex"`
	IsIncrease   bool      `json:"isIncrease"`
	IsLong       bool      `json:"isLong"`
	TradeType    TradeType `json:"tradeType"`
	Collateral   *big.Int  `json:"collateral"` // signed; positive amounts are escrowed
	Price        *big.Int  `json:"price"`      // open price for increases, trigger price for decreases
	SizeAmount   *big.Int  `json:"sizeAmount"`
	ExecutedSize *big.Int  `json:"executedSize"`
	NeedADL      bool      `json:"needADL"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FundingEpoch is one applied funding update
type FundingEpoch struct {
	PairIndex    uint32    `json:"pairIndex"`
	Epoch        uint64    `json:"epoch"`
	Time         time.Time `json:"time"`
	Price        *big.Int  `json:"price"`
	FundingRate  *big.Int  `json:"fundingRate"`
	TrackerDelta *big.Int  `json:"trackerDelta"`
	TrackerAfter *big.Int  `json:"trackerAfter"`
	LongTracker  *big.Int  `json:"longTracker"`
	ShortTracker *big.Int  `json:"shortTracker"`
	LPFunding    *big.Int  `json:"lpFunding"`
	LPUncovered  *big.Int  `json:"lpUncovered"` // owed beyond free stable
}

// RemainingSize returns the unexecuted size of the order.
func (o *Order) RemainingSize() *big.Int {
	return fixed.Sub(o.SizeAmount, o.ExecutedSize)
}

// Clone returns a deep copy of the vault.
func (v *Vault) Clone() *Vault {
	return &Vault{
		IndexTotalAmount:     fixed.New(v.IndexTotalAmount),
		IndexReservedAmount:  fixed.New(v.IndexReservedAmount),
		StableTotalAmount:    fixed.New(v.StableTotalAmount),
		StableReservedAmount: fixed.New(v.StableReservedAmount),
	}
}

// IndexAvailable returns total minus reserved on the index side.
func (v *Vault) IndexAvailable() *big.Int {
	return fixed.SubFloor(v.IndexTotalAmount, v.IndexReservedAmount)
}

// StableAvailable returns total minus reserved on the stable side.
func (v *Vault) StableAvailable() *big.Int {
	return fixed.SubFloor(v.StableTotalAmount, v.StableReservedAmount)
}

func newVault() *Vault {
	return &Vault{
		IndexTotalAmount:     fixed.Zero(),
		IndexReservedAmount:  fixed.Zero(),
		StableTotalAmount:    fixed.Zero(),
		StableReservedAmount: fixed.Zero(),
	}
}

// Clone returns a deep copy of the tracker.
func (t *Tracker) Clone() *Tracker {
	return &Tracker{
		LongTracker:           fixed.New(t.LongTracker),
		ShortTracker:          fixed.New(t.ShortTracker),
		LongEntryNotional:     fixed.New(t.LongEntryNotional),
		ShortEntryNotional:    fixed.New(t.ShortEntryNotional),
		GlobalFundingTracker:  fixed.New(t.GlobalFundingTracker),
		LastFundingUpdateTime: t.LastFundingUpdateTime,
		FundingEpoch:          t.FundingEpoch,
		CurrentFundingRate:    fixed.New(t.CurrentFundingRate),
	}
}

// Exposure returns longTracker - shortTracker.
func (t *Tracker) Exposure() *big.Int {
	return fixed.Sub(t.LongTracker, t.ShortTracker)
}

func newTracker() *Tracker {
	return &Tracker{
		LongTracker:          fixed.Zero(),
		ShortTracker:         fixed.Zero(),
		LongEntryNotional:    fixed.Zero(),
		ShortEntryNotional:   fixed.Zero(),
		GlobalFundingTracker: fixed.Zero(),
		CurrentFundingRate:   fixed.Zero(),
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	c.PositionAmount = fixed.New(p.PositionAmount)
	c.AveragePrice = fixed.New(p.AveragePrice)
	c.Collateral = fixed.New(p.Collateral)
	c.FundingFeeTracker = fixed.New(p.FundingFeeTracker)
	return &c
}

// IsOpen reports whether the position has size.
func (p *Position) IsOpen() bool {
	return p.PositionAmount != nil && p.PositionAmount.Sign() > 0
}
