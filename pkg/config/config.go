// Package config loads perpd settings from a YAML file and PERP_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/keeper"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Roles    RolesConfig    `mapstructure:"roles"`
	Keeper   keeper.Config  `mapstructure:"keeper"`
	Custody  string         `mapstructure:"custody_account"`
	Pairs    []PairConfig   `mapstructure:"pairs"`
}

type ServerConfig struct {
	RPCAddr      string  `mapstructure:"rpc_addr"`
	WSAddr       string  `mapstructure:"ws_addr"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	RateBurst    int     `mapstructure:"rate_burst"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
}

// API returns the JSON-RPC server settings.
func (s ServerConfig) API() api.Config {
	return api.Config{RateLimit: s.RateLimit, RateBurst: s.RateBurst, MaxBodyBytes: s.MaxBodyBytes}
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"` // badgerdb or memdb
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty disables the NATS publisher
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type OracleConfig struct {
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	MaxChange         string        `mapstructure:"max_change"` // fraction of one, empty disables the breaker
	AutoResetDuration time.Duration `mapstructure:"auto_reset_duration"`
}

// Build converts the settings into an lx.OracleConfig.
func (o OracleConfig) Build() (lx.OracleConfig, error) {
	out := lx.OracleConfig{
		StaleThreshold:    o.StaleThreshold,
		AutoResetDuration: o.AutoResetDuration,
	}
	if o.MaxChange != "" {
		p, err := fixed.ParsePercent(o.MaxChange)
		if err != nil {
			return out, fmt.Errorf("oracle.max_change: %w", err)
		}
		out.MaxChangeP = p
	}
	return out, nil
}

type RolesConfig struct {
	Operator string   `mapstructure:"operator"`
	Keepers  []string `mapstructure:"keepers"`
}

// PairConfig is the human-readable form of an lx.PairConfig. Amounts are
// decimal strings in whole tokens, prices in whole stable per index and
// rates as fractions of one ("0.01" for 1%).
type PairConfig struct {
	PairIndex      uint32 `mapstructure:"pair_index"`
	IndexToken     string `mapstructure:"index_token"`
	StableToken    string `mapstructure:"stable_token"`
	LPToken        string `mapstructure:"lp_token"`
	IndexDecimals  uint8  `mapstructure:"index_decimals"`
	StableDecimals uint8  `mapstructure:"stable_decimals"`
	Disabled       bool   `mapstructure:"disabled"`
	KOfSwap        string `mapstructure:"k_of_swap"` // raw units
	InitPrice      string `mapstructure:"init_price"`
	ExpectIndex    string `mapstructure:"expect_index"`
	AddLPFee       string `mapstructure:"add_lp_fee"`
	RemoveLPFee    string `mapstructure:"remove_lp_fee"`

	Trading TradingConfig  `mapstructure:"trading"`
	Fee     *FeeConfig     `mapstructure:"fee"`
	Funding *FundingConfig `mapstructure:"funding"`
}

type TradingConfig struct {
	MinLeverage       uint64 `mapstructure:"min_leverage"`
	MaxLeverage       uint64 `mapstructure:"max_leverage"`
	MinTradeAmount    string `mapstructure:"min_trade_amount"`
	MaxTradeAmount    string `mapstructure:"max_trade_amount"`
	MaxPositionAmount string `mapstructure:"max_position_amount"`
	MaintainMargin    string `mapstructure:"maintain_margin"`
	PriceSlip         string `mapstructure:"price_slip"`
	MaxPriceDeviation string `mapstructure:"max_price_deviation"`
	LiquidationFee    string `mapstructure:"liquidation_fee"`
}

type FeeConfig struct {
	Taker    string `mapstructure:"taker"`
	Maker    string `mapstructure:"maker"`
	LP       string `mapstructure:"lp_share"`
	Keeper   string `mapstructure:"keeper_share"`
	Treasury string `mapstructure:"treasury_share"`
	Referrer string `mapstructure:"referrer_share"`
}

type FundingConfig struct {
	MinRate          string        `mapstructure:"min_rate"`
	MaxRate          string        `mapstructure:"max_rate"`
	GrowthRate       string        `mapstructure:"growth_rate"`
	BaseRate         string        `mapstructure:"base_rate"`
	WeightFactor     string        `mapstructure:"weight_factor"`
	LiquidityPremium string        `mapstructure:"liquidity_premium"`
	Interval         time.Duration `mapstructure:"interval"`
}

// parser collects the first error so conversions read as a flat list.
type parser struct {
	prefix string
	err    error
}

func (p *parser) parse(field, s string, decimals int32) *big.Int {
	if s == "" {
		return fixed.Zero()
	}
	v, err := fixed.Parse(s, decimals)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s.%s: %w", p.prefix, field, err)
	}
	if err != nil {
		return fixed.Zero()
	}
	return v
}

func (p *parser) percent(field, s string) *big.Int {
	return p.parse(field, s, fixed.PercentageDecimals)
}

// Build converts the pair into an lx.PairConfig. Missing fee or funding
// sections take the engine defaults. Validation is left to the engine.
func (c PairConfig) Build() (lx.PairConfig, error) {
	p := &parser{prefix: fmt.Sprintf("pairs[%d]", c.PairIndex)}
	idx := int32(c.IndexDecimals)

	out := lx.PairConfig{
		Pair: lx.Pair{
			PairIndex:         c.PairIndex,
			IndexToken:        c.IndexToken,
			StableToken:       c.StableToken,
			LPToken:           c.LPToken,
			IndexDecimals:     c.IndexDecimals,
			StableDecimals:    c.StableDecimals,
			Enable:            !c.Disabled,
			KOfSwap:           p.parse("k_of_swap", c.KOfSwap, 0),
			InitPrice:         p.parse("init_price", c.InitPrice, fixed.PriceDecimals),
			ExpectIndexTokenP: p.percent("expect_index", c.ExpectIndex),
			AddLpFeeP:         p.percent("add_lp_fee", c.AddLPFee),
			RemoveLpFeeP:      p.percent("remove_lp_fee", c.RemoveLPFee),
		},
		Trading: lx.TradingConfig{
			MinLeverage:        c.Trading.MinLeverage,
			MaxLeverage:        c.Trading.MaxLeverage,
			MinTradeAmount:     p.parse("trading.min_trade_amount", c.Trading.MinTradeAmount, idx),
			MaxTradeAmount:     p.parse("trading.max_trade_amount", c.Trading.MaxTradeAmount, idx),
			MaxPositionAmount:  p.parse("trading.max_position_amount", c.Trading.MaxPositionAmount, idx),
			MaintainMarginRate: p.percent("trading.maintain_margin", c.Trading.MaintainMargin),
			PriceSlipP:         p.percent("trading.price_slip", c.Trading.PriceSlip),
			MaxPriceDeviationP: p.percent("trading.max_price_deviation", c.Trading.MaxPriceDeviation),
			LiquidationFeeP:    p.percent("trading.liquidation_fee", c.Trading.LiquidationFee),
		},
		Fee:     lx.DefaultTradingFeeConfig(),
		Funding: lx.DefaultFundingFeeConfig(),
	}
	if f := c.Fee; f != nil {
		out.Fee = lx.TradingFeeConfig{
			TakerFeeP:              p.percent("fee.taker", f.Taker),
			MakerFeeP:              p.percent("fee.maker", f.Maker),
			LPFeeDistributeP:       p.percent("fee.lp_share", f.LP),
			KeeperFeeDistributeP:   p.percent("fee.keeper_share", f.Keeper),
			TreasuryFeeDistributeP: p.percent("fee.treasury_share", f.Treasury),
			ReferrerFeeDistributeP: p.percent("fee.referrer_share", f.Referrer),
		}
	}
	if f := c.Funding; f != nil {
		out.Funding = lx.FundingFeeConfig{
			MinFundingRate:         p.percent("funding.min_rate", f.MinRate),
			MaxFundingRate:         p.percent("funding.max_rate", f.MaxRate),
			GrowthRate:             p.percent("funding.growth_rate", f.GrowthRate),
			BaseRate:               p.percent("funding.base_rate", f.BaseRate),
			FundingWeightFactor:    p.percent("funding.weight_factor", f.WeightFactor),
			LiquidityPremiumFactor: p.percent("funding.liquidity_premium", f.LiquidityPremium),
			FundingInterval:        int64(f.Interval / time.Second),
		}
	}
	return out, p.err
}

// Load reads configPath, or config.yaml from the usual locations when empty,
// and applies PERP_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perpd")
	}

	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the settings that the engine does not.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "badgerdb", "memdb":
	default:
		return fmt.Errorf("database.type %q: want badgerdb or memdb", c.Database.Type)
	}
	if c.Database.Type == "badgerdb" && c.Database.Path == "" {
		return errors.New("database.path is required for badgerdb")
	}
	if c.Roles.Operator == "" {
		return errors.New("roles.operator is required")
	}
	seen := make(map[uint32]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if seen[p.PairIndex] {
			return fmt.Errorf("pairs: index %d listed twice", p.PairIndex)
		}
		seen[p.PairIndex] = true
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.rpc_addr", ":8080")
	v.SetDefault("server.ws_addr", ":8081")
	v.SetDefault("server.metrics_addr", ":9090")
	rpc := api.DefaultConfig()
	v.SetDefault("server.rate_limit", rpc.RateLimit)
	v.SetDefault("server.rate_burst", rpc.RateBurst)
	v.SetDefault("server.max_body_bytes", rpc.MaxBodyBytes)

	v.SetDefault("database.type", "badgerdb")
	v.SetDefault("database.path", "./data/perpd")
	v.SetDefault("logging.level", "info")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "perp")

	v.SetDefault("oracle.stale_threshold", time.Minute)
	v.SetDefault("oracle.max_change", "0.1")
	v.SetDefault("oracle.auto_reset_duration", 5*time.Minute)

	v.SetDefault("roles.operator", "operator")
	v.SetDefault("roles.keepers", []string{"keeper"})
	v.SetDefault("custody_account", lx.DefaultCustodyAccount)

	k := keeper.DefaultConfig()
	v.SetDefault("keeper.account", k.Account)
	v.SetDefault("keeper.funding_interval", k.FundingInterval)
	v.SetDefault("keeper.liquidation_interval", k.LiquidationInterval)
	v.SetDefault("keeper.order_interval", k.OrderInterval)
}
