package lx

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
)

// DefaultCustodyAccount holds every token deposited into the engine.
const DefaultCustodyAccount = "perp-custody"

// Engine is the single accounting service for all pairs. Every mutating
// call is serialised and runs as one atomic transition: state changes are
// staged in an overlay, invariants are checked, the overlay commits, and only
// then are payouts executed and events published.
type Engine struct {
	db        database.Database
	oracle    PriceFeed
	access    AccessControl
	ledger    TokenLedger
	publisher EventPublisher
	custody   string
	now       func() time.Time
	logger    log.Logger

	mu sync.RWMutex
	// pubMu is taken before mu is released so events leave in commit order
	pubMu sync.Mutex
}

// Option customises an Engine
type Option func(*Engine)

func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithCustodyAccount(account string) Option {
	return func(e *Engine) { e.custody = account }
}

// NewEngine creates an engine over db.
func NewEngine(db database.Database, oracle PriceFeed, access AccessControl, ledger TokenLedger, opts ...Option) *Engine {
	e := &Engine{
		db:        db,
		oracle:    oracle,
		access:    access,
		ledger:    ledger,
		publisher: nopPublisher{},
		custody:   DefaultCustodyAccount,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.Root().New("module", "perps")
	}
	return e
}

// CustodyAccount returns the account holding deposited tokens.
func (e *Engine) CustodyAccount() string { return e.custody }

// Oracle returns the engine's price feed.
func (e *Engine) Oracle() PriceFeed { return e.oracle }

// update runs fn as one atomic call.
func (e *Engine) update(op string, fn func(tx *Tx) error) error {
	e.mu.Lock()
	tx := newTx(e.db, e.ledger, e.custody, e.now())
	if err := fn(tx); err != nil {
		e.rollback(op, tx, err)
		e.mu.Unlock()
		return err
	}
	if err := tx.finish(); err != nil {
		e.rollback(op, tx, err)
		e.mu.Unlock()
		return err
	}
	payoutErrs := tx.settle()
	e.pubMu.Lock()
	e.mu.Unlock()
	defer e.pubMu.Unlock()

	for _, err := range payoutErrs {
		e.logger.Error("Payout failed after commit", "op", op, "error", err)
	}
	for _, ev := range tx.events {
		if err := e.publisher.Publish(ev); err != nil {
			e.logger.Warn("Failed to publish event", "type", ev.Type, "error", err)
		}
	}
	e.logger.Debug("Committed", "op", op, "events", len(tx.events))
	return nil
}

func (e *Engine) rollback(op string, tx *Tx, err error) {
	for _, rerr := range tx.abort() {
		e.logger.Error("Refund failed on abort", "op", op, "error", rerr)
	}
	if errors.Is(err, ErrInvariantViolation) {
		e.logger.Error("Invariant violated, call reverted", "op", op, "error", err)
		return
	}
	e.logger.Debug("Call reverted", "op", op, "error", err)
}

// view runs a read-only fn against the committed state.
func (e *Engine) view(fn func(tx *Tx) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := newTx(e.db, e.ledger, e.custody, e.now())
	defer tx.vdb.Abort()
	return fn(tx)
}

func (e *Engine) price(m *market) (*big.Int, error) {
	price, err := e.oracle.GetPrice(m.Pair.IndexToken)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotAvailable, m.Pair.IndexToken)
	}
	return price, nil
}

// UpdatePrices pushes keeper price updates to the oracle without any other
// state change. Keeper only.
func (e *Engine) UpdatePrices(caller string, updates []PriceUpdate) error {
	if err := e.requireKeeper(caller); err != nil {
		return err
	}
	return e.applyPriceUpdates(updates)
}

func (e *Engine) applyPriceUpdates(updates []PriceUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return e.oracle.UpdatePrices(updates)
}

func (e *Engine) requireKeeper(caller string) error {
	if !e.access.IsKeeper(caller) && !e.access.IsOperator(caller) {
		return fmt.Errorf("%w: %s", ErrNotKeeper, caller)
	}
	return nil
}

func (e *Engine) requireOperator(caller string) error {
	if !e.access.IsOperator(caller) {
		return fmt.Errorf("%w: %s", ErrNotOperator, caller)
	}
	return nil
}

// PairConfig bundles a pair with its per-pair configs
type PairConfig struct {
	Pair    Pair             `json:"pair"`
	Trading TradingConfig    `json:"trading"`
	Fee     TradingFeeConfig `json:"fee"`
	Funding FundingFeeConfig `json:"funding"`
}

// Validate checks all parts of the pair config.
func (c *PairConfig) Validate() error {
	if err := c.Pair.Validate(); err != nil {
		return err
	}
	if err := c.Trading.Validate(); err != nil {
		return err
	}
	if err := c.Fee.Validate(); err != nil {
		return err
	}
	return c.Funding.Validate()
}

// AddPair registers a new market. Operator only.
func (e *Engine) AddPair(caller string, cfg PairConfig) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.update("addPair", func(tx *Tx) error {
		m := &market{
			Pair:    clonePair(&cfg.Pair),
			Trading: cloneJSON(&cfg.Trading),
			Fee:     cloneJSON(&cfg.Fee),
			Funding: cloneJSON(&cfg.Funding),
			Vault:   newVault(),
			Tracker: newTracker(),
		}
		if err := tx.createMarket(m); err != nil {
			return err
		}
		tx.emit(EventPairAdded, cfg.Pair.PairIndex, cfg)
		return nil
	})
}

// PairUpdate carries the mutable fields of a pair. Identity fields are fixed.
type PairUpdate struct {
	Enable            bool     `json:"enable"`
	KOfSwap           *big.Int `json:"kOfSwap"`
	InitPrice         *big.Int `json:"initPrice"`
	ExpectIndexTokenP *big.Int `json:"expectIndexTokenP"`
	AddLpFeeP         *big.Int `json:"addLpFeeP"`
	RemoveLpFeeP      *big.Int `json:"removeLpFeeP"`
}

// UpdatePair changes a pair's mutable config. Operator only.
func (e *Engine) UpdatePair(caller string, pairIndex uint32, u PairUpdate) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	return e.update("updatePair", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		next := clonePair(m.Pair)
		next.Enable = u.Enable
		next.KOfSwap = fixed.New(u.KOfSwap)
		next.InitPrice = fixed.New(u.InitPrice)
		next.ExpectIndexTokenP = fixed.New(u.ExpectIndexTokenP)
		next.AddLpFeeP = fixed.New(u.AddLpFeeP)
		next.RemoveLpFeeP = fixed.New(u.RemoveLpFeeP)
		if err := next.Validate(); err != nil {
			return err
		}
		m.Pair = next
		tx.emit(EventConfigUpdated, pairIndex, next)
		return nil
	})
}

// UpdateTradingConfig replaces a pair's trading config. Operator only.
func (e *Engine) UpdateTradingConfig(caller string, pairIndex uint32, cfg TradingConfig) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.update("updateTradingConfig", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		m.Trading = cloneJSON(&cfg)
		tx.emit(EventConfigUpdated, pairIndex, cfg)
		return nil
	})
}

// UpdateTradingFeeConfig replaces a pair's fee config. Operator only.
func (e *Engine) UpdateTradingFeeConfig(caller string, pairIndex uint32, cfg TradingFeeConfig) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.update("updateTradingFeeConfig", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		m.Fee = cloneJSON(&cfg)
		tx.emit(EventConfigUpdated, pairIndex, cfg)
		return nil
	})
}

// UpdateFundingFeeConfig replaces a pair's funding config. Operator only.
func (e *Engine) UpdateFundingFeeConfig(caller string, pairIndex uint32, cfg FundingFeeConfig) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.update("updateFundingFeeConfig", func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		m.Funding = cloneJSON(&cfg)
		tx.emit(EventConfigUpdated, pairIndex, cfg)
		return nil
	})
}

// SetLevelDiscount sets the fee discount of a VIP level. Operator only.
func (e *Engine) SetLevelDiscount(caller string, level uint8, d LevelDiscount) error {
	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if err := checkPercent("makerDiscountP", d.MakerDiscountP); err != nil {
		return err
	}
	if err := checkPercent("takerDiscountP", d.TakerDiscountP); err != nil {
		return err
	}
	return e.update("setLevelDiscount", func(tx *Tx) error {
		return tx.putLevelDiscount(level, &d)
	})
}

// GetPair returns a pair and its configs.
func (e *Engine) GetPair(pairIndex uint32) (*PairConfig, error) {
	var out *PairConfig
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		out = &PairConfig{
			Pair:    *clonePair(m.Pair),
			Trading: *cloneJSON(m.Trading),
			Fee:     *cloneJSON(m.Fee),
			Funding: *cloneJSON(m.Funding),
		}
		return nil
	})
	return out, err
}

// PairIndexes lists registered pairs in creation order.
func (e *Engine) PairIndexes() ([]uint32, error) {
	var out []uint32
	err := e.view(func(tx *Tx) error {
		var err error
		out, err = tx.pairIndexes()
		return err
	})
	return out, err
}

// GetTracker returns a copy of a pair's cross-position trackers.
func (e *Engine) GetTracker(pairIndex uint32) (*Tracker, error) {
	var out *Tracker
	err := e.view(func(tx *Tx) error {
		m, err := tx.market(pairIndex)
		if err != nil {
			return err
		}
		out = m.Tracker.Clone()
		return nil
	})
	return out, err
}

// GetBalance returns a claimable fee balance.
func (e *Engine) GetBalance(kind BalanceKind, token, account string) (*big.Int, error) {
	var out *big.Int
	err := e.view(func(tx *Tx) error {
		var err error
		out, err = tx.balance(kind, token, account)
		return err
	})
	return out, err
}

// GetInsuranceFund returns the insurance fund of a stable token.
func (e *Engine) GetInsuranceFund(token string) (*InsuranceFund, error) {
	var out *InsuranceFund
	err := e.view(func(tx *Tx) error {
		var err error
		out, err = tx.insuranceFund(token)
		return err
	})
	return out, err
}
