// Package keeper drives the keeper-only engine operations on a schedule:
// funding epochs, liquidation sweeps and execution of pending orders.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
	"golang.org/x/sync/errgroup"
)

// Loop names reported to the Recorder.
const (
	LoopFunding     = "funding"
	LoopLiquidation = "liquidation"
	LoopOrders      = "orders"
)

// maxCatchUp bounds how many overdue funding epochs one pass applies per pair.
const maxCatchUp = 24

// Recorder receives the outcome of every loop pass.
type Recorder interface {
	RecordKeeper(loop string, err error)
}

// Config controls the keeper loops. A zero interval disables that loop.
type Config struct {
	Account             string        `mapstructure:"account"`
	FundingInterval     time.Duration `mapstructure:"funding_interval"`
	LiquidationInterval time.Duration `mapstructure:"liquidation_interval"`
	OrderInterval       time.Duration `mapstructure:"order_interval"`
}

// DefaultConfig returns the intervals perpd runs with.
func DefaultConfig() Config {
	return Config{
		Account:             "keeper",
		FundingInterval:     time.Minute,
		LiquidationInterval: 2 * time.Second,
		OrderInterval:       time.Second,
	}
}

// Keeper runs scheduled keeper work against one engine.
type Keeper struct {
	engine   *lx.Engine
	config   Config
	logger   log.Logger
	recorder Recorder
	now      func() time.Time
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithClock overrides the clock used to decide whether funding is due.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) { k.now = now }
}

// WithRecorder reports loop outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(k *Keeper) { k.recorder = r }
}

// New creates a keeper acting as config.Account.
func New(engine *lx.Engine, config Config, logger log.Logger, opts ...Option) *Keeper {
	if logger == nil {
		logger = log.Root().New("module", "keeper")
	}
	k := &Keeper{
		engine: engine,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run starts every enabled loop and blocks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	k.every(ctx, g, LoopFunding, k.config.FundingInterval, func() error {
		_, err := k.UpdateFunding()
		return err
	})
	k.every(ctx, g, LoopLiquidation, k.config.LiquidationInterval, func() error {
		_, err := k.ScanLiquidations()
		return err
	})
	k.every(ctx, g, LoopOrders, k.config.OrderInterval, func() error {
		_, err := k.ExecuteOrders()
		return err
	})
	k.logger.Info("Keeper started", "account", k.config.Account)
	err := g.Wait()
	k.logger.Info("Keeper stopped")
	return err
}

func (k *Keeper) every(ctx context.Context, g *errgroup.Group, loop string, interval time.Duration, pass func() error) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				err := pass()
				if err != nil {
					k.logger.Warn("Keeper pass failed", "loop", loop, "error", err)
				}
				if k.recorder != nil {
					k.recorder.RecordKeeper(loop, err)
				}
			}
		}
	})
}

// UpdateFunding applies every due funding epoch of every pair and returns
// the epochs applied. Pairs that fail are logged and skipped.
func (k *Keeper) UpdateFunding() ([]*lx.FundingEpoch, error) {
	pairs, err := k.engine.PairIndexes()
	if err != nil {
		return nil, err
	}
	var (
		epochs []*lx.FundingEpoch
		errs   []error
	)
	for _, idx := range pairs {
		for i := 0; i < maxCatchUp; i++ {
			next, err := k.engine.NextFundingTime(idx)
			if err != nil {
				errs = append(errs, fmt.Errorf("pair %d: %w", idx, err))
				break
			}
			if !next.IsZero() && k.now().Before(next) {
				break
			}
			ep, err := k.engine.UpdateFundingRate(k.config.Account, idx, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("pair %d: %w", idx, err))
				break
			}
			if ep == nil {
				if next.IsZero() {
					// schedule initialised
					continue
				}
				break
			}
			k.logger.Debug("Funding applied", "pair", idx, "epoch", ep.Epoch, "rate", ep.FundingRate)
			epochs = append(epochs, ep)
		}
	}
	return epochs, errors.Join(errs...)
}

// ScanLiquidations liquidates every position the engine reports as
// liquidatable, one batch per pair.
func (k *Keeper) ScanLiquidations() ([]*lx.LiquidationResult, error) {
	pairs, err := k.engine.PairIndexes()
	if err != nil {
		return nil, err
	}
	var (
		liquidated []*lx.LiquidationResult
		errs       []error
	)
	for _, idx := range pairs {
		var reqs []lx.LiquidationRequest
		for _, isLong := range []bool{true, false} {
			positions, err := k.engine.ListPositions(idx, isLong)
			if err != nil {
				errs = append(errs, fmt.Errorf("pair %d: %w", idx, err))
				continue
			}
			for _, p := range positions {
				report, err := k.engine.GetRiskState(p.Key)
				if err != nil {
					errs = append(errs, fmt.Errorf("position %s: %w", p.Key, err))
					continue
				}
				if report.State == lx.Liquidatable {
					reqs = append(reqs, lx.LiquidationRequest{PositionKey: p.Key})
				}
			}
		}
		if len(reqs) == 0 {
			continue
		}
		results, err := k.engine.LiquidatePositions(k.config.Account, reqs, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("pair %d: %w", idx, err))
			continue
		}
		for _, res := range results {
			if !res.Liquidated {
				k.logger.Warn("Liquidation skipped", "position", res.PositionKey, "reason", res.Reason)
				continue
			}
			k.logger.Info("Position liquidated", "position", res.PositionKey, "badDebt", res.Change.BadDebt)
			liquidated = append(liquidated, res)
		}
	}
	return liquidated, errors.Join(errs...)
}

// Execution is the outcome of one order the keeper acted on.
type Execution struct {
	Order  *lx.Order
	Result *lx.ExecutionResult
	ADL    []*lx.PositionChange
}

// ExecuteOrders tries every pending order once. Orders whose trigger is not
// reached stay pending silently; orders flagged for ADL are settled through
// an automatically selected ADL batch.
func (k *Keeper) ExecuteOrders() ([]*Execution, error) {
	orders, err := k.engine.ListOrders("")
	if err != nil {
		return nil, err
	}
	var (
		done []*Execution
		errs []error
	)
	for _, o := range orders {
		params := lx.TradeParams{TradeType: o.TradeType}
		exec := &Execution{Order: o}
		switch {
		case o.NeedADL:
			var res *lx.ADLResult
			res, err = k.engine.ExecuteADLAndDecreaseOrder(k.config.Account, nil, o.OrderID, params, nil)
			if err == nil {
				exec.Result, exec.ADL = res.Execution, res.Reductions
			}
		case o.IsIncrease:
			exec.Result, err = k.engine.ExecuteIncreaseOrder(k.config.Account, o.OrderID, params, nil)
		default:
			exec.Result, err = k.engine.ExecuteDecreaseOrder(k.config.Account, o.OrderID, params, nil)
		}
		if errors.Is(err, lx.ErrTriggerNotReached) {
			continue
		}
		if err != nil {
			k.logger.Debug("Order not executed", "order", o.OrderID, "error", err)
			errs = append(errs, fmt.Errorf("order %d: %w", o.OrderID, err))
			continue
		}
		done = append(done, exec)
	}
	return done, errors.Join(errs...)
}
