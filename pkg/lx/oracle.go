package lx

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
)

// PriceFeed supplies one authoritative 1e30 price per index token. The
// engine reads it once per call and treats the value as trusted.
type PriceFeed interface {
	GetPrice(token string) (*big.Int, error)
	UpdatePrices(updates []PriceUpdate) error
}

// PriceUpdate is a signed-off price pushed alongside a user call
type PriceUpdate struct {
	Token     string    `json:"token"`
	Price     *big.Int  `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// PriceData represents the latest accepted price for a token
type PriceData struct {
	Token     string    `json:"token"`
	Price     *big.Int  `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// PriceCircuitBreaker rejects updates that jump too far from the last valid price
type PriceCircuitBreaker struct {
	Token             string
	MaxChangeP        *big.Int
	LastValidPrice    *big.Int
	LastValidTime     time.Time
	TripCount         int
	Tripped           bool
	AutoResetDuration time.Duration
	TrippedAt         time.Time
}

// Check accepts newPrice and records it, or trips the breaker.
func (pcb *PriceCircuitBreaker) Check(newPrice *big.Int, now time.Time) bool {
	if pcb.LastValidPrice == nil || pcb.LastValidPrice.Sign() == 0 {
		pcb.LastValidPrice = fixed.New(newPrice)
		pcb.LastValidTime = now
		return true
	}

	if pcb.Tripped && pcb.AutoResetDuration > 0 && now.Sub(pcb.TrippedAt) > pcb.AutoResetDuration {
		pcb.Reset()
	}
	if pcb.Tripped {
		return false
	}

	if pcb.MaxChangeP != nil && pcb.MaxChangeP.Sign() > 0 {
		change := fixed.MulDiv(fixed.Abs(fixed.Sub(newPrice, pcb.LastValidPrice)), fixed.Percentage, pcb.LastValidPrice)
		if change.Cmp(pcb.MaxChangeP) > 0 {
			pcb.Trip(now)
			return false
		}
	}

	pcb.LastValidPrice = fixed.New(newPrice)
	pcb.LastValidTime = now
	return true
}

func (pcb *PriceCircuitBreaker) Trip(now time.Time) {
	pcb.Tripped = true
	pcb.TrippedAt = now
	pcb.TripCount++
}

func (pcb *PriceCircuitBreaker) Reset() {
	pcb.Tripped = false
}

// OracleMetrics tracks oracle activity
type OracleMetrics struct {
	TotalUpdates        uint64
	RejectedUpdates     uint64
	StaleDetections     uint64
	CircuitBreakerTrips uint64
	LastUpdate          time.Time
}

// OracleConfig configures a PriceOracle
type OracleConfig struct {
	StaleThreshold    time.Duration // zero disables staleness checks
	MaxChangeP        *big.Int      // zero disables the circuit breaker
	AutoResetDuration time.Duration
}

// PriceOracle is an in-memory PriceFeed fed by keeper price updates
type PriceOracle struct {
	prices          map[string]*PriceData
	circuitBreakers map[string]*PriceCircuitBreaker
	config          OracleConfig
	metrics         OracleMetrics
	now             func() time.Time
	logger          log.Logger
	mu              sync.RWMutex
}

// NewPriceOracle creates an empty oracle.
func NewPriceOracle(config OracleConfig, logger log.Logger) *PriceOracle {
	if logger == nil {
		logger = log.Root().New("module", "oracle")
	}
	return &PriceOracle{
		prices:          make(map[string]*PriceData),
		circuitBreakers: make(map[string]*PriceCircuitBreaker),
		config:          config,
		now:             time.Now,
		logger:          logger,
	}
}

// SetClock replaces the time source, for tests and replays.
func (po *PriceOracle) SetClock(now func() time.Time) {
	po.mu.Lock()
	po.now = now
	po.mu.Unlock()
}

// GetPrice returns the latest accepted price for token.
func (po *PriceOracle) GetPrice(token string) (*big.Int, error) {
	data, err := po.GetPriceData(token)
	if err != nil {
		return nil, err
	}
	return data.Price, nil
}

// GetPriceData returns the latest accepted price record for token.
func (po *PriceOracle) GetPriceData(token string) (*PriceData, error) {
	po.mu.RLock()
	data, ok := po.prices[token]
	now := po.now()
	po.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotAvailable, token)
	}
	if po.config.StaleThreshold > 0 && now.Sub(data.Timestamp) > po.config.StaleThreshold {
		po.mu.Lock()
		po.metrics.StaleDetections++
		po.mu.Unlock()
		return nil, fmt.Errorf("%w: %s last updated %s", ErrStalePrice, token, data.Timestamp.Format(time.RFC3339))
	}
	return &PriceData{Token: data.Token, Price: fixed.New(data.Price), Timestamp: data.Timestamp, Source: data.Source}, nil
}

// UpdatePrices applies a batch of updates. Older or non-positive prices are
// rejected, as are jumps beyond the circuit breaker threshold.
func (po *PriceOracle) UpdatePrices(updates []PriceUpdate) error {
	po.mu.Lock()
	defer po.mu.Unlock()

	now := po.now()
	for _, u := range updates {
		if u.Price == nil || u.Price.Sign() <= 0 {
			po.metrics.RejectedUpdates++
			return fmt.Errorf("%w: non-positive price for %s", ErrInvalidAmount, u.Token)
		}
		ts := u.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if cur, ok := po.prices[u.Token]; ok && ts.Before(cur.Timestamp) {
			po.metrics.RejectedUpdates++
			continue
		}

		breaker := po.breaker(u.Token)
		wasTripped := breaker.Tripped
		if !breaker.Check(u.Price, now) {
			po.metrics.RejectedUpdates++
			if !wasTripped {
				po.metrics.CircuitBreakerTrips++
				po.logger.Warn("Price circuit breaker tripped", "token", u.Token, "price", fixed.FormatPrice(u.Price))
			}
			return fmt.Errorf("%w: %s", ErrCircuitBreaker, u.Token)
		}

		source := u.Source
		if source == "" {
			source = "keeper"
		}
		po.prices[u.Token] = &PriceData{Token: u.Token, Price: fixed.New(u.Price), Timestamp: ts, Source: source}
		po.metrics.TotalUpdates++
		po.metrics.LastUpdate = now
	}
	return nil
}

// SetPrice is a single-token UpdatePrices stamped with the oracle clock.
func (po *PriceOracle) SetPrice(token string, price *big.Int) error {
	return po.UpdatePrices([]PriceUpdate{{Token: token, Price: price}})
}

// ResetCircuitBreaker re-arms a tripped breaker and forgets its reference price.
func (po *PriceOracle) ResetCircuitBreaker(token string) {
	po.mu.Lock()
	defer po.mu.Unlock()
	if b, ok := po.circuitBreakers[token]; ok {
		b.Reset()
		b.LastValidPrice = nil
	}
}

// Metrics returns a snapshot of oracle counters.
func (po *PriceOracle) Metrics() OracleMetrics {
	po.mu.RLock()
	defer po.mu.RUnlock()
	return po.metrics
}

func (po *PriceOracle) breaker(token string) *PriceCircuitBreaker {
	b, ok := po.circuitBreakers[token]
	if !ok {
		b = &PriceCircuitBreaker{
			Token:             token,
			MaxChangeP:        po.config.MaxChangeP,
			AutoResetDuration: po.config.AutoResetDuration,
		}
		po.circuitBreakers[token] = b
	}
	return b
}
