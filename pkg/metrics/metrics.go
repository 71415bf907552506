package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ lx.EventPublisher = (*PerpMetrics)(nil)

// PerpMetrics exports engine, RPC and keeper activity to Prometheus. It
// subscribes to the engine as an event publisher.
type PerpMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Engine metrics
	events          *prometheus.CounterVec
	ordersExecuted  *prometheus.CounterVec
	liquidations    prometheus.Counter
	badDebtEvents   prometheus.Counter
	adlReductions   prometheus.Counter
	fundingRate     *prometheus.GaugeVec
	vaultAmount     *prometheus.GaugeVec
	insuranceAmount *prometheus.GaugeVec

	// RPC and keeper metrics
	rpcRequests *prometheus.CounterVec
	rpcLatency  *prometheus.HistogramVec
	keeperRuns  *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewPerpMetrics creates the collectors on a private registry.
func NewPerpMetrics(namespace string, logger log.Logger) *PerpMetrics {
	if logger == nil {
		logger = log.Root().New("module", "metrics")
	}
	registry := prometheus.NewRegistry()

	m := &PerpMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Committed engine events by type",
		}, []string{"type"}),

		ordersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Executed orders by direction and outcome",
		}, []string{"direction", "outcome"}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Positions force-closed by the liquidator",
		}),

		badDebtEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_debt_events_total",
			Help:      "Liquidations that left bad debt",
		}),

		adlReductions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adl_reductions_total",
			Help:      "Positions reduced by auto-deleveraging",
		}),

		fundingRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funding_rate",
			Help:      "Last applied funding rate per interval as a fraction",
		}, []string{"pair"}),

		vaultAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_amount",
			Help:      "Vault balances in whole tokens",
		}, []string{"pair", "token", "kind"}),

		insuranceAmount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "insurance_fund_balance",
			Help:      "Insurance fund balance in whole tokens",
		}, []string{"token"}),

		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and result code",
		}, []string{"method", "code"}),

		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "JSON-RPC handling latency",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"method"}),

		keeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keeper_runs_total",
			Help:      "Keeper loop iterations by loop and result",
		}, []string{"loop", "result"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.events,
		m.ordersExecuted,
		m.liquidations,
		m.badDebtEvents,
		m.adlReductions,
		m.fundingRate,
		m.vaultAmount,
		m.insuranceAmount,
		m.rpcRequests,
		m.rpcLatency,
		m.keeperRuns,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *PerpMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *PerpMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Publish updates counters from a committed engine event.
func (m *PerpMetrics) Publish(ev *lx.Event) error {
	m.events.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case lx.EventOrderExecuted:
		res, ok := ev.Data.(*lx.ExecutionResult)
		if !ok || res.Order == nil {
			break
		}
		direction := "decrease"
		if res.Order.IsIncrease {
			direction = "increase"
		}
		outcome := "partial"
		switch {
		case res.Filled:
			outcome = "filled"
		case res.Cancelled:
			outcome = "cancelled"
		}
		m.ordersExecuted.WithLabelValues(direction, outcome).Inc()

	case lx.EventOrderNeedADL:
		m.ordersExecuted.WithLabelValues("decrease", "need_adl").Inc()

	case lx.EventPositionLiquidated:
		m.liquidations.Inc()
		if c, ok := ev.Data.(*lx.PositionChange); ok && c.BadDebt != nil && c.BadDebt.Sign() > 0 {
			m.badDebtEvents.Inc()
		}

	case lx.EventADLExecuted:
		m.adlReductions.Inc()

	case lx.EventFundingUpdated:
		if ep, ok := ev.Data.(*lx.FundingEpoch); ok {
			m.fundingRate.WithLabelValues(pairLabel(ev.PairIndex)).Set(fixed.ToFloat(ep.FundingRate, fixed.PercentageDecimals))
		}
	}
	return nil
}

// ObserveVault exports the balances of a pair's vault.
func (m *PerpMetrics) ObserveVault(pair *lx.Pair, v *lx.Vault) {
	label := pairLabel(pair.PairIndex)
	index, stable := int32(pair.IndexDecimals), int32(pair.StableDecimals)
	m.vaultAmount.WithLabelValues(label, pair.IndexToken, "total").Set(fixed.ToFloat(v.IndexTotalAmount, index))
	m.vaultAmount.WithLabelValues(label, pair.IndexToken, "reserved").Set(fixed.ToFloat(v.IndexReservedAmount, index))
	m.vaultAmount.WithLabelValues(label, pair.StableToken, "total").Set(fixed.ToFloat(v.StableTotalAmount, stable))
	m.vaultAmount.WithLabelValues(label, pair.StableToken, "reserved").Set(fixed.ToFloat(v.StableReservedAmount, stable))
}

// ObserveInsurance exports an insurance fund balance.
func (m *PerpMetrics) ObserveInsurance(fund *lx.InsuranceFund, decimals uint8) {
	m.insuranceAmount.WithLabelValues(fund.Token).Set(fixed.ToFloat(fund.Balance, int32(decimals)))
}

// RecordRPC records one JSON-RPC call. code is 0 on success.
func (m *PerpMetrics) RecordRPC(method string, code int, elapsed time.Duration) {
	m.rpcRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.rpcLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordKeeper records one keeper iteration.
func (m *PerpMetrics) RecordKeeper(loop string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keeperRuns.WithLabelValues(loop, result).Inc()
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (m *PerpMetrics) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func pairLabel(pairIndex uint32) string {
	return strconv.FormatUint(uint64(pairIndex), 10)
}
