package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/config"
	"github.com/luxfi/perps/pkg/events"
	"github.com/luxfi/perps/pkg/keeper"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/marketdata"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/websocket"
	"golang.org/x/sync/errgroup"
)

const observeInterval = 15 * time.Second

// Node owns the engine and every service that exposes it.
type Node struct {
	config  *config.Config
	logger  log.Logger
	db      database.Database
	oracle  *lx.PriceOracle
	engine  *lx.Engine
	metrics *metrics.PerpMetrics
	ws      *websocket.Server
	candles *marketdata.Aggregator
	nats    *events.NATSPublisher
	rpc     *api.JSONRPCServer
	keeper  *keeper.Keeper
}

// NewNode opens the database, builds the engine and registers the
// configured pairs that are not stored yet.
func NewNode(cfg *config.Config, logger log.Logger) (*Node, error) {
	n := &Node{config: cfg, logger: logger}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	n.db = db

	oracleCfg, err := cfg.Oracle.Build()
	if err != nil {
		n.Close()
		return nil, err
	}
	n.oracle = lx.NewPriceOracle(oracleCfg, logger.New("module", "oracle"))

	roles := lx.NewRoleSet(cfg.Roles.Operator)
	for _, k := range cfg.Roles.Keepers {
		roles.AddKeeper(k)
	}

	n.metrics = metrics.NewPerpMetrics("perp", logger.New("module", "metrics"))
	n.ws = websocket.NewServer(nil, logger.New("module", "websocket"), websocket.DefaultConfig())
	n.candles = marketdata.NewAggregator(db, logger.New("module", "marketdata"))
	publishers := events.Multi{n.metrics, n.ws, n.candles}
	if cfg.NATS.URL != "" {
		n.nats, err = events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.New("module", "nats"))
		if err != nil {
			n.Close()
			return nil, err
		}
		publishers = append(publishers, n.nats)
	}

	custody := cfg.Custody
	if custody == "" {
		custody = lx.DefaultCustodyAccount
	}
	n.engine = lx.NewEngine(db, n.oracle, roles, lx.NewMemLedger(),
		lx.WithLogger(logger.New("module", "perps")),
		lx.WithPublisher(publishers),
		lx.WithCustodyAccount(custody),
	)
	n.ws.SetEngine(n.engine)

	if err := n.bootstrapPairs(); err != nil {
		n.Close()
		return nil, err
	}

	n.rpc = api.NewJSONRPCServer(n.engine, logger.New("module", "rpc"), cfg.Server.API(), n.metrics)
	n.rpc.SetCandles(n.candles)
	n.keeper = keeper.New(n.engine, cfg.Keeper, logger.New("module", "keeper"), keeper.WithRecorder(n.metrics))
	return n, nil
}

func openDatabase(cfg config.DatabaseConfig, logger log.Logger) (database.Database, error) {
	if cfg.Type == "memdb" {
		logger.Info("Using in-memory database")
		return manager.NewManager("", nil).New(manager.DefaultMemoryConfig())
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := manager.NewManager(cfg.Path, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open badgerdb at %s: %w", cfg.Path, err)
	}
	logger.Info("BadgerDB opened", "path", cfg.Path)
	return db, nil
}

func (n *Node) bootstrapPairs() error {
	for _, pc := range n.config.Pairs {
		pair, err := pc.Build()
		if err != nil {
			return err
		}
		err = n.engine.AddPair(n.config.Roles.Operator, pair)
		switch {
		case errors.Is(err, lx.ErrPairExists):
			n.logger.Debug("Pair already stored", "pair", pair.Pair.PairIndex)
		case err != nil:
			return fmt.Errorf("add pair %d: %w", pair.Pair.PairIndex, err)
		default:
			n.logger.Info("Pair added", "pair", pair.Pair.PairIndex, "index", pair.Pair.IndexToken, "stable", pair.Pair.StableToken)
		}
	}
	return nil
}

// Run serves RPC, WebSocket and metrics and runs the keeper until ctx is
// cancelled or one of them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	n.ws.Start()
	g.Go(func() error { return n.ws.ListenAndServe(n.config.Server.WSAddr) })
	g.Go(func() error {
		<-ctx.Done()
		n.ws.Stop()
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/rpc", n.rpc)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	g.Go(func() error { return serveHTTP(ctx, n.config.Server.RPCAddr, mux, n.logger) })

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", n.metrics.Handler())
	g.Go(func() error { return serveHTTP(ctx, n.config.Server.MetricsAddr, metricsMux, n.logger) })

	g.Go(func() error {
		n.metrics.CollectSystemMetrics(ctx, observeInterval)
		return nil
	})
	g.Go(func() error {
		n.candles.Run(ctx, time.Second)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(observeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n.observe()
			}
		}
	})
	g.Go(func() error { return n.keeper.Run(ctx) })

	n.logger.Info("perpd running",
		"rpc", n.config.Server.RPCAddr,
		"ws", n.config.Server.WSAddr,
		"metrics", n.config.Server.MetricsAddr,
	)
	return g.Wait()
}

// observe exports vault and insurance balances of every pair.
func (n *Node) observe() {
	pairs, err := n.engine.PairIndexes()
	if err != nil {
		n.logger.Warn("List pairs failed", "error", err)
		return
	}
	for _, idx := range pairs {
		pc, err := n.engine.GetPair(idx)
		if err != nil {
			continue
		}
		if v, err := n.engine.GetVault(idx); err == nil {
			n.metrics.ObserveVault(&pc.Pair, v)
		}
		if fund, err := n.engine.GetInsuranceFund(pc.Pair.StableToken); err == nil {
			n.metrics.ObserveInsurance(fund, pc.Pair.StableDecimals)
		}
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger log.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", addr, err)
	}
	return nil
}

// Close releases the NATS connection and the database.
func (n *Node) Close() {
	if n.nats != nil {
		if err := n.nats.Close(); err != nil {
			n.logger.Warn("NATS drain failed", "error", err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Warn("Database close failed", "error", err)
		}
	}
}
