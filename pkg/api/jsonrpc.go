package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/marketdata"
	"golang.org/x/time/rate"
)

// AccountHeader carries the account an authenticating gateway resolved for
// the request. Mutating methods act on behalf of this account.
const AccountHeader = "X-Perp-Account"

// RPCRecorder receives per-call metrics
type RPCRecorder interface {
	RecordRPC(method string, code int, elapsed time.Duration)
}

// CandleSource serves OHLCV history
type CandleSource interface {
	GetCandles(pairIndex uint32, interval marketdata.Interval, limit int) ([]*marketdata.Candle, error)
}

// Config holds JSON-RPC server limits
type Config struct {
	RateLimit    float64 // requests per second, 0 disables limiting
	RateBurst    int
	MaxBodyBytes int64
}

// DefaultConfig returns the default JSON-RPC limits.
func DefaultConfig() Config {
	return Config{
		RateLimit:    200,
		RateBurst:    400,
		MaxBodyBytes: 1 << 20,
	}
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	engine   *lx.Engine
	logger   log.Logger
	config   Config
	limiter  *rate.Limiter
	recorder RPCRecorder
	candles  CandleSource
}

// NewJSONRPCServer creates a new JSON-RPC server. recorder may be nil.
func NewJSONRPCServer(engine *lx.Engine, logger log.Logger, config Config, recorder RPCRecorder) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "api")
	}
	s := &JSONRPCServer{
		engine:   engine,
		logger:   logger,
		config:   config,
		recorder: recorder,
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return s
}

// SetCandles enables perp_getCandles.
func (s *JSONRPCServer) SetCandles(c CandleSource) { s.candles = c }

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Engine error codes, one per error kind
const (
	PermissionError = -32001
	ValidationError = -32002
	SolvencyError   = -32003
	InvariantError  = -32004
	RateLimited     = -32005
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		s.writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: RateLimited, Message: "rate limited"}})
		return
	}
	if s.config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	start := time.Now()
	result, err := s.handleMethod(r.Header.Get(AccountHeader), req.Method, req.Params)
	code := 0
	if err != nil {
		rpcErr := toRPCError(err)
		code = rpcErr.Code
		if code == InternalError || code == InvariantError {
			s.logger.Error("rpc call failed", "method", req.Method, "error", err)
		} else {
			s.logger.Debug("rpc call rejected", "method", req.Method, "error", err)
		}
		s.sendError(w, req.ID, rpcErr)
	} else {
		s.writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
	}
	if s.recorder != nil {
		s.recorder.RecordRPC(req.Method, code, time.Since(start))
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	s.writeResponse(w, JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: id})
}

func (s *JSONRPCServer) writeResponse(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write rpc response", "error", err)
	}
}

// toRPCError maps engine errors onto error codes by kind.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	kind := lx.KindOf(err)
	code := InternalError
	switch kind {
	case lx.KindPermission:
		code = PermissionError
	case lx.KindValidation:
		code = ValidationError
	case lx.KindSolvency:
		code = SolvencyError
	case lx.KindInvariant:
		code = InvariantError
	}
	return &RPCError{Code: code, Message: err.Error(), Data: kind.String()}
}

// call decodes params into P and runs fn.
func call[P any](params json.RawMessage, fn func(P) (interface{}, error)) (interface{}, error) {
	var p P
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
		}
	}
	return fn(p)
}

type pairParams struct {
	PairIndex uint32 `json:"pairIndex"`
}

type orderParams struct {
	OrderID uint64 `json:"orderId"`
}

type positionParams struct {
	Account   string `json:"account"`
	PairIndex uint32 `json:"pairIndex"`
	IsLong    bool   `json:"isLong"`
}

type executeParams struct {
	OrderID uint64           `json:"orderId"`
	Params  lx.TradeParams   `json:"params"`
	Prices  []lx.PriceUpdate `json:"prices"`
}

type tokenParams struct {
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
}

func (s *JSONRPCServer) handleMethod(caller, method string, params json.RawMessage) (interface{}, error) {
	e := s.engine
	switch method {
	case "perp_ping":
		return "pong", nil

	// Admin methods
	case "perp_addPair":
		return call(params, func(p lx.PairConfig) (interface{}, error) {
			return ok(e.AddPair(caller, p))
		})
	case "perp_updatePair":
		return call(params, func(p struct {
			PairIndex uint32        `json:"pairIndex"`
			Update    lx.PairUpdate `json:"update"`
		}) (interface{}, error) {
			return ok(e.UpdatePair(caller, p.PairIndex, p.Update))
		})
	case "perp_updateTradingConfig":
		return call(params, func(p struct {
			PairIndex uint32           `json:"pairIndex"`
			Config    lx.TradingConfig `json:"config"`
		}) (interface{}, error) {
			return ok(e.UpdateTradingConfig(caller, p.PairIndex, p.Config))
		})
	case "perp_updateTradingFeeConfig":
		return call(params, func(p struct {
			PairIndex uint32              `json:"pairIndex"`
			Config    lx.TradingFeeConfig `json:"config"`
		}) (interface{}, error) {
			return ok(e.UpdateTradingFeeConfig(caller, p.PairIndex, p.Config))
		})
	case "perp_updateFundingFeeConfig":
		return call(params, func(p struct {
			PairIndex uint32              `json:"pairIndex"`
			Config    lx.FundingFeeConfig `json:"config"`
		}) (interface{}, error) {
			return ok(e.UpdateFundingFeeConfig(caller, p.PairIndex, p.Config))
		})
	case "perp_setLevelDiscount":
		return call(params, func(p struct {
			Level    uint8            `json:"level"`
			Discount lx.LevelDiscount `json:"discount"`
		}) (interface{}, error) {
			return ok(e.SetLevelDiscount(caller, p.Level, p.Discount))
		})

	// Liquidity methods
	case "perp_addLiquidity":
		return call(params, func(p struct {
			PairIndex    uint32           `json:"pairIndex"`
			IndexAmount  *big.Int         `json:"indexAmount"`
			StableAmount *big.Int         `json:"stableAmount"`
			Prices       []lx.PriceUpdate `json:"prices"`
		}) (interface{}, error) {
			return e.AddLiquidity(caller, p.PairIndex, p.IndexAmount, p.StableAmount, p.Prices)
		})
	case "perp_removeLiquidity":
		return call(params, func(p struct {
			PairIndex uint32           `json:"pairIndex"`
			LPAmount  *big.Int         `json:"lpAmount"`
			Prices    []lx.PriceUpdate `json:"prices"`
		}) (interface{}, error) {
			return e.RemoveLiquidity(caller, p.PairIndex, p.LPAmount, p.Prices)
		})

	// Order methods
	case "perp_createIncreaseOrder":
		return call(params, func(p lx.IncreaseOrderRequest) (interface{}, error) {
			return e.CreateIncreaseOrder(caller, p)
		})
	case "perp_createDecreaseOrder":
		return call(params, func(p lx.DecreaseOrderRequest) (interface{}, error) {
			return e.CreateDecreaseOrder(caller, p)
		})
	case "perp_cancelIncreaseOrder":
		return call(params, func(p orderParams) (interface{}, error) {
			return ok(e.CancelIncreaseOrder(caller, p.OrderID))
		})
	case "perp_cancelDecreaseOrder":
		return call(params, func(p orderParams) (interface{}, error) {
			return ok(e.CancelDecreaseOrder(caller, p.OrderID))
		})
	case "perp_executeIncreaseOrder":
		return call(params, func(p executeParams) (interface{}, error) {
			return e.ExecuteIncreaseOrder(caller, p.OrderID, p.Params, p.Prices)
		})
	case "perp_executeDecreaseOrder":
		return call(params, func(p executeParams) (interface{}, error) {
			return e.ExecuteDecreaseOrder(caller, p.OrderID, p.Params, p.Prices)
		})
	case "perp_adjustCollateral":
		return call(params, func(p struct {
			PairIndex uint32           `json:"pairIndex"`
			IsLong    bool             `json:"isLong"`
			Delta     *big.Int         `json:"delta"`
			Prices    []lx.PriceUpdate `json:"prices"`
		}) (interface{}, error) {
			return e.AdjustCollateral(caller, p.PairIndex, p.IsLong, p.Delta, p.Prices)
		})

	// Keeper methods
	case "perp_updatePrices":
		return call(params, func(p struct {
			Prices []lx.PriceUpdate `json:"prices"`
		}) (interface{}, error) {
			return ok(e.UpdatePrices(caller, p.Prices))
		})
	case "perp_updateFundingRate":
		return call(params, func(p struct {
			PairIndex uint32           `json:"pairIndex"`
			Prices    []lx.PriceUpdate `json:"prices"`
		}) (interface{}, error) {
			return e.UpdateFundingRate(caller, p.PairIndex, p.Prices)
		})
	case "perp_liquidatePositions":
		return call(params, func(p struct {
			Requests []lx.LiquidationRequest `json:"requests"`
			Prices   []lx.PriceUpdate        `json:"prices"`
		}) (interface{}, error) {
			return e.LiquidatePositions(caller, p.Requests, p.Prices)
		})
	case "perp_executeADLAndDecreaseOrder":
		return call(params, func(p struct {
			ADLPositions []lx.ADLPosition `json:"adlPositions"`
			OrderID      uint64           `json:"orderId"`
			Params       lx.TradeParams   `json:"params"`
			Prices       []lx.PriceUpdate `json:"prices"`
		}) (interface{}, error) {
			return e.ExecuteADLAndDecreaseOrder(caller, p.ADLPositions, p.OrderID, p.Params, p.Prices)
		})

	// Fee claims
	case "perp_claimKeeperFee":
		return call(params, func(p tokenParams) (interface{}, error) {
			return e.ClaimKeeperFee(caller, p.Token)
		})
	case "perp_claimUserRebate":
		return call(params, func(p tokenParams) (interface{}, error) {
			return e.ClaimUserRebate(caller, p.Token)
		})
	case "perp_claimTreasuryFee":
		return call(params, func(p tokenParams) (interface{}, error) {
			return e.ClaimTreasuryFee(caller, p.Token, p.Recipient)
		})
	case "perp_claimReferralFee":
		return call(params, func(p tokenParams) (interface{}, error) {
			return e.ClaimReferralFee(caller, p.Token, p.Recipient)
		})

	// Views
	case "perp_getPair":
		return call(params, func(p pairParams) (interface{}, error) {
			return e.GetPair(p.PairIndex)
		})
	case "perp_listPairs":
		return e.PairIndexes()
	case "perp_getVault":
		return call(params, func(p pairParams) (interface{}, error) {
			return e.GetVault(p.PairIndex)
		})
	case "perp_getTracker":
		return call(params, func(p pairParams) (interface{}, error) {
			return e.GetTracker(p.PairIndex)
		})
	case "perp_lpFairPrice":
		return call(params, func(p pairParams) (interface{}, error) {
			return e.LPFairPrice(p.PairIndex)
		})
	case "perp_getPosition":
		return call(params, func(p positionParams) (interface{}, error) {
			return e.GetPosition(p.Account, p.PairIndex, p.IsLong)
		})
	case "perp_listPositions":
		return call(params, func(p positionParams) (interface{}, error) {
			return e.ListPositions(p.PairIndex, p.IsLong)
		})
	case "perp_getOrder":
		return call(params, func(p orderParams) (interface{}, error) {
			return e.GetOrder(p.OrderID)
		})
	case "perp_listOrders":
		return call(params, func(p struct {
			Account string `json:"account"`
		}) (interface{}, error) {
			return e.ListOrders(p.Account)
		})
	case "perp_getTradingFee":
		return call(params, func(p struct {
			PairIndex  uint32       `json:"pairIndex"`
			SizeAmount *big.Int     `json:"sizeAmount"`
			Price      *big.Int     `json:"price"`
			TradeType  lx.TradeType `json:"tradeType"`
			Level      uint8        `json:"level"`
		}) (interface{}, error) {
			if p.SizeAmount == nil {
				return nil, &RPCError{Code: InvalidParams, Message: "sizeAmount required"}
			}
			return e.GetTradingFee(p.PairIndex, p.SizeAmount, p.Price, p.TradeType, p.Level)
		})
	case "perp_getFundingFee":
		return call(params, func(p positionParams) (interface{}, error) {
			return e.GetFundingFee(p.Account, p.PairIndex, p.IsLong)
		})
	case "perp_getFundingHistory":
		return call(params, func(p struct {
			PairIndex uint32 `json:"pairIndex"`
			Limit     int    `json:"limit"`
		}) (interface{}, error) {
			return e.GetFundingHistory(p.PairIndex, p.Limit)
		})
	case "perp_predictFundingRate":
		return call(params, func(p pairParams) (interface{}, error) {
			return e.PredictFundingRate(p.PairIndex)
		})
	case "perp_needADL":
		return call(params, func(p struct {
			PairIndex  uint32   `json:"pairIndex"`
			IsLong     bool     `json:"isLong"`
			SizeAmount *big.Int `json:"sizeAmount"`
			Price      *big.Int `json:"price"`
		}) (interface{}, error) {
			if p.SizeAmount == nil {
				return nil, &RPCError{Code: InvalidParams, Message: "sizeAmount required"}
			}
			need, shortfall, err := e.NeedADL(p.PairIndex, p.IsLong, p.SizeAmount, p.Price)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"need": need, "needADLAmount": shortfall}, nil
		})
	case "perp_selectADLCandidates":
		return call(params, func(p struct {
			PairIndex uint32   `json:"pairIndex"`
			IsLong    bool     `json:"isLong"`
			Shortfall *big.Int `json:"shortfall"`
		}) (interface{}, error) {
			if p.Shortfall == nil {
				return nil, &RPCError{Code: InvalidParams, Message: "shortfall required"}
			}
			return e.SelectADLCandidates(p.PairIndex, p.IsLong, p.Shortfall)
		})
	case "perp_getRiskState":
		return call(params, func(p struct {
			PositionKey lx.PositionKey `json:"positionKey"`
		}) (interface{}, error) {
			return e.GetRiskState(p.PositionKey)
		})
	case "perp_getInsuranceFund":
		return call(params, func(p tokenParams) (interface{}, error) {
			return e.GetInsuranceFund(p.Token)
		})
	case "perp_getBalance":
		return call(params, func(p struct {
			Kind    string `json:"kind"`
			Token   string `json:"token"`
			Account string `json:"account"`
		}) (interface{}, error) {
			kind, err := parseBalanceKind(p.Kind)
			if err != nil {
				return nil, err
			}
			return e.GetBalance(kind, p.Token, p.Account)
		})
	case "perp_getCandles":
		if s.candles == nil {
			return nil, &RPCError{Code: MethodNotFound, Message: "Candles not enabled"}
		}
		return call(params, func(p struct {
			PairIndex uint32 `json:"pairIndex"`
			Interval  string `json:"interval"`
			Limit     int    `json:"limit"`
		}) (interface{}, error) {
			iv, err := marketdata.ParseInterval(p.Interval)
			if err != nil {
				return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
			}
			return s.candles.GetCandles(p.PairIndex, iv, p.Limit)
		})

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func ok(err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func parseBalanceKind(s string) (lx.BalanceKind, error) {
	for _, k := range []lx.BalanceKind{lx.KeeperBalance, lx.TreasuryBalance, lx.ReferralBalance, lx.RebateBalance} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("unknown balance kind %q", s)}
}
