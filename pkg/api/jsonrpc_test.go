package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/fixed"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/lx/lxtest"
	"github.com/luxfi/perps/pkg/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      interface{}     `json:"id"`
}

type fakeRecorder struct {
	mu    sync.Mutex
	codes map[string][]int
}

func (f *fakeRecorder) RecordRPC(method string, code int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codes == nil {
		f.codes = make(map[string][]int)
	}
	f.codes[method] = append(f.codes[method], code)
}

func newTestServer(t *testing.T, config Config) (*JSONRPCServer, *lxtest.Env, *fakeRecorder) {
	env := lxtest.NewEnv(t)
	level, _ := log.ToLevel("error")
	rec := &fakeRecorder{}
	return NewJSONRPCServer(env.Engine, log.NewTestLogger(level), config, rec), env, rec
}

func doRaw(t *testing.T, s *JSONRPCServer, caller, body string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	if caller != "" {
		req.Header.Set(AccountHeader, caller)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var resp rpcResponse
	if w.Code == http.StatusOK || w.Code == http.StatusTooManyRequests {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func do(t *testing.T, s *JSONRPCServer, caller, method string, params interface{}) rpcResponse {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  json.RawMessage(raw),
		"id":      1,
	})
	require.NoError(t, err)
	w, resp := doRaw(t, s, caller, string(body))
	require.Equal(t, http.StatusOK, w.Code)
	return resp
}

func TestJSONRPCServer_Protocol(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	t.Run("ping", func(t *testing.T) {
		w, resp := doRaw(t, s, "", `{"jsonrpc":"2.0","method":"perp_ping","id":7}`)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.Equal(t, `"pong"`, string(resp.Result))
		assert.Equal(t, float64(7), resp.ID)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, resp := doRaw(t, s, "", `{"jsonrpc":`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ParseError, resp.Error.Code)
	})

	t.Run("invalid version", func(t *testing.T) {
		_, resp := doRaw(t, s, "", `{"jsonrpc":"1.0","method":"perp_ping","id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, resp := doRaw(t, s, "", `{"jsonrpc":"2.0","method":"lx_placeOrder","id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("invalid params", func(t *testing.T) {
		_, resp := doRaw(t, s, "", `{"jsonrpc":"2.0","method":"perp_getVault","params":{"pairIndex":"one"},"id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/rpc", nil)
			w := httptest.NewRecorder()
			s.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestJSONRPCServer_ErrorKinds(t *testing.T) {
	s, _, rec := newTestServer(t, Config{})

	resp := do(t, s, lxtest.Alice, "perp_addPair", lxtest.PairConfig())
	require.NotNil(t, resp.Error)
	assert.Equal(t, PermissionError, resp.Error.Code)
	assert.Equal(t, "permission", resp.Error.Data)

	resp = do(t, s, "", "perp_getVault", pairParams{PairIndex: 9})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ValidationError, resp.Error.Code)

	resp = do(t, s, lxtest.Alice, "perp_addLiquidity", map[string]interface{}{
		"pairIndex":    lxtest.PairIndex,
		"stableAmount": lxtest.E18(1000),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, SolvencyError, resp.Error.Code)

	assert.Equal(t, []int{PermissionError}, rec.codes["perp_addPair"])
	assert.Equal(t, []int{SolvencyError}, rec.codes["perp_addLiquidity"])
}

func TestJSONRPCServer_TradeLifecycle(t *testing.T) {
	s, env, rec := newTestServer(t, Config{})
	env.Fund(lxtest.LP, lxtest.IndexToken, lxtest.E18(100))
	env.Fund(lxtest.LP, lxtest.StableToken, lxtest.E18(3_000_000))
	env.Fund(lxtest.Alice, lxtest.StableToken, lxtest.E18(30000))

	resp := do(t, s, lxtest.LP, "perp_addLiquidity", map[string]interface{}{
		"pairIndex":    lxtest.PairIndex,
		"indexAmount":  lxtest.E18(100),
		"stableAmount": lxtest.E18(3_000_000),
	})
	require.Nil(t, resp.Error)
	var added lx.LiquidityResult
	require.NoError(t, json.Unmarshal(resp.Result, &added))
	assert.Equal(t, lxtest.E18(6_000_000), added.LPAmount)

	resp = do(t, s, lxtest.Alice, "perp_createIncreaseOrder", lx.IncreaseOrderRequest{
		PairIndex:  lxtest.PairIndex,
		IsLong:     true,
		TradeType:  lx.Market,
		Collateral: lxtest.E18(30000),
		OpenPrice:  fixed.Price(30000),
		SizeAmount: lxtest.E18(5),
	})
	require.Nil(t, resp.Error)
	var order lx.Order
	require.NoError(t, json.Unmarshal(resp.Result, &order))

	// only keepers execute
	resp = do(t, s, lxtest.Alice, "perp_executeIncreaseOrder", executeParams{OrderID: order.OrderID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, PermissionError, resp.Error.Code)

	resp = do(t, s, lxtest.Keeper, "perp_executeIncreaseOrder", executeParams{
		OrderID: order.OrderID,
		Params:  lx.TradeParams{TradeType: lx.Market},
	})
	require.Nil(t, resp.Error)
	var exec lx.ExecutionResult
	require.NoError(t, json.Unmarshal(resp.Result, &exec))
	assert.True(t, exec.Filled)

	resp = do(t, s, "", "perp_getPosition", positionParams{Account: lxtest.Alice, PairIndex: lxtest.PairIndex, IsLong: true})
	require.Nil(t, resp.Error)
	var pos lx.Position
	require.NoError(t, json.Unmarshal(resp.Result, &pos))
	assert.Equal(t, lxtest.E18(5), pos.PositionAmount)
	assert.Equal(t, fixed.Price(30000), pos.AveragePrice)

	resp = do(t, s, "", "perp_getRiskState", map[string]interface{}{"positionKey": pos.Key})
	require.Nil(t, resp.Error)
	var report lx.RiskReport
	require.NoError(t, json.Unmarshal(resp.Result, &report))
	assert.Equal(t, lx.Healthy, report.State)

	resp = do(t, s, "", "perp_needADL", map[string]interface{}{
		"pairIndex":  lxtest.PairIndex,
		"isLong":     true,
		"sizeAmount": lxtest.E18(5),
	})
	require.Nil(t, resp.Error)
	var need struct {
		Need bool `json:"need"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &need))
	assert.False(t, need.Need)

	resp = do(t, s, lxtest.Keeper, "perp_claimKeeperFee", tokenParams{Token: lxtest.StableToken})
	require.Nil(t, resp.Error)
	assert.Equal(t, fixed.MustParse("7.5", 18), env.Ledger.BalanceOf(lxtest.StableToken, lxtest.Keeper))

	resp = do(t, s, "", "perp_getBalance", map[string]string{"kind": "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	assert.Equal(t, []int{0}, rec.codes["perp_createIncreaseOrder"])
}

func TestJSONRPCServer_RateLimit(t *testing.T) {
	s, _, _ := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 1})

	w, resp := doRaw(t, s, "", `{"jsonrpc":"2.0","method":"perp_ping","id":1}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp.Error)

	w, resp = doRaw(t, s, "", `{"jsonrpc":"2.0","method":"perp_ping","id":2}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, RateLimited, resp.Error.Code)
}

func TestJSONRPCServer_BodySizeLimit(t *testing.T) {
	s, _, _ := newTestServer(t, Config{MaxBodyBytes: 64})
	body := `{"jsonrpc":"2.0","method":"perp_ping","params":{"pad":"` + string(bytes.Repeat([]byte("x"), 128)) + `"},"id":1}`
	_, resp := doRaw(t, s, "", body)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)
}

func TestJSONRPCServer_Prices(t *testing.T) {
	s, env, _ := newTestServer(t, Config{})
	prices := map[string]interface{}{
		"prices": []lx.PriceUpdate{{Token: lxtest.IndexToken, Price: fixed.Price(31000)}},
	}

	resp := do(t, s, lxtest.Alice, "perp_updatePrices", prices)
	require.NotNil(t, resp.Error)
	assert.Equal(t, PermissionError, resp.Error.Code)

	resp = do(t, s, lxtest.Keeper, "perp_updatePrices", prices)
	require.Nil(t, resp.Error)
	p, err := env.Oracle.GetPrice(lxtest.IndexToken)
	require.NoError(t, err)
	assert.Equal(t, fixed.Price(31000), p)
}

func TestJSONRPCServer_Candles(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})
	params := map[string]interface{}{"pairIndex": lxtest.PairIndex, "interval": "1m"}

	resp := do(t, s, "", "perp_getCandles", params)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)

	level, _ := log.ToLevel("error")
	agg := marketdata.NewAggregator(memdb.New(), log.NewTestLogger(level), marketdata.Interval1m)
	require.NoError(t, agg.AddFill(lxtest.PairIndex, time.Unix(1_700_000_000, 0), fixed.Price(30000), lxtest.E18(2)))
	s.SetCandles(agg)

	resp = do(t, s, "", "perp_getCandles", params)
	require.Nil(t, resp.Error)
	var candles []marketdata.Candle
	require.NoError(t, json.Unmarshal(resp.Result, &candles))
	require.Len(t, candles, 1)
	assert.Equal(t, lxtest.E18(2), candles[0].Volume)

	resp = do(t, s, "", "perp_getCandles", map[string]interface{}{"pairIndex": lxtest.PairIndex, "interval": "7m"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}
