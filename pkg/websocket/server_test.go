package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/lx"
	"github.com/luxfi/perps/pkg/lx/lxtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Server, *lxtest.Env, string) {
	env := lxtest.NewEnv(t)
	level, _ := log.ToLevel("error")
	s := NewServer(env.Engine, log.NewTestLogger(level), DefaultConfig())
	s.Start()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
	})
	return s, env, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := read(t, conn)
	require.Equal(t, "welcome", welcome.Type)
	return conn
}

type received struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	PairIndex uint32          `json:"pairIndex"`
	Data      json.RawMessage `json:"data"`
	Sequence  uint64          `json:"sequence"`
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(SubscribeRequest{Type: "subscribe", Channels: channels}))
}

func TestSubscribeSendsSnapshot(t *testing.T) {
	_, env, url := newTestHub(t)
	env.SeedLiquidity(lxtest.E18(10), lxtest.E18(300000))
	conn := dial(t, url)

	subscribe(t, conn, PairChannel(lxtest.PairIndex))
	snap := read(t, conn)
	require.Equal(t, "snapshot", snap.Type)
	assert.Equal(t, "pair:1", snap.Channel)

	var body PairSnapshot
	require.NoError(t, json.Unmarshal(snap.Data, &body))
	assert.Equal(t, lxtest.E18(10), body.Vault.IndexTotalAmount)
	assert.Equal(t, lxtest.E18(300000), body.Vault.StableTotalAmount)

	assert.Equal(t, "subscribed", read(t, conn).Type)
}

func TestEventsRoutedByPair(t *testing.T) {
	s, _, url := newTestHub(t)
	pairConn := dial(t, url)
	allConn := dial(t, url)

	subscribe(t, pairConn, PairChannel(lxtest.PairIndex))
	require.Equal(t, "snapshot", read(t, pairConn).Type)
	require.Equal(t, "subscribed", read(t, pairConn).Type)
	subscribe(t, allConn, ChannelAll)
	require.Equal(t, "subscribed", read(t, allConn).Type)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Publish(&lx.Event{Type: lx.EventFundingUpdated, PairIndex: 2, Time: now}))
	require.NoError(t, s.Publish(&lx.Event{Type: lx.EventOrderCreated, PairIndex: lxtest.PairIndex, Time: now}))

	// the pair subscriber skips pair 2
	msg := read(t, pairConn)
	assert.Equal(t, lx.EventOrderCreated, msg.Type)
	assert.Equal(t, "pair:1", msg.Channel)

	first, second := read(t, allConn), read(t, allConn)
	assert.Equal(t, lx.EventFundingUpdated, first.Type)
	assert.Equal(t, lx.EventOrderCreated, second.Type)
	assert.Equal(t, ChannelAll, second.Channel)
	assert.Less(t, first.Sequence, second.Sequence)
}

func TestEngineEventsReachClients(t *testing.T) {
	level, _ := log.ToLevel("error")
	s := NewServer(nil, log.NewTestLogger(level), DefaultConfig())
	s.Start()
	srv := httptest.NewServer(s.Handler())
	defer func() {
		srv.Close()
		s.Stop()
	}()

	pub := lxtest.NewEnv(t, lx.WithPublisher(s))
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	subscribe(t, conn, ChannelAll)
	require.Equal(t, "subscribed", read(t, conn).Type)

	pub.SeedLiquidity(lxtest.E18(1), lxtest.E18(30000))
	assert.Equal(t, lx.EventLiquidityAdded, read(t, conn).Type)
}

func TestClientErrors(t *testing.T) {
	_, _, url := newTestHub(t)
	conn := dial(t, url)

	subscribe(t, conn, "orderbook:BTC")
	assert.Equal(t, "error", read(t, conn).Type)
	assert.Equal(t, "subscribed", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, "error", read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", read(t, conn).Type)
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestHub(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Contains(t, stats, "clients")
}

func TestParseChannel(t *testing.T) {
	idx, ok := parseChannel("pair:7")
	assert.True(t, ok)
	assert.Equal(t, uint32(7), idx)
	_, ok = parseChannel(ChannelAll)
	assert.True(t, ok)
	_, ok = parseChannel("pair:x")
	assert.False(t, ok)
	_, ok = parseChannel("trades:BTC")
	assert.False(t, ok)
}
