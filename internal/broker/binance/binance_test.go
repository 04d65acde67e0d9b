package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiphen/tradegate/internal/broker"
)

const accountJSON = `{"accountType":"SPOT","canTrade":true,"uid":354937868,"balances":[
	{"asset":"USDT","free":"1500.25","locked":"100"},
	{"asset":"BTC","free":"0.5","locked":"0"},
	{"asset":"ETH","free":"0","locked":"0"}]}`

type call struct {
	method, path string
	query        url.Values
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func (r *recorder) all() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func newTestClient(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(call{r.Method, r.URL.Path, r.URL.Query()})
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(broker.Credentials{"api_key": "key", "api_secret": "secret"}, broker.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	c.now = func() time.Time { return time.UnixMilli(1499827319559) }
	return c, rec
}

// Example from the Binance signed-endpoint documentation.
func TestSign(t *testing.T) {
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	assert.Equal(t, "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71", sign(secret, payload))
}

func TestSignedRequestCarriesKeyAndSignature(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		raw := r.URL.RawQuery
		i := strings.LastIndex(raw, "&signature=")
		require.Positive(t, i)
		assert.Equal(t, sign("secret", raw[:i]), raw[i+len("&signature="):])
		assert.Equal(t, "1499827319559", r.URL.Query().Get("timestamp"))
		w.Write([]byte(accountJSON))
	})
	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
}

func TestNotConnectedAfterConstruction(t *testing.T) {
	c, calls := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	assert.False(t, c.IsConnected())
	assert.Empty(t, calls.all())
}

// Market buy with a stop-loss issues exactly two order POSTs. When the second
// fails the entry id is still returned with ProtectionFailed.
func TestStopLossFailureReportsPartialExecution(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v3/account":
			w.Write([]byte(accountJSON))
		case r.URL.Path == "/api/v3/order" && r.URL.Query().Get("type") == "MARKET":
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":28,"transactTime":1507725176595,"origQty":"0.01",
				"executedQty":"0.01","cummulativeQuoteQty":"432.5","status":"FILLED","type":"MARKET","side":"BUY",
				"fills":[{"price":"43250","qty":"0.01","commission":"0.00001","commissionAsset":"BTC"}]}`))
		case r.URL.Path == "/api/v3/order":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2010,"msg":"Stop price would trigger immediately."}`))
		}
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	calls.reset()

	res, err := c.ExecuteMarketOrder(ctx, broker.TradeParams{
		Symbol: "BTC/USDT", Side: broker.SideBuy, Quantity: 0.01, StopLoss: 42000,
	})
	require.NoError(t, err)
	got := calls.all()
	require.Len(t, got, 2)

	entry, stop := got[0], got[1]
	assert.Equal(t, http.MethodPost, entry.method)
	assert.Equal(t, "BTCUSDT", entry.query.Get("symbol"))
	assert.Equal(t, "BUY", entry.query.Get("side"))
	assert.Equal(t, "STOP_LOSS", stop.query.Get("type"))
	assert.Equal(t, "SELL", stop.query.Get("side"))
	assert.Equal(t, "42000", stop.query.Get("stopPrice"))

	assert.Equal(t, "28", res.OrderID)
	assert.True(t, res.ProtectionFailed)
	assert.Contains(t, res.ProtectionError, "Stop price would trigger immediately")
	assert.Empty(t, res.StopLossOrderID)
	assert.InDelta(t, 43250, res.FilledPrice, 1e-9)
}

func TestBothProtectionLegs(t *testing.T) {
	next := int64(100)
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/account" {
			w.Write([]byte(accountJSON))
			return
		}
		next++
		w.Write([]byte(`{"symbol":"ETHUSDT","orderId":` + formatNumber(float64(next)) + `,"status":"NEW","origQty":"1"}`))
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	calls.reset()

	res, err := c.ExecuteMarketOrder(ctx, broker.TradeParams{
		Symbol: "eth-usdt", Side: broker.SideSell, Quantity: 1, StopLoss: 2400, TakeProfit: 2100,
	})
	require.NoError(t, err)
	got := calls.all()
	require.Len(t, got, 3)
	assert.Equal(t, "TAKE_PROFIT", got[2].query.Get("type"))
	assert.Equal(t, "BUY", got[2].query.Get("side"))
	assert.Equal(t, "101", res.OrderID)
	assert.Equal(t, "102", res.StopLossOrderID)
	assert.Equal(t, "103", res.TakeProfitOrderID)
	assert.False(t, res.ProtectionFailed)
}

func TestEntryRejectionFailsWholeOrder(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/account" {
			w.Write([]byte(accountJSON))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	calls.reset()

	_, err := c.ExecuteMarketOrder(ctx, broker.TradeParams{Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 10, StopLoss: 1})
	require.Error(t, err)
	assert.Len(t, calls.all(), 1)
	assert.Equal(t, broker.KindRejected, broker.KindOf(err))
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestAccountAndPositions(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/account":
			w.Write([]byte(accountJSON))
		case "/api/v3/ticker/price":
			assert.Empty(t, r.Header.Get("X-MBX-APIKEY"))
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"43000.10"}`))
		}
	})
	ctx := context.Background()

	info, err := c.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1500.25, info.Balance)
	assert.Equal(t, 1600.25, info.Equity)
	assert.Equal(t, "USDT", info.Currency)
	assert.Equal(t, "354937868", info.AccountID)

	positions, err := c.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, 0.5, positions[0].Quantity)
	assert.Equal(t, 43000.10, positions[0].CurrentPrice)
}

func TestInvalidKeyIsTerminal(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`))
	})
	err := c.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, broker.IsTerminal(err))
	var e *broker.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "-2015", e.Code)
}

func TestNormalizeSymbol(t *testing.T) {
	for in, want := range map[string]string{"BTC/USDT": "BTCUSDT", "eth-usdt": "ETHUSDT", "SOLUSDT": "SOLUSDT"} {
		assert.Equal(t, want, NormalizeSymbol(in))
	}
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(accountJSON))
	})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	c.Disconnect(ctx)
	assert.False(t, c.IsConnected())

	rec.reset()
	info, err := c.GetAccountInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1500.25, info.Balance)
	assert.True(t, c.IsConnected())

	// One reconnect, then the fetch itself.
	calls := rec.all()
	require.Len(t, calls, 2)
	for _, cl := range calls {
		assert.Equal(t, "/api/v3/account", cl.path)
	}
}
