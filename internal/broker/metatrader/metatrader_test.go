package metatrader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiphen/tradegate/internal/broker"
)

type bridge struct {
	mux      *http.ServeMux
	connects atomic.Int32
}

func newBridge(t *testing.T, version int) (*bridge, *Client) {
	t.Helper()
	b := &bridge{mux: http.NewServeMux()}
	prefix := "/api/" + venueName(version)
	b.mux.HandleFunc(prefix+"/connect", func(w http.ResponseWriter, r *http.Request) {
		b.connects.Add(1)
		assert.Equal(t, "Bearer bridge-token", r.Header.Get("Authorization"))
		var req connectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Invalid account"}`))
			return
		}
		w.Write([]byte(`{"sessionId":"sid-1","account":{"login":5012345,"currency":"USD"}}`))
	})
	srv := httptest.NewServer(b.mux)
	t.Cleanup(srv.Close)
	c, err := New(version, broker.Credentials{
		"login": "5012345", "password": "pw", "server": "MetaQuotes-Demo", "api_token": "bridge-token",
	}, broker.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return b, c
}

func (b *bridge) handle(version int, path string, h http.HandlerFunc) {
	b.mux.HandleFunc("/api/"+venueName(version)+path, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Id") != "sid-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"session expired"}`))
			return
		}
		h(w, r)
	})
}

func TestMarketsByVersion(t *testing.T) {
	_, mt4 := newBridge(t, 4)
	_, mt5 := newBridge(t, 5)
	assert.Equal(t, "mt4", mt4.Name())
	assert.Equal(t, "mt5", mt5.Name())
	for _, m := range mt4.SupportedMarkets() {
		assert.Contains(t, mt5.SupportedMarkets(), m)
	}
	assert.NotContains(t, mt4.SupportedMarkets(), broker.MarketCrypto)
	assert.Contains(t, mt5.SupportedMarkets(), broker.MarketCrypto)
	assert.Contains(t, mt5.SupportedMarkets(), broker.MarketETFs)
	assert.False(t, mt4.Capabilities().SupportsCrypto)
	assert.True(t, mt5.Capabilities().SupportsCrypto)

	_, err := New(6, broker.Credentials{"bridge_url": "https://bridge.example.com"}, broker.Options{})
	assert.Equal(t, broker.KindConfig, broker.KindOf(err))
}

func TestRejectedCredentialsAreTerminal(t *testing.T) {
	_, c := newBridge(t, 5)
	c.password = "nope"
	err := c.TestConnection(context.Background())
	require.Error(t, err)
	assert.True(t, broker.IsTerminal(err))
	assert.Equal(t, http.StatusUnauthorized, broker.StatusOf(err))
	assert.False(t, c.IsConnected())
}

func TestServerErrorIsTransient(t *testing.T) {
	b, c := newBridge(t, 4)
	b.handle(4, "/account", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.GetAccountInfo(context.Background())
	require.Error(t, err)
	assert.True(t, broker.IsRetryable(err))
	assert.True(t, c.IsConnected())
}

func TestExpiredSessionNeedsReconnect(t *testing.T) {
	b, c := newBridge(t, 5)
	var calls atomic.Int32
	b.handle(5, "/account", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"login":5012345,"currency":"USD","balance":10000,"equity":10120.5,"margin":250,"freeMargin":9870.5,"leverage":100,"tradeAllowed":true}`))
	})
	require.NoError(t, c.Connect(context.Background()))

	// The bridge forgets the session; the adapter must not refresh on its own.
	c.mu.Lock()
	c.sessionID = "stale"
	c.mu.Unlock()
	_, err := c.GetAccountInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, broker.KindAuth, broker.KindOf(err))
	assert.False(t, c.IsConnected())
	assert.Equal(t, int32(1), b.connects.Load())

	info, err := c.GetAccountInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), b.connects.Load())
	assert.Equal(t, "5012345", info.AccountID)
	assert.Equal(t, 10120.5, info.Equity)
	assert.Equal(t, 100.0, info.Leverage)
	assert.Equal(t, 9870.5, info.MarginAvailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrderModifiesPosition(t *testing.T) {
	b, c := newBridge(t, 5)
	var order orderRequest
	var mod modifyRequest
	b.handle(5, "/order", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		w.Write([]byte(`{"ticket":90001,"price":1.08514,"time":1709287200,"retcode":10009}`))
	})
	b.handle(5, "/position/modify", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&mod))
		w.Write([]byte(`{"ticket":90001,"retcode":10009}`))
	})

	res, err := c.ExecuteMarketOrder(context.Background(), broker.TradeParams{
		Symbol: "EUR/USD", Side: broker.SideSell, Quantity: 0.1, StopLoss: 1.09, TakeProfit: 1.08,
	})
	require.NoError(t, err)
	assert.Equal(t, orderRequest{Symbol: "EURUSD", Type: "SELL", Volume: 0.1}, order)
	assert.Equal(t, modifyRequest{Ticket: 90001, StopLoss: 1.09, TakeProfit: 1.08}, mod)
	assert.Equal(t, "90001", res.OrderID)
	assert.Equal(t, "90001", res.StopLossOrderID)
	assert.Equal(t, "90001", res.TakeProfitOrderID)
	assert.Equal(t, 1.08514, res.FilledPrice)
	assert.False(t, res.ProtectionFailed)
}

func TestModifyFailureIsPartial(t *testing.T) {
	b, c := newBridge(t, 4)
	b.handle(4, "/order", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ticket":77,"price":2030.1}`))
	})
	b.handle(4, "/position/modify", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Invalid stops"}`))
	})
	res, err := c.ExecuteMarketOrder(context.Background(), broker.TradeParams{Symbol: "XAUUSD", Side: broker.SideBuy, Quantity: 1, StopLoss: 2000})
	require.NoError(t, err)
	assert.True(t, res.ProtectionFailed)
	assert.Contains(t, res.ProtectionError, "Invalid stops")
	assert.Empty(t, res.StopLossOrderID)
}

func TestRetcodeRejection(t *testing.T) {
	b, c := newBridge(t, 5)
	b.handle(5, "/order", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ticket":0,"retcode":10019,"comment":"No money"}`))
	})
	_, err := c.ExecuteMarketOrder(context.Background(), broker.TradeParams{Symbol: "EURUSD", Side: broker.SideBuy, Quantity: 50})
	require.Error(t, err)
	assert.Equal(t, broker.KindRejected, broker.KindOf(err))
	assert.Contains(t, err.Error(), "No money")
}

func TestPositionTypes(t *testing.T) {
	b, c := newBridge(t, 5)
	b.handle(5, "/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"ticket":1,"symbol":"EURUSD","type":"POSITION_TYPE_BUY","volume":0.5,"openPrice":1.08,"currentPrice":1.085,"profit":250,"swap":-1.5,"openTime":1709287200},
			{"ticket":2,"symbol":"BTCUSD","type":"POSITION_TYPE_SELL","volume":0.01,"openPrice":62000,"currentPrice":61000,"profit":10}]`))
	})
	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, broker.Long, positions[0].Side)
	assert.Equal(t, 248.5, positions[0].UnrealizedPnL)
	assert.Equal(t, broker.Short, positions[1].Side)
	assert.True(t, positions[1].OpenTime.IsZero())
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	for _, version := range []int{4, 5} {
		b, c := newBridge(t, version)
		var disconnects atomic.Int32
		b.handle(version, "/disconnect", func(w http.ResponseWriter, r *http.Request) {
			disconnects.Add(1)
			w.Write([]byte(`{}`))
		})
		b.handle(version, "/positions", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		})
		ctx := context.Background()
		require.NoError(t, c.Connect(ctx))
		c.Disconnect(ctx)
		assert.False(t, c.IsConnected(), "mt%d", version)
		assert.Equal(t, int32(1), disconnects.Load(), "mt%d", version)

		positions, err := c.GetOpenPositions(ctx)
		require.NoError(t, err, "mt%d", version)
		assert.Empty(t, positions)
		assert.True(t, c.IsConnected(), "mt%d", version)
		assert.Equal(t, int32(2), b.connects.Load(), "mt%d", version)
	}
}
