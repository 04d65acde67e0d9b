package oanda

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiphen/tradegate/internal/broker"
)

const summaryJSON = `{"account":{"id":"101-004-1234567-001","currency":"USD","balance":"100000.0000",
	"NAV":"100012.5000","marginRate":"0.02","marginUsed":"2170.00","marginAvailable":"97842.50","unrealizedPL":"12.5"}}`

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/summary", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(summaryJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(broker.Credentials{"api_token": "tok", "account_id": "101-004-1234567-001"}, broker.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	return c
}

func TestAccountLeverageFromMarginRate(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	assert.False(t, c.IsConnected())

	info, err := c.GetAccountInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 100000.0, info.Balance)
	assert.Equal(t, 100012.5, info.Equity)
	assert.InDelta(t, 50, info.Leverage, 1e-9)
	assert.Equal(t, 2170.0, info.MarginUsed)
	assert.Equal(t, "USD", info.Currency)
	assert.Equal(t, "0.02", info.Metadata["marginRate"])
}

func TestOrderAttachesProtectionOnFill(t *testing.T) {
	mux := http.NewServeMux()
	var order map[string]any
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/orders", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Order map[string]any `json:"order"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		order = body.Order
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"orderCreateTransaction":{"id":"6356"},
			"orderFillTransaction":{"id":"6357","orderID":"6356","price":"1.08512","units":"-1000","time":"2026-03-01T10:00:00.000000000Z",
				"tradeOpened":{"tradeID":"6357"}},
			"relatedTransactionIDs":["6356","6357","6358","6359"],"lastTransactionID":"6359"}`))
	})
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/trades/6357", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"trade":{"id":"6357","stopLossOrder":{"id":"6358"},"takeProfitOrder":{"id":"6359"}}}`))
	})
	c := newTestClient(t, mux)

	res, err := c.ExecuteMarketOrder(context.Background(), broker.TradeParams{
		Symbol: "EUR/USD", Side: broker.SideSell, Quantity: 1000, StopLoss: 1.095, TakeProfit: 1.07,
	})
	require.NoError(t, err)
	assert.Equal(t, "MARKET", order["type"])
	assert.Equal(t, "EUR_USD", order["instrument"])
	assert.Equal(t, "-1000", order["units"])
	assert.Equal(t, "1.09500", order["stopLossOnFill"].(map[string]any)["price"])
	assert.Equal(t, "1.07000", order["takeProfitOnFill"].(map[string]any)["price"])

	assert.Equal(t, "6356", res.OrderID)
	assert.Equal(t, 1.08512, res.FilledPrice)
	assert.Equal(t, "6358", res.StopLossOrderID)
	assert.Equal(t, "6359", res.TakeProfitOrderID)
	assert.False(t, res.ProtectionFailed)
}

func TestCancelledOrderIsRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"orderCreateTransaction":{"id":"1"},"orderCancelTransaction":{"id":"2","reason":"STOP_LOSS_ON_FILL_LOSS"}}`))
	})
	c := newTestClient(t, mux)

	_, err := c.ExecuteMarketOrder(context.Background(), broker.TradeParams{Symbol: "EURUSD", Side: broker.SideBuy, Quantity: 1, StopLoss: 1.2})
	require.Error(t, err)
	assert.Equal(t, broker.KindRejected, broker.KindOf(err))
	assert.Contains(t, err.Error(), "STOP_LOSS_ON_FILL_LOSS")
}

func TestPositionsSplitBySide(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/openPositions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":[{"instrument":"EUR_USD",
			"long":{"units":"100","averagePrice":"1.08","unrealizedPL":"0.5","tradeIDs":["1"]},
			"short":{"units":"-50","averagePrice":"1.09","unrealizedPL":"0.25","tradeIDs":["2"]}}]}`))
	})
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/pricing", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EUR_USD", r.URL.Query().Get("instruments"))
		w.Write([]byte(`{"prices":[{"instrument":"EUR_USD","closeoutBid":"1.0850","closeoutAsk":"1.0852"}]}`))
	})
	c := newTestClient(t, mux)

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, broker.Long, positions[0].Side)
	assert.Equal(t, 100.0, positions[0].Quantity)
	assert.Equal(t, 1.0850, positions[0].CurrentPrice)
	assert.Equal(t, broker.Short, positions[1].Side)
	assert.Equal(t, 50.0, positions[1].Quantity)
	assert.Equal(t, 1.0852, positions[1].CurrentPrice)
}

func TestEmptyPositions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/openPositions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":[]}`))
	})
	c := newTestClient(t, mux)
	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, positions)
	assert.Empty(t, positions)
}

func TestInstrument(t *testing.T) {
	for in, want := range map[string]string{"EUR/USD": "EUR_USD", "usd-jpy": "USD_JPY", "GBPUSD": "GBP_USD", "XAU_USD": "XAU_USD"} {
		assert.Equal(t, want, Instrument(in), in)
	}
	assert.Equal(t, "148.250", formatPrice("USD_JPY", 148.25))
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	var summaries atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/accounts/101-004-1234567-001/openPositions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"positions":[],"lastTransactionID":"1"}`))
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/summary") {
			summaries.Add(1)
			w.Write([]byte(summaryJSON))
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := New(broker.Credentials{"api_token": "tok", "account_id": "101-004-1234567-001"}, broker.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	c.Disconnect(ctx)
	assert.False(t, c.IsConnected())

	positions, err := c.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.True(t, c.IsConnected())
	assert.Equal(t, int32(2), summaries.Load())
}
