package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiphen/tradegate/internal/audit"
	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/config"
	"github.com/haiphen/tradegate/internal/execution"
	"github.com/haiphen/tradegate/internal/ledger"
	"github.com/haiphen/tradegate/internal/portfolio"
	"github.com/haiphen/tradegate/internal/pricing"
	"github.com/haiphen/tradegate/internal/registry"
)

// partialConn fills every order but fails the protection leg.
type partialConn struct{}

func (partialConn) Name() string                         { return "partial" }
func (partialConn) IsConnected() bool                    { return true }
func (partialConn) Connect(context.Context) error        { return nil }
func (partialConn) Disconnect(context.Context)           {}
func (partialConn) TestConnection(context.Context) error { return nil }
func (partialConn) ExecuteMarketOrder(_ context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	res := &broker.OrderResult{OrderID: "p-1", Venue: "partial", Symbol: p.Symbol, Side: p.Side, Quantity: p.Quantity, Status: "filled"}
	res.MarkProtectionFailed(broker.NewError("partial", "stop loss", broker.KindRejected, "stop too close"))
	return res, nil
}
func (partialConn) GetAccountInfo(context.Context) (*broker.AccountInfo, error) {
	return &broker.AccountInfo{AccountID: "p"}, nil
}
func (partialConn) GetOpenPositions(context.Context) ([]broker.PositionInfo, error) { return nil, nil }
func (partialConn) SupportedMarkets() []string                                      { return []string{"stocks"} }
func (partialConn) Capabilities() broker.Capabilities                               { return broker.Capabilities{} }

type fixture struct {
	srv   *Server
	h     http.Handler
	reg   *registry.Service
	audit *audit.Logger
	token string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Server.JWTSecret = "test-secret"
	cfg.Server.Username = "ops"
	cfg.Server.Password = "hunter2"
	if mutate != nil {
		mutate(cfg)
	}

	prices, err := pricing.NewStatic(map[string]string{"AAPL": "185.50", "BTC/USD": "43250.50"})
	require.NoError(t, err)
	al, err := audit.New(t.TempDir(), "test")
	require.NoError(t, err)

	proc := execution.New(execution.WithSafety(cfg.Safety), execution.WithAudit(al), execution.WithPrices(prices))
	reg := registry.New(
		registry.WithProcessor(proc),
		registry.WithBrokerOptions(broker.Options{Ledger: ledger.NewMemory(), Prices: prices}),
	)
	t.Cleanup(func() { reg.Close(context.Background()) })

	_, err = reg.RegisterTradeHybrid(context.Background(), "42", "10000")
	require.NoError(t, err)
	require.NoError(t, reg.Add(context.Background(), "partial", partialConn{}))

	srv := New(cfg, reg, proc)
	f := &fixture{srv: srv, h: srv.Router(), reg: reg, audit: al}
	if cfg.Server.JWTSecret != "" {
		f.token, err = srv.SignToken("ops")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	f.token = ""
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["brokers"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + f.token, http.StatusUnauthorized},
		{"valid", "Bearer " + f.token, http.StatusOK},
		{"lowercase scheme", "bearer " + f.token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/brokers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRejectsForeignAndExpiredTokens(t *testing.T) {
	f := newFixture(t, nil)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	f.token = foreign
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/brokers", nil).Code)

	f.srv.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	f.token, err = f.srv.SignToken("ops")
	require.NoError(t, err)
	f.srv.now = time.Now
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/brokers", nil).Code)
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t, nil)
	f.token = ""

	rec := f.do(t, http.MethodPost, "/auth/token", map[string]string{"username": "ops", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/token", map[string]string{"username": "ops", "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
		Type  string `json:"type"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "Bearer", body.Type)

	f.token = body.Token
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/venues", nil).Code)
}

func TestUnauthenticatedWithoutSecret(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.JWTSecret = "" })
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/brokers", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/auth/token", map[string]string{}).Code)
}

func TestRateLimitPerSubject(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.RateLimitPerMin = 1
		c.Server.Burst = 2
	})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/brokers", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/brokers", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/brokers", nil).Code)

	other, err := f.srv.SignToken("desk-2")
	require.NoError(t, err)
	f.token = other
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/brokers", nil).Code)
}

func TestListBrokersAndVenues(t *testing.T) {
	f := newFixture(t, nil)

	var statuses []registry.Status
	decode(t, f.do(t, http.MethodGet, "/brokers", nil), &statuses)
	require.Len(t, statuses, 2)
	assert.Equal(t, broker.ID("partial"), statuses[0].ID)
	assert.Equal(t, broker.ID("tradehybrid_42"), statuses[1].ID)
	assert.True(t, statuses[1].Connected)

	var venues []venueView
	decode(t, f.do(t, http.MethodGet, "/venues", nil), &venues)
	names := map[string]string{}
	for _, v := range venues {
		names[v.Venue] = v.ConnectionType
	}
	assert.Equal(t, "oauth", names["ctrader"])
	assert.Contains(t, names, "tradehybrid")
	assert.Len(t, names, len(broker.Available()))
}

func TestOrderFlow(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/brokers/tradehybrid_42/orders", broker.TradeParams{Symbol: "BTC/USD", Side: broker.SideBuy, Quantity: 0.1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res broker.OrderResult
	decode(t, rec, &res)
	assert.Equal(t, "filled", res.Status)
	assert.False(t, res.ProtectionFailed)

	var acct broker.AccountInfo
	decode(t, f.do(t, http.MethodGet, "/brokers/tradehybrid_42/account", nil), &acct)
	assert.Equal(t, 5674.95, acct.Balance)

	var pos []broker.PositionInfo
	decode(t, f.do(t, http.MethodGet, "/brokers/tradehybrid_42/positions", nil), &pos)
	require.Len(t, pos, 1)
	assert.Equal(t, 0.1, pos[0].Quantity)

	var sum portfolio.Summary
	decode(t, f.do(t, http.MethodGet, "/brokers/tradehybrid_42/summary", nil), &sum)
	assert.Equal(t, "tradehybrid", sum.Venue)
	assert.Equal(t, 1.0, sum.Value(portfolio.OpenPositions))
	assert.InDelta(t, 4325.05, sum.Value(portfolio.GrossExposure), 1e-6)

	entries, err := f.audit.Tail(0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "ops", entries[len(entries)-1].User)
}

func TestPartialExecutionAnswers207(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/brokers/partial/orders", broker.TradeParams{Symbol: "AAPL", Side: broker.SideBuy, Quantity: 1, StopLoss: 180})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	var res broker.OrderResult
	decode(t, rec, &res)
	assert.True(t, res.ProtectionFailed)
	assert.Contains(t, res.ProtectionError, "stop too close")
	assert.Equal(t, "p-1", res.OrderID)
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
		kind   string
	}{
		{"unknown broker", http.MethodGet, "/brokers/nope/account", nil, http.StatusNotFound, ""},
		{"bad id", http.MethodGet, "/brokers/BAD%20ID/account", nil, http.StatusBadRequest, ""},
		{"validation", http.MethodPost, "/brokers/tradehybrid_42/orders", broker.TradeParams{Symbol: "AAPL", Quantity: 1}, http.StatusBadRequest, "validation"},
		{"safety limit", http.MethodPost, "/brokers/tradehybrid_42/orders", broker.TradeParams{Symbol: "AAPL", Side: broker.SideBuy, Quantity: 5000}, http.StatusBadRequest, "validation"},
		{"insufficient funds", http.MethodPost, "/brokers/tradehybrid_42/orders", broker.TradeParams{Symbol: "BTC/USD", Side: broker.SideBuy, Quantity: 1}, http.StatusUnprocessableEntity, "insufficient_funds"},
		{"unknown field", http.MethodPost, "/brokers/tradehybrid_42/orders", map[string]any{"symbol": "AAPL", "qty": 1}, http.StatusBadRequest, ""},
		{"test unknown", http.MethodPost, "/brokers/nope/test", nil, http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			var body map[string]any
			decode(t, rec, &body)
			assert.Equal(t, false, body["ok"])
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body["kind"])
			}
		})
	}
}

func TestRegisterAndRemove(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/brokers", map[string]any{
		"venue":       "tradehybrid",
		"credentials": map[string]string{"user_id": "7", "initial_balance": "500"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var st registry.Status
	decode(t, rec, &st)
	assert.Equal(t, broker.ID("tradehybrid_7"), st.ID)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/brokers/tradehybrid_7/test", nil).Code)

	rec = f.do(t, http.MethodPost, "/brokers", map[string]any{"venue": "alpaca", "credentials": map[string]string{"api_key": "k"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/brokers", map[string]any{"venue": "acme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/brokers/tradehybrid_7", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/brokers/tradehybrid_7", nil).Code)
	_, ok := f.reg.Get("tradehybrid_7")
	assert.False(t, ok)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{broker.NewError("x", "op", broker.KindAuth, "bad key"), http.StatusBadGateway},
		{broker.NewError("x", "op", broker.KindTransport, "timeout"), http.StatusServiceUnavailable},
		{broker.NewError("x", "op", broker.KindNotConnected, "down"), http.StatusServiceUnavailable},
		{broker.Wrap("x", "connect", broker.KindNotConnected, broker.NewError("x", "connect", broker.KindAuth, "invalid key")), http.StatusBadGateway},
		{broker.Wrap("x", "connect", broker.KindNotConnected, broker.NewError("x", "connect", broker.KindConfig, "bad url")), http.StatusBadRequest},
		{broker.Wrap("x", "connect", broker.KindNotConnected, broker.NewError("x", "connect", broker.KindTransport, "reset")), http.StatusServiceUnavailable},
		{broker.NewError("x", "op", broker.KindRejected, "market closed"), http.StatusUnprocessableEntity},
		{broker.NewError("x", "op", broker.KindConfig, "missing"), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{registry.ErrDuplicate, http.StatusConflict},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
