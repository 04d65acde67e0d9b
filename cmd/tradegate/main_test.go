package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/config"
	"github.com/haiphen/tradegate/internal/registry"
	"github.com/haiphen/tradegate/internal/store"
)

func TestProfileArg(t *testing.T) {
	t.Setenv("TRADEGATE_PROFILE", "")
	cases := []struct {
		args []string
		want string
	}{
		{nil, "default"},
		{[]string{"order", "--profile", "live"}, "live"},
		{[]string{"--profile=paper", "brokers", "list"}, "paper"},
		{[]string{"--", "--profile", "nope"}, "default"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, profileArg(c.args), "%v", c.args)
	}

	t.Setenv("TRADEGATE_PROFILE", "ci")
	assert.Equal(t, "ci", profileArg([]string{"venues"}))
}

func TestIsPaper(t *testing.T) {
	assert.True(t, isPaper("alpaca", broker.Credentials{}))
	assert.False(t, isPaper("alpaca", broker.Credentials{"paper": "false"}))
	assert.False(t, isPaper("binance", broker.Credentials{}))
	assert.True(t, isPaper("binance", broker.Credentials{"testnet": "true"}))
	assert.True(t, isPaper("oanda", broker.Credentials{}))
	assert.True(t, isPaper("tradehybrid", broker.Credentials{"user_id": "1"}))
	assert.False(t, isPaper("ibkr", broker.Credentials{}))
}

func TestSelectSourceFirstWins(t *testing.T) {
	first := registry.MapSource{"alpaca": {Fields: map[string]string{"api_key": "env"}}}
	second := registry.MapSource{
		"alpaca": {Fields: map[string]string{"api_key": "vault"}},
		"oanda":  {Fields: map[string]string{"api_token": "t"}},
	}

	sel := &selectSource{id: "alpaca", from: []registry.Source{first, second}}
	cands, err := sel.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "env", cands[0].Creds.Get("api_key"))
	assert.True(t, sel.found)

	sel = &selectSource{id: "oanda", from: []registry.Source{first, second}}
	cands, err = sel.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "oanda", cands[0].Venue)

	sel = &selectSource{id: "ibkr", from: []registry.Source{first, second}}
	cands, err = sel.Candidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cands)
	assert.False(t, sel.found)
}

func TestBuildPricesOverridesDefaults(t *testing.T) {
	t.Setenv("ALPACA_API_KEY", "")
	cfg := config.Default()
	cfg.Pricing.Quotes = map[string]string{"AAPL": "200", "NVDA": "880.25"}

	src, err := buildPrices(cfg)
	require.NoError(t, err)

	px, err := src.Price(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "200", px.String())
	px, err = src.Price(context.Background(), "nvda")
	require.NoError(t, err)
	assert.Equal(t, "880.25", px.String())
	_, err = src.Price(context.Background(), "BTC-USD")
	assert.NoError(t, err)

	cfg.Pricing.Quotes = map[string]string{"BAD": "-1"}
	_, err = buildPrices(cfg)
	assert.Error(t, err)
}

func TestConnectRegistersOnlyRequestedBroker(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, f := range broker.Factories() {
		for _, field := range f.Fields {
			for _, name := range field.EnvNames() {
				t.Setenv(name, "")
			}
		}
	}

	cfg := config.Default()
	cfg.Brokers = map[string]registry.MapEntry{
		"tradehybrid_7": {Venue: "tradehybrid", Fields: map[string]string{"user_id": "7", "initial_balance": "500"}},
		"tradehybrid_8": {Venue: "tradehybrid", Fields: map[string]string{"user_id": "8"}},
	}
	tokens, err := store.New(store.Options{Dir: t.TempDir(), FileOnly: true})
	require.NoError(t, err)
	a := &app{cfg: cfg, tokens: tokens}
	defer a.close()

	id, cand, err := a.connect(context.Background(), "TradeHybrid_7")
	require.NoError(t, err)
	assert.Equal(t, broker.ID("tradehybrid_7"), id)
	assert.Equal(t, "config", cand.Source)
	assert.Equal(t, []broker.ID{"tradehybrid_7"}, a.reg.IDs())

	acct, err := a.proc.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 500.0, acct.Balance)

	_, _, err = a.connect(context.Background(), "alpaca")
	assert.ErrorContains(t, err, "no credentials")
}
