// Package metatrader adapts a MetaTrader 4/5 REST bridge. Connect trades
// the terminal login for a short-lived session id; there is no refresh, so
// an expired session needs a full reconnect.
package metatrader

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

var capabilities = broker.Capabilities{
	SupportsForex:      true,
	SupportsStopLoss:   true,
	SupportsTakeProfit: true,
	SupportsMarketData: true,
}

var mt4Markets = []string{broker.MarketForex, broker.MarketCFDs, broker.MarketCommodities, broker.MarketIndices}

// MT5 adds exchange-traded instruments on top of the MT4 set.
var mt5Markets = append(append([]string(nil), mt4Markets...), broker.MarketCrypto, broker.MarketETFs, broker.MarketStocks)

// DefaultBridgeURL is where a bridge running next to the terminal listens.
const DefaultBridgeURL = "http://127.0.0.1:6542"

func init() {
	register(4)
	register(5)
}

func register(version int) {
	name := venueName(version)
	env := strings.ToUpper(name) + "_"
	broker.Register(broker.Factory{
		Venue:          name,
		DisplayName:    fmt.Sprintf("MetaTrader %d", version),
		ConnectionType: broker.UsernamePassword,
		Fields: []broker.Field{
			{Name: "login", Label: "Account number", Env: env + "ACCOUNT_NUMBER", Aliases: []string{env + "LOGIN"}, Required: true},
			{Name: "password", Label: "Password", Env: env + "PASSWORD", Required: true, Secret: true},
			{Name: "server", Label: "Trade server", Env: env + "SERVER", Required: true},
			{Name: "api_token", Label: "Bridge API token", Env: env + "API_TOKEN", Required: true, Secret: true},
			{Name: "bridge_url", Label: "Bridge URL", Env: env + "BRIDGE_URL", Default: DefaultBridgeURL},
		},
		Capabilities: capsFor(version),
		Markets:      marketsFor(version),
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(version, creds, opts)
		},
	})
}

func venueName(version int) string { return fmt.Sprintf("mt%d", version) }

func capsFor(version int) broker.Capabilities {
	caps := capabilities
	if version == 5 {
		caps.SupportsCrypto = true
		caps.SupportsStocks = true
		caps.SupportsAccountHistory = true
	}
	return caps
}

func marketsFor(version int) []string {
	if version == 5 {
		return mt5Markets
	}
	return mt4Markets
}

// Client implements broker.Connection for one MetaTrader terminal account.
type Client struct {
	version  int
	venue    string
	login    string
	password string
	server   string
	apiToken string
	caps     broker.Capabilities
	rest     *rest.Client

	mu        sync.Mutex
	sessionID string
	currency  string
}

var _ broker.Connection = (*Client)(nil)

// New builds a client for MetaTrader version 4 or 5.
func New(version int, creds broker.Credentials, opts broker.Options) (*Client, error) {
	if version != 4 && version != 5 {
		return nil, broker.NewError("metatrader", "new", broker.KindConfig, "unsupported MetaTrader version %d", version)
	}
	name := venueName(version)
	baseURL := creds.Get("bridge_url")
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	if baseURL == "" {
		return nil, broker.NewError(name, "new", broker.KindConfig, "bridge_url is required")
	}
	if err := broker.ValidateBaseURL(baseURL); err != nil {
		return nil, broker.Wrap(name, "new", broker.KindConfig, err)
	}
	c := &Client{
		version:  version,
		venue:    name,
		login:    creds.Get("login"),
		password: creds.Get("password"),
		server:   creds.Get("server"),
		apiToken: creds.Get("api_token"),
		caps:     capsFor(version),
	}
	c.rest = rest.New(name, strings.TrimRight(baseURL, "/")+fmt.Sprintf("/api/mt%d", version),
		rest.WithHTTPClient(opts.HTTPClient),
		rest.WithRateLimit(5, 5),
		rest.WithAuth(func(r *http.Request) error {
			if c.apiToken != "" {
				r.Header.Set("Authorization", "Bearer "+c.apiToken)
			}
			if sid := c.session(); sid != "" {
				r.Header.Set("X-Session-Id", sid)
			}
			return nil
		}),
	)
	return c, nil
}

func (c *Client) Name() string { return c.venue }

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) IsConnected() bool { return c.session() != "" }

func (c *Client) SupportedMarkets() []string { return append([]string(nil), marketsFor(c.version)...) }

func (c *Client) Capabilities() broker.Capabilities { return c.caps }

// Connect logs the terminal account in on the bridge.
func (c *Client) Connect(ctx context.Context) error {
	var resp connectResponse
	_, err := c.rest.Do(ctx, rest.Request{
		Op:     "connect",
		Method: http.MethodPost,
		Path:   "/connect",
		Body:   connectRequest{Login: c.login, Password: c.password, Server: c.server},
	}, &resp)
	if err == nil && resp.SessionID == "" {
		err = broker.NewError(c.venue, "connect", broker.KindAuth, "bridge returned no session: %s", resp.Error)
	}
	if err != nil {
		c.clear()
		return broker.Logged(err)
	}
	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.currency = resp.Account.Currency
	c.mu.Unlock()
	return nil
}

func (c *Client) clear() {
	c.mu.Lock()
	c.sessionID = ""
	c.currency = ""
	c.mu.Unlock()
}

// Disconnect closes the bridge session; failures are logged only.
func (c *Client) Disconnect(ctx context.Context) {
	if c.IsConnected() {
		if _, err := c.rest.Do(ctx, rest.Request{Op: "disconnect", Method: http.MethodPost, Path: "/disconnect"}, nil); err != nil {
			broker.Logged(err)
		}
	}
	c.clear()
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

// do runs a session request. A 401/403 means the session is gone: local
// state is cleared and the error surfaces unchanged.
func (c *Client) do(ctx context.Context, req rest.Request, out any) error {
	_, err := c.rest.Do(ctx, req, out)
	if err != nil && broker.KindOf(err) == broker.KindAuth {
		c.clear()
	}
	return err
}

func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	var acct accountInfo
	if err := c.do(ctx, rest.Request{Op: "get account", Method: http.MethodGet, Path: "/account"}, &acct); err != nil {
		return nil, broker.Logged(err)
	}
	return acct.toBroker(), nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	var rows []position
	if err := c.do(ctx, rest.Request{Op: "get positions", Method: http.MethodGet, Path: "/positions"}, &rows); err != nil {
		return nil, broker.Logged(err)
	}
	out := make([]broker.PositionInfo, 0, len(rows))
	for _, p := range rows {
		out = append(out, p.toBroker())
	}
	return out, nil
}
