package alpaca

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

const (
	venue = "alpaca"

	PaperBaseURL = "https://paper-api.alpaca.markets"
	LiveBaseURL  = "https://api.alpaca.markets"
)

var capabilities = broker.Capabilities{
	SupportsCrypto:           true,
	SupportsStocks:           true,
	SupportsFractionalShares: true,
	SupportsStopLoss:         true,
	SupportsTakeProfit:       true,
	SupportsMarketData:       true,
	SupportsAccountHistory:   true,
}

var markets = []string{broker.MarketStocks, broker.MarketETFs, broker.MarketCrypto}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "Alpaca",
		ConnectionType: broker.APIKeySecret,
		Fields: []broker.Field{
			{Name: "api_key", Label: "API Key ID", Env: "ALPACA_API_KEY", Required: true},
			{Name: "api_secret", Label: "API Secret Key", Env: "ALPACA_API_SECRET", Required: true, Secret: true},
			{Name: "paper", Label: "Paper trading (true/false)", Env: "ALPACA_PAPER", Default: "true"},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
	})
}

// Client implements broker.Connection for Alpaca.
type Client struct {
	apiKey    string
	apiSecret string
	paper     bool
	rest      *rest.Client

	mu        sync.Mutex
	accountID string // set while connected
}

var _ broker.Connection = (*Client)(nil)
var _ broker.Streamer = (*Client)(nil)

// New creates an Alpaca client. No I/O happens until Connect.
func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	paper := true
	if v := creds.Get("paper"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			return nil, broker.NewError(venue, "new", broker.KindConfig, "paper must be true or false, got %q", v)
		}
		paper = p
	}
	baseURL := LiveBaseURL
	if paper {
		baseURL = PaperBaseURL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}

	c := &Client{
		apiKey:    creds.Get("api_key"),
		apiSecret: creds.Get("api_secret"),
		paper:     paper,
	}
	c.rest = rest.New(venue, baseURL,
		rest.WithHTTPClient(opts.HTTPClient),
		rest.WithRateLimit(3.33, 10), // 200 req/min
		rest.WithAuth(func(r *http.Request) error {
			r.Header.Set("APCA-API-KEY-ID", c.apiKey)
			r.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
			return nil
		}),
	)
	return c, nil
}

func (c *Client) Name() string { return venue }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID != ""
}

func (c *Client) setAccount(id string) {
	c.mu.Lock()
	c.accountID = id
	c.mu.Unlock()
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

// Connect validates credentials by fetching the account.
func (c *Client) Connect(ctx context.Context) error {
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		c.setAccount("")
		return broker.Logged(err)
	}
	if acct.AccountBlocked || acct.TradingBlocked {
		c.setAccount("")
		return broker.Logged(broker.NewError(venue, "connect", broker.KindRejected, "account %s is blocked (status %s)", acct.AccountNumber, acct.Status))
	}
	c.setAccount(acct.ID)
	return nil
}

// Disconnect clears local state. Alpaca keys are stateless; there is no
// session to log out of.
func (c *Client) Disconnect(context.Context) {
	c.setAccount("")
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, broker.Logged(err)
	}
	return acct.toBroker(), nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	var positions []alpacaPosition
	if _, err := c.rest.Do(ctx, rest.Request{Op: "get positions", Method: http.MethodGet, Path: "/v2/positions"}, &positions); err != nil {
		return nil, broker.Logged(err)
	}
	result := make([]broker.PositionInfo, len(positions))
	for i, p := range positions {
		result[i] = p.toBroker()
	}
	return result, nil
}

func (c *Client) fetchAccount(ctx context.Context) (*alpacaAccount, error) {
	var acct alpacaAccount
	resp, err := c.rest.Do(ctx, rest.Request{Op: "get account", Method: http.MethodGet, Path: "/v2/account"}, &acct)
	if err != nil {
		return nil, err
	}
	acct.raw = resp.Raw()
	return &acct, nil
}

// streamURL derives the trade_updates websocket from the REST base.
func (c *Client) streamURL() string {
	u := c.rest.BaseURL()
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/stream"
}
