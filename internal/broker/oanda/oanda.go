// Package oanda adapts the OANDA v20 REST API. Protection levels are sent
// as stopLossOnFill/takeProfitOnFill on the entry, so the venue attaches
// them atomically.
package oanda

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

const (
	venue = "oanda"

	PracticeBaseURL = "https://api-fxpractice.oanda.com"
	LiveBaseURL     = "https://api-fxtrade.oanda.com"
)

var capabilities = broker.Capabilities{
	SupportsForex:            true,
	SupportsFractionalShares: false,
	SupportsStopLoss:         true,
	SupportsTakeProfit:       true,
	SupportsMarketData:       true,
	SupportsAccountHistory:   true,
}

var markets = []string{broker.MarketForex, broker.MarketCFDs, broker.MarketCommodities, broker.MarketIndices, broker.MarketBonds}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "OANDA",
		ConnectionType: broker.TokenAuth,
		Fields: []broker.Field{
			{Name: "api_token", Label: "Personal Access Token", Env: "OANDA_API_TOKEN", Required: true, Secret: true},
			{Name: "account_id", Label: "Account ID", Env: "OANDA_ACCOUNT_ID", Required: true},
			{Name: "practice", Label: "Practice account (true/false)", Env: "OANDA_PRACTICE", Default: "true"},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
	})
}

// Client implements broker.Connection for OANDA.
type Client struct {
	token     string
	accountID string
	rest      *rest.Client

	mu        sync.Mutex
	connected bool
	currency  string
}

var _ broker.Connection = (*Client)(nil)

func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	practice := true
	if v := creds.Get("practice"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, broker.NewError(venue, "new", broker.KindConfig, "practice must be true or false, got %q", v)
		}
		practice = b
	}
	baseURL := LiveBaseURL
	if practice {
		baseURL = PracticeBaseURL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	c := &Client{token: creds.Get("api_token"), accountID: creds.Get("account_id")}
	c.rest = rest.New(venue, baseURL,
		rest.WithHTTPClient(opts.HTTPClient),
		rest.WithRateLimit(100, 100),
		rest.WithAuth(func(r *http.Request) error {
			r.Header.Set("Authorization", "Bearer "+c.token)
			r.Header.Set("Accept-Datetime-Format", "RFC3339")
			return nil
		}),
	)
	return c, nil
}

func (c *Client) Name() string { return venue }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.token != ""
}

func (c *Client) setState(connected bool, currency string) {
	c.mu.Lock()
	c.connected, c.currency = connected, currency
	c.mu.Unlock()
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

func (c *Client) accountPath(suffix string) string {
	return "/v3/accounts/" + url.PathEscape(c.accountID) + suffix
}

// Connect checks the token can read the configured account.
func (c *Client) Connect(ctx context.Context) error {
	sum, err := c.fetchSummary(ctx)
	if err != nil {
		c.setState(false, "")
		return broker.Logged(err)
	}
	c.setState(true, sum.Currency)
	return nil
}

func (c *Client) Disconnect(context.Context) {
	c.setState(false, "")
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

func (c *Client) fetchSummary(ctx context.Context) (*accountSummary, error) {
	var body struct {
		Account accountSummary `json:"account"`
	}
	resp, err := c.rest.Do(ctx, rest.Request{Op: "get account", Method: http.MethodGet, Path: c.accountPath("/summary")}, &body)
	if err != nil {
		return nil, err
	}
	if raw := resp.Raw(); raw != nil {
		body.Account.raw, _ = raw["account"].(map[string]any)
	}
	return &body.Account, nil
}

func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	sum, err := c.fetchSummary(ctx)
	if err != nil {
		return nil, broker.Logged(err)
	}
	return sum.toBroker(), nil
}

// GetOpenPositions splits each instrument into its long and short sides and
// marks them to the current closeout price.
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	var body struct {
		Positions []openPosition `json:"positions"`
	}
	if _, err := c.rest.Do(ctx, rest.Request{Op: "get positions", Method: http.MethodGet, Path: c.accountPath("/openPositions")}, &body); err != nil {
		return nil, broker.Logged(err)
	}

	out := []broker.PositionInfo{}
	if len(body.Positions) == 0 {
		return out, nil
	}
	instruments := make([]string, len(body.Positions))
	for i, p := range body.Positions {
		instruments[i] = p.Instrument
	}
	prices, err := c.closeoutPrices(ctx, instruments)
	if err != nil {
		// Positions are still valid without marks.
		broker.Logged(err)
	}
	for _, p := range body.Positions {
		out = append(out, p.toBroker(prices[p.Instrument])...)
	}
	return out, nil
}

type closeout struct{ bid, ask float64 }

func (c *Client) closeoutPrices(ctx context.Context, instruments []string) (map[string]closeout, error) {
	var body struct {
		Prices []struct {
			Instrument  string `json:"instrument"`
			CloseoutBid string `json:"closeoutBid"`
			CloseoutAsk string `json:"closeoutAsk"`
		} `json:"prices"`
	}
	_, err := c.rest.Do(ctx, rest.Request{
		Op:     "get pricing",
		Method: http.MethodGet,
		Path:   c.accountPath("/pricing"),
		Query:  url.Values{"instruments": {strings.Join(instruments, ",")}},
	}, &body)
	out := map[string]closeout{}
	if err != nil {
		return out, err
	}
	for _, p := range body.Prices {
		out[p.Instrument] = closeout{bid: parseFloat(p.CloseoutBid), ask: parseFloat(p.CloseoutAsk)}
	}
	return out, nil
}

// Instrument maps "EUR/USD", "eur-usd" and "EURUSD" to "EUR_USD".
func Instrument(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "_", "-", "_").Replace(s)
	if !strings.Contains(s, "_") && len(s) == 6 {
		s = s[:3] + "_" + s[3:]
	}
	return s
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
