// Package binance adapts the Binance spot REST API. Private endpoints are
// signed with HMAC-SHA256 over the query string; protection levels become
// independent STOP_LOSS / TAKE_PROFIT orders on the closing side.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

const (
	venue = "binance"

	LiveBaseURL    = "https://api.binance.com"
	TestnetBaseURL = "https://testnet.binance.vision"

	recvWindow = "5000"
)

var capabilities = broker.Capabilities{
	SupportsCrypto:           true,
	SupportsFractionalShares: true,
	SupportsStopLoss:         true,
	SupportsTakeProfit:       true,
	SupportsMarketData:       true,
	SupportsAccountHistory:   true,
}

var markets = []string{broker.MarketCrypto}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "Binance",
		ConnectionType: broker.APIKeySecret,
		Fields: []broker.Field{
			{Name: "api_key", Label: "API Key", Env: "BINANCE_API_KEY", Required: true},
			{Name: "api_secret", Label: "Secret Key", Env: "BINANCE_API_SECRET", Required: true, Secret: true},
			{Name: "testnet", Label: "Use spot testnet (true/false)", Env: "BINANCE_TESTNET", Default: "false"},
			{Name: "quote_asset", Label: "Account currency", Env: "BINANCE_QUOTE_ASSET", Default: "USDT"},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
	})
}

// Client implements broker.Connection for Binance spot.
type Client struct {
	apiKey    string
	apiSecret string
	quote     string
	rest      *rest.Client
	now       func() time.Time

	mu        sync.Mutex
	connected bool
	canTrade  bool
}

var _ broker.Connection = (*Client)(nil)

// New creates a Binance client. No I/O happens until Connect.
func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	testnet := false
	if v := creds.Get("testnet"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, broker.NewError(venue, "new", broker.KindConfig, "testnet must be true or false, got %q", v)
		}
		testnet = b
	}
	baseURL := LiveBaseURL
	if testnet {
		baseURL = TestnetBaseURL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	quote := strings.ToUpper(creds.Get("quote_asset"))
	if quote == "" {
		quote = "USDT"
	}

	c := &Client{
		apiKey:    creds.Get("api_key"),
		apiSecret: creds.Get("api_secret"),
		quote:     quote,
		now:       time.Now,
	}
	c.rest = rest.New(venue, baseURL,
		rest.WithHTTPClient(opts.HTTPClient),
		rest.WithRateLimit(10, 20),
		rest.WithAuth(func(r *http.Request) error {
			r.Header.Set("X-MBX-APIKEY", c.apiKey)
			return nil
		}),
	)
	return c, nil
}

func (c *Client) Name() string { return venue }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setState(connected, canTrade bool) {
	c.mu.Lock()
	c.connected, c.canTrade = connected, canTrade
	c.mu.Unlock()
}

func (c *Client) tradingAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canTrade
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

// Connect validates the key pair against the signed account endpoint.
func (c *Client) Connect(ctx context.Context) error {
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		c.setState(false, false)
		return broker.Logged(err)
	}
	c.setState(true, acct.CanTrade)
	return nil
}

// Disconnect clears local state; API keys carry no session.
func (c *Client) Disconnect(context.Context) {
	c.setState(false, false)
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

// sign returns the hex HMAC-SHA256 of payload.
func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signed builds the query string for a private endpoint: params, then
// recvWindow and timestamp, then the signature over everything before it.
func (c *Client) signed(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("recvWindow", recvWindow)
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	payload := params.Encode()
	return payload + "&signature=" + sign(c.apiSecret, payload)
}

func (c *Client) fetchAccount(ctx context.Context) (*binanceAccount, error) {
	var acct binanceAccount
	resp, err := c.rest.Do(ctx, rest.Request{
		Op:       "get account",
		Method:   http.MethodGet,
		Path:     "/api/v3/account",
		RawQuery: c.signed(nil),
	}, &acct)
	if err != nil {
		return nil, err
	}
	acct.raw = resp.Raw()
	return &acct, nil
}

func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, broker.Logged(err)
	}
	return acct.toBroker(c.quote), nil
}

// GetOpenPositions reports every non-zero spot balance other than the quote
// asset as a long position, priced against the quote asset.
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct, err := c.fetchAccount(ctx)
	if err != nil {
		return nil, broker.Logged(err)
	}

	positions := []broker.PositionInfo{}
	for _, b := range acct.Balances {
		qty := parseFloat(b.Free) + parseFloat(b.Locked)
		if qty == 0 || b.Asset == c.quote {
			continue
		}
		symbol := b.Asset + c.quote
		price, err := c.lastPrice(ctx, symbol)
		if err != nil {
			// Dust or delisted assets have no quote pair; report them unpriced.
			broker.Logged(err)
		}
		positions = append(positions, broker.PositionInfo{
			Symbol:       symbol,
			Side:         broker.Long,
			Quantity:     qty,
			CurrentPrice: price,
			Metadata: map[string]any{
				"asset":  b.Asset,
				"free":   parseFloat(b.Free),
				"locked": parseFloat(b.Locked),
			},
		})
	}
	return positions, nil
}

func (c *Client) lastPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	_, err := c.rest.Do(ctx, rest.Request{
		Op:     "get ticker",
		Method: http.MethodGet,
		Path:   "/api/v3/ticker/price",
		Query:  url.Values{"symbol": {symbol}},
		NoAuth: true,
	}, &ticker)
	if err != nil {
		return 0, err
	}
	return parseFloat(ticker.Price), nil
}

// NormalizeSymbol maps "BTC/USDT" and "btc-usdt" to "BTCUSDT".
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(strings.TrimSpace(s)))
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
