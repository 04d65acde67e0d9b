// Package tradovate adapts the Tradovate futures REST API. The login
// yields a short-lived access token with no refresh grant; when it lapses
// the adapter reports disconnected and the next call logs in again.
package tradovate

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
	"github.com/haiphen/tradegate/internal/pricing"
)

const (
	venue = "tradovate"

	DemoBaseURL = "https://demo.tradovateapi.com/v1"
	LiveBaseURL = "https://live.tradovateapi.com/v1"
)

var capabilities = broker.Capabilities{
	SupportsFutures:    true,
	SupportsOptions:    true,
	SupportsStopLoss:   true,
	SupportsTakeProfit: true,
	SupportsMarketData: true,
}

var markets = []string{broker.MarketFutures, broker.MarketOptions, broker.MarketCommodities, broker.MarketIndices}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "Tradovate",
		ConnectionType: broker.UsernamePassword,
		Fields: []broker.Field{
			{Name: "username", Label: "Username", Env: "TRADOVATE_USERNAME", Required: true},
			{Name: "password", Label: "Password", Env: "TRADOVATE_PASSWORD", Required: true, Secret: true},
			{Name: "cid", Label: "API client id", Env: "TRADOVATE_CID", Required: true},
			{Name: "sec", Label: "API secret", Env: "TRADOVATE_SECRET", Required: true, Secret: true},
			{Name: "app_id", Label: "Application id", Env: "TRADOVATE_APP_ID", Default: "tradegate"},
			{Name: "app_version", Label: "Application version", Env: "TRADOVATE_APP_VERSION", Default: "1.0"},
			{Name: "device_id", Label: "Device id", Env: "TRADOVATE_DEVICE_ID"},
			{Name: "demo", Label: "Demo environment (true/false)", Env: "TRADOVATE_DEMO", Default: "true"},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
	})
}

// Client implements broker.Connection for Tradovate.
type Client struct {
	login  loginRequest
	rest   *rest.Client
	prices pricing.Source
	now    func() time.Time

	mu          sync.Mutex
	token       string
	expiry      time.Time
	accountID   int64
	accountSpec string
	contracts   map[int64]string
}

var _ broker.Connection = (*Client)(nil)

func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	demo := true
	if v := creds.Get("demo"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, broker.NewError(venue, "new", broker.KindConfig, "demo must be true or false, got %q", v)
		}
		demo = b
	}
	baseURL := LiveBaseURL
	if demo {
		baseURL = DemoBaseURL
	}
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}

	appID := creds.Get("app_id")
	if appID == "" {
		appID = "tradegate"
	}
	appVersion := creds.Get("app_version")
	if appVersion == "" {
		appVersion = "1.0"
	}
	c := &Client{
		login: loginRequest{
			Name:       creds.Get("username"),
			Password:   creds.Get("password"),
			AppID:      appID,
			AppVersion: appVersion,
			CID:        creds.Get("cid"),
			Sec:        creds.Get("sec"),
			DeviceID:   creds.Get("device_id"),
		},
		prices:    opts.Prices,
		now:       time.Now,
		contracts: map[int64]string{},
	}
	c.rest = rest.New(venue, baseURL,
		rest.WithHTTPClient(opts.HTTPClient),
		rest.WithRateLimit(5, 10),
		rest.WithAuth(func(r *http.Request) error {
			c.mu.Lock()
			tok := c.token
			c.mu.Unlock()
			if tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
			return nil
		}),
	)
	return c, nil
}

func (c *Client) Name() string { return venue }

// IsConnected is false once the access token has expired.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || c.accountID == 0 {
		return false
	}
	return c.expiry.IsZero() || c.now().Before(c.expiry)
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

// Connect requests an access token and selects the first active account.
func (c *Client) Connect(ctx context.Context) error {
	c.clear()

	var tok tokenResponse
	_, err := c.rest.Do(ctx, rest.Request{
		Op:     "login",
		Method: http.MethodPost,
		Path:   "/auth/accesstokenrequest",
		Body:   c.login,
		NoAuth: true,
	}, &tok)
	if err == nil && (tok.ErrorText != "" || tok.AccessToken == "") {
		msg := tok.ErrorText
		if msg == "" {
			msg = "no access token issued"
		}
		err = broker.NewError(venue, "login", broker.KindAuth, "%s", msg)
	}
	if err != nil {
		return broker.Logged(err)
	}
	expiry, _ := time.Parse(time.RFC3339, tok.ExpirationTime)

	c.mu.Lock()
	c.token = tok.AccessToken
	c.expiry = expiry
	c.mu.Unlock()

	var accounts []account
	if err := c.do(ctx, rest.Request{Op: "list accounts", Method: http.MethodGet, Path: "/account/list"}, &accounts); err != nil {
		c.clear()
		return broker.Logged(err)
	}
	for _, a := range accounts {
		if a.Active {
			c.mu.Lock()
			c.accountID = a.ID
			c.accountSpec = a.Name
			c.mu.Unlock()
			return nil
		}
	}
	c.clear()
	return broker.Logged(broker.NewError(venue, "connect", broker.KindConfig, "user has no active account"))
}

func (c *Client) clear() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.accountID = 0
	c.accountSpec = ""
	c.mu.Unlock()
}

// Disconnect drops the token locally; Tradovate tokens are not revocable
// over REST.
func (c *Client) Disconnect(context.Context) { c.clear() }

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

// do clears the session on a credential rejection; there is no refresh.
func (c *Client) do(ctx context.Context, req rest.Request, out any) error {
	_, err := c.rest.Do(ctx, req, out)
	if err != nil && broker.KindOf(err) == broker.KindAuth {
		c.clear()
	}
	return err
}

func (c *Client) account() (int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID, c.accountSpec
}

func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	id, spec := c.account()
	var snap cashSnapshot
	if err := c.do(ctx, rest.Request{
		Op:     "get account",
		Method: http.MethodPost,
		Path:   "/cashBalance/getcashbalancesnapshot",
		Body:   map[string]int64{"accountId": id},
	}, &snap); err != nil {
		return nil, broker.Logged(err)
	}
	return snap.toBroker(id, spec), nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	id, _ := c.account()
	var rows []position
	if err := c.do(ctx, rest.Request{Op: "get positions", Method: http.MethodGet, Path: "/position/list"}, &rows); err != nil {
		return nil, broker.Logged(err)
	}
	out := []broker.PositionInfo{}
	for _, p := range rows {
		if p.AccountID != id || p.NetPos == 0 {
			continue
		}
		name, err := c.contractName(ctx, p.ContractID)
		if err != nil {
			return nil, broker.Logged(err)
		}
		info := p.toBroker(name)
		if c.prices != nil {
			if px, err := c.prices.Price(ctx, name); err == nil {
				info.CurrentPrice = px.InexactFloat64()
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) contractName(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	name, ok := c.contracts[id]
	c.mu.Unlock()
	if ok {
		return name, nil
	}
	var ct contract
	if err := c.do(ctx, rest.Request{
		Op:     "get contract",
		Method: http.MethodGet,
		Path:   "/contract/item",
		Query:  url.Values{"id": {strconv.FormatInt(id, 10)}},
	}, &ct); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.contracts[id] = ct.Name
	c.mu.Unlock()
	return ct.Name, nil
}
