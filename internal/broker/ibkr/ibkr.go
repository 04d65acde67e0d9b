// Package ibkr adapts the Interactive Brokers Client Portal gateway. The
// session lives in a cookie set by the gateway; a 401 triggers one
// sso/validate re-validation and one retry.
package ibkr

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

const (
	venue = "ibkr"

	DefaultGatewayURL = "https://localhost:5000"
	apiPrefix         = "/v1/portal"
)

var capabilities = broker.Capabilities{
	SupportsStocks:           true,
	SupportsForex:            true,
	SupportsFutures:          true,
	SupportsOptions:          true,
	SupportsFractionalShares: true,
	SupportsStopLoss:         true,
	SupportsTakeProfit:       true,
	SupportsMarketData:       true,
	SupportsAccountHistory:   true,
}

var markets = []string{broker.MarketStocks, broker.MarketETFs, broker.MarketOptions, broker.MarketFutures, broker.MarketForex, broker.MarketBonds}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "Interactive Brokers",
		ConnectionType: broker.UsernamePassword,
		Fields: []broker.Field{
			{Name: "username", Label: "Username", Env: "IBKR_USERNAME", Required: true},
			{Name: "password", Label: "Password", Env: "IBKR_PASSWORD", Required: true, Secret: true},
			{Name: "account_id", Label: "Account ID (optional)", Env: "IBKR_ACCOUNT_ID"},
			{Name: "gateway_url", Label: "Client Portal gateway URL", Env: "IBKR_GATEWAY_URL", Default: DefaultGatewayURL},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
	})
}

// State is the session state of the adapter.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	SessionExpired
	Disconnected
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case SessionExpired:
		return "session_expired"
	case Disconnected:
		return "disconnected"
	default:
		return "unauthenticated"
	}
}

// Client implements broker.Connection for Interactive Brokers.
type Client struct {
	username    string
	password    string
	wantAccount string
	base        *url.URL
	http        *http.Client
	rest        *rest.Client

	mu        sync.Mutex
	state     State
	accountID string
	conids    map[string]int64
}

var _ broker.Connection = (*Client)(nil)

func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	gateway := creds.Get("gateway_url")
	if gateway == "" {
		gateway = DefaultGatewayURL
	}
	if opts.BaseURL != "" {
		gateway = opts.BaseURL
	}
	if err := broker.ValidateBaseURL(gateway); err != nil {
		return nil, broker.Wrap(venue, "new", broker.KindConfig, err)
	}
	base, err := url.Parse(strings.TrimRight(gateway, "/"))
	if err != nil {
		return nil, broker.Wrap(venue, "new", broker.KindConfig, err)
	}

	// The session cookie must not leak into a shared client.
	hc := &http.Client{Timeout: rest.DefaultTimeout}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		hc = &copied
	}
	hc.Jar = newJar()

	c := &Client{
		username:    creds.Get("username"),
		password:    creds.Get("password"),
		wantAccount: creds.Get("account_id"),
		base:        base,
		http:        hc,
		conids:      map[string]int64{},
	}
	c.rest = rest.New(venue, base.String()+apiPrefix,
		rest.WithHTTPClient(hc),
		rest.WithRateLimit(10, 10),
	)
	return c, nil
}

func newJar() http.CookieJar {
	jar, _ := cookiejar.New(nil)
	return jar
}

func (c *Client) Name() string { return venue }

// State reports the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) hasSession() bool {
	return len(c.http.Jar.Cookies(c.base)) > 0
}

// IsConnected requires an authenticated state and a held session cookie.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Authenticated && c.accountID != "" && c.hasSession()
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

// Connect opens a brokerage session and selects the trading account.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(Authenticating)

	var status authStatus
	_, err := c.rest.Do(ctx, rest.Request{
		Op:     "login",
		Method: http.MethodPost,
		Path:   "/iserver/auth/ssodh/init",
		Body: map[string]any{
			"username": c.username,
			"password": c.password,
			"publish":  true,
			"compete":  true,
		},
	}, &status)
	if err == nil && !status.Authenticated {
		msg := status.Message
		if msg == "" {
			msg = "gateway did not authenticate the session"
		}
		err = broker.NewError(venue, "login", broker.KindAuth, "%s", msg)
	}
	if err == nil && !c.hasSession() {
		err = broker.NewError(venue, "login", broker.KindProtocol, "gateway set no session cookie")
	}
	if err != nil {
		c.dropSession()
		return broker.Logged(err)
	}

	var accts accountList
	if err := c.do(ctx, rest.Request{Op: "list accounts", Method: http.MethodGet, Path: "/iserver/accounts"}, &accts); err != nil {
		c.dropSession()
		return broker.Logged(err)
	}
	acct, err := c.pickAccount(accts)
	if err != nil {
		c.dropSession()
		return broker.Logged(err)
	}

	c.mu.Lock()
	c.accountID = acct
	c.state = Authenticated
	c.mu.Unlock()
	return nil
}

func (c *Client) pickAccount(a accountList) (string, error) {
	if c.wantAccount != "" {
		for _, id := range a.Accounts {
			if id == c.wantAccount {
				return id, nil
			}
		}
		return "", broker.NewError(venue, "connect", broker.KindConfig, "account %s is not available to this login", c.wantAccount)
	}
	if a.SelectedAccount != "" {
		return a.SelectedAccount, nil
	}
	if len(a.Accounts) > 0 {
		return a.Accounts[0], nil
	}
	return "", broker.NewError(venue, "connect", broker.KindConfig, "login has no brokerage accounts")
}

// Disconnect logs out of the gateway and discards the session cookie.
func (c *Client) Disconnect(ctx context.Context) {
	if c.hasSession() {
		if _, err := c.rest.Do(ctx, rest.Request{Op: "logout", Method: http.MethodPost, Path: "/logout"}, nil); err != nil {
			broker.Logged(err)
		}
	}
	c.dropSession()
	c.setState(Disconnected)
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

func (c *Client) dropSession() {
	c.mu.Lock()
	c.http.Jar = newJar()
	c.accountID = ""
	c.state = Unauthenticated
	c.mu.Unlock()
}

// do runs a session request. On a 401 the session is re-validated once and
// the request retried once.
func (c *Client) do(ctx context.Context, req rest.Request, out any) error {
	_, err := c.rest.Do(ctx, req, out)
	if err == nil || !broker.IsUnauthorized(err) {
		return err
	}

	c.setState(SessionExpired)
	if err := c.revalidate(ctx); err != nil {
		c.dropSession()
		return err
	}
	_, err = c.rest.Do(ctx, req, out)
	if err != nil && broker.IsUnauthorized(err) {
		c.dropSession()
		return err
	}
	c.mu.Lock()
	if c.state == SessionExpired {
		c.state = Authenticated
	}
	c.mu.Unlock()
	return err
}

func (c *Client) revalidate(ctx context.Context) error {
	var v validateResponse
	if _, err := c.rest.Do(ctx, rest.Request{Op: "validate session", Method: http.MethodGet, Path: "/sso/validate"}, &v); err != nil {
		return err
	}
	if !v.Result {
		return &broker.Error{Venue: venue, Op: "validate session", Kind: broker.KindAuthExpired, Message: "session is no longer valid"}
	}
	return nil
}

func (c *Client) account() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accountID == "" {
		return "", broker.NewError(venue, "request", broker.KindNotConnected, "session dropped")
	}
	return c.accountID, nil
}

func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct, err := c.account()
	if err != nil {
		return nil, broker.Logged(err)
	}
	var sum portfolioSummary
	if err := c.do(ctx, rest.Request{Op: "get account", Method: http.MethodGet, Path: "/portfolio/" + url.PathEscape(acct) + "/summary"}, &sum); err != nil {
		return nil, broker.Logged(err)
	}
	return sum.toBroker(acct), nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct, err := c.account()
	if err != nil {
		return nil, broker.Logged(err)
	}
	var rows []portfolioPosition
	if err := c.do(ctx, rest.Request{Op: "get positions", Method: http.MethodGet, Path: "/portfolio/" + url.PathEscape(acct) + "/positions/0"}, &rows); err != nil {
		return nil, broker.Logged(err)
	}
	out := make([]broker.PositionInfo, 0, len(rows))
	for _, r := range rows {
		if r.Position == 0 {
			continue
		}
		out = append(out, r.toBroker())
	}
	return out, nil
}
