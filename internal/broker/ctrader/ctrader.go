// Package ctrader adapts the cTrader Open API REST gateway. Access tokens
// are refreshed with the OAuth refresh-token grant: a 401 on any
// authenticated call triggers exactly one refresh and one retry.
package ctrader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

const (
	venue = "ctrader"

	DefaultBaseURL  = "https://api.spotware.com"
	DefaultTokenURL = "https://openapi.ctrader.com/apps/token"
)

var capabilities = broker.Capabilities{
	SupportsCrypto:         true,
	SupportsStocks:         true,
	SupportsForex:          true,
	SupportsStopLoss:       true,
	SupportsTakeProfit:     true,
	SupportsMarketData:     true,
	SupportsAccountHistory: true,
}

var markets = []string{broker.MarketForex, broker.MarketCFDs, broker.MarketIndices, broker.MarketCommodities, broker.MarketCrypto, broker.MarketStocks}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "cTrader",
		ConnectionType: broker.OAuth,
		Fields: []broker.Field{
			{Name: "client_id", Label: "Client ID", Env: "CTRADER_CLIENT_ID", Required: true},
			{Name: "client_secret", Label: "Client Secret", Env: "CTRADER_CLIENT_SECRET", Required: true, Secret: true},
			{Name: "access_token", Label: "Access Token", Env: "CTRADER_ACCESS_TOKEN", Secret: true},
			{Name: "refresh_token", Label: "Refresh Token", Env: "CTRADER_REFRESH_TOKEN", Required: true, Secret: true},
			{Name: "account_id", Label: "Trading account ID or number", Env: "CTRADER_ACCOUNT_ID"},
			{Name: "token_url", Label: "Token endpoint", Env: "CTRADER_TOKEN_URL", Default: DefaultTokenURL},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
	})
}

// State is the authentication state of the adapter.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	TokenExpired
	Disconnected
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case TokenExpired:
		return "token_expired"
	case Disconnected:
		return "disconnected"
	default:
		return "unauthenticated"
	}
}

// Client implements broker.Connection for cTrader.
type Client struct {
	clientID     string
	clientSecret string
	wantAccount  string
	tokenURL     string
	rest         *rest.Client
	store        broker.TokenStore
	now          func() time.Time

	mu    sync.Mutex
	state State
	token broker.Token

	account *tradingAccount
}

var _ broker.Connection = (*Client)(nil)

func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	baseURL := DefaultBaseURL
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	tokenURL := creds.Get("token_url")
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if err := broker.ValidateBaseURL(tokenURL); err != nil {
		return nil, broker.Wrap(venue, "new", broker.KindConfig, err)
	}

	c := &Client{
		clientID:     creds.Get("client_id"),
		clientSecret: creds.Get("client_secret"),
		wantAccount:  creds.Get("account_id"),
		tokenURL:     tokenURL,
		store:        opts.TokenStore,
		now:          time.Now,
		token: broker.Token{
			AccessToken:  creds.Get("access_token"),
			RefreshToken: creds.Get("refresh_token"),
		},
	}
	// A rotated token from an earlier run supersedes the configured one.
	if c.store != nil {
		if t, err := c.store.LoadToken(c.storeKey()); err == nil && t != nil && t.RefreshToken != "" {
			c.token = *t
		}
	}
	c.rest = rest.New(venue, baseURL,
		rest.WithHTTPClient(opts.HTTPClient),
		rest.WithRateLimit(5, 10),
		rest.WithAuth(func(r *http.Request) error {
			c.mu.Lock()
			tok := c.token.AccessToken
			c.mu.Unlock()
			if tok == "" {
				return errors.New("no access token")
			}
			r.Header.Set("Authorization", "Bearer "+tok)
			return nil
		}),
	)
	return c, nil
}

func (c *Client) storeKey() string { return "ctrader:" + c.clientID }

func (c *Client) Name() string { return venue }

// State reports the current authentication state.
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

// IsConnected requires both the Authenticated state and a held access token.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Authenticated && c.token.AccessToken != "" && c.account != nil
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

// Connect obtains an access token when none is held, then resolves the
// trading account.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(Authenticating)

	c.mu.Lock()
	needToken := c.token.AccessToken == ""
	c.mu.Unlock()
	if needToken {
		if err := c.refresh(ctx); err != nil {
			return broker.Logged(err)
		}
	}

	accounts, err := c.tradingAccounts(ctx)
	if err != nil {
		c.setState(Unauthenticated)
		return broker.Logged(err)
	}
	acct, err := c.pickAccount(accounts)
	if err != nil {
		c.setState(Unauthenticated)
		return broker.Logged(err)
	}

	c.mu.Lock()
	c.account = acct
	c.state = Authenticated
	c.mu.Unlock()
	return nil
}

func (c *Client) pickAccount(accounts []tradingAccount) (*tradingAccount, error) {
	if len(accounts) == 0 {
		return nil, broker.NewError(venue, "connect", broker.KindConfig, "token grants access to no trading accounts")
	}
	if c.wantAccount == "" {
		return &accounts[0], nil
	}
	for i, a := range accounts {
		if strconv.FormatInt(a.AccountID, 10) == c.wantAccount || strconv.FormatInt(a.AccountNumber, 10) == c.wantAccount {
			return &accounts[i], nil
		}
	}
	return nil, broker.NewError(venue, "connect", broker.KindConfig, "trading account %s not found", c.wantAccount)
}

// Disconnect forgets the access token and account. The refresh token is
// kept so a later Connect can re-authenticate.
func (c *Client) Disconnect(context.Context) {
	c.mu.Lock()
	c.token.AccessToken = ""
	c.token.Expiry = time.Time{}
	c.account = nil
	c.state = Disconnected
	c.mu.Unlock()
}

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
	RefreshToken string `json:"refreshToken"`
	ErrorCode    string `json:"errorCode"`
	Description  string `json:"description"`
}

// refresh exchanges the refresh token. Both tokens are replaced together;
// on failure all auth state is dropped so IsConnected reports false.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	refreshToken := c.token.RefreshToken
	c.mu.Unlock()
	if refreshToken == "" {
		c.dropAuth()
		return broker.NewError(venue, "refresh token", broker.KindConfig, "no refresh token")
	}

	q := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	var tr tokenResponse
	_, err := c.rest.Do(ctx, rest.Request{
		Op:     "refresh token",
		Method: http.MethodGet,
		Path:   c.tokenURL,
		Query:  q,
		NoAuth: true,
	}, &tr)
	if err == nil && (tr.ErrorCode != "" || tr.AccessToken == "") {
		msg := tr.Description
		if msg == "" {
			msg = "token endpoint returned no access token"
		}
		err = &broker.Error{Venue: venue, Op: "refresh token", Kind: broker.KindAuth, Code: tr.ErrorCode, Message: msg}
	}
	if err != nil {
		// The token endpoint answers a revoked grant with a 400.
		var be *broker.Error
		if errors.As(err, &be) && be.Kind == broker.KindRejected {
			be.Kind = broker.KindAuth
		}
		c.dropAuth()
		return err
	}

	tok := broker.Token{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveToken(c.storeKey(), &tok); err != nil {
			log.Printf("[broker/ctrader] persist rotated token: %v", err)
		}
	}
	return nil
}

func (c *Client) dropAuth() {
	c.mu.Lock()
	c.token.AccessToken = ""
	c.token.Expiry = time.Time{}
	c.account = nil
	c.state = Unauthenticated
	c.mu.Unlock()
}

// do runs an authenticated request. A 401 (or a token already past its
// expiry) moves the adapter to TokenExpired, performs one refresh and
// retries once; the second outcome is final.
func (c *Client) do(ctx context.Context, req rest.Request, out any) error {
	c.mu.Lock()
	expired := !c.token.Expiry.IsZero() && c.now().After(c.token.Expiry)
	c.mu.Unlock()

	if !expired {
		_, err := c.rest.Do(ctx, req, out)
		if err == nil || !broker.IsUnauthorized(err) {
			return err
		}
	}

	c.setState(TokenExpired)
	if err := c.refresh(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.account != nil {
		c.state = Authenticated
	} else {
		c.state = Authenticating
	}
	c.mu.Unlock()

	_, err := c.rest.Do(ctx, req, out)
	if err != nil && broker.IsUnauthorized(err) {
		c.dropAuth()
	}
	return err
}

func (c *Client) tradingAccounts(ctx context.Context) ([]tradingAccount, error) {
	var body struct {
		Data []tradingAccount `json:"data"`
	}
	if err := c.do(ctx, rest.Request{Op: "list accounts", Method: http.MethodGet, Path: "/cserver/api/v2/tradingaccounts"}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func accountPath(acct *tradingAccount, suffix string) string {
	return fmt.Sprintf("/cserver/api/v2/tradingaccounts/%d%s", acct.AccountID, suffix)
}

var errSessionDropped = broker.NewError(venue, "request", broker.KindNotConnected, "session dropped")

func (c *Client) currentAccount() *tradingAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// GetAccountInfo re-reads the account and marks open positions to derive
// equity and margin, which the account record does not carry.
func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	accounts, err := c.tradingAccounts(ctx)
	if err != nil {
		return nil, broker.Logged(err)
	}
	acct := c.currentAccount()
	if acct == nil {
		return nil, broker.Logged(errSessionDropped)
	}
	for i := range accounts {
		if accounts[i].AccountID == acct.AccountID {
			acct = &accounts[i]
		}
	}

	positions, err := c.fetchPositions(ctx, acct)
	if err != nil {
		return nil, broker.Logged(err)
	}
	info := acct.toBroker()
	var pnl, margin float64
	for _, p := range positions {
		pnl += acct.money(p.Profit)
		margin += acct.money(p.UsedMargin)
	}
	info.Equity = info.Balance + pnl
	info.MarginUsed = margin
	info.MarginAvailable = info.Equity - margin
	return info, nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct := c.currentAccount()
	if acct == nil {
		return nil, broker.Logged(errSessionDropped)
	}
	positions, err := c.fetchPositions(ctx, acct)
	if err != nil {
		return nil, broker.Logged(err)
	}
	out := make([]broker.PositionInfo, 0, len(positions))
	for _, p := range positions {
		out = append(out, p.toBroker(acct))
	}
	return out, nil
}

func (c *Client) fetchPositions(ctx context.Context, acct *tradingAccount) ([]position, error) {
	var body struct {
		Data []position `json:"data"`
	}
	if err := c.do(ctx, rest.Request{Op: "get positions", Method: http.MethodGet, Path: accountPath(acct, "/positions")}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// volumeCents converts lots/units to the API's hundredths.
func volumeCents(qty float64) int64 {
	return int64(math.Round(qty * 100))
}
