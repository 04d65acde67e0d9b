// Package tradehybrid is the internal venue: orders fill immediately
// against a ledger account at the injected price source's quote. No network
// I/O is involved.
package tradehybrid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/ledger"
	"github.com/haiphen/tradegate/internal/pricing"
)

const venue = "tradehybrid"

var capabilities = broker.Capabilities{
	SupportsCrypto:           true,
	SupportsStocks:           true,
	SupportsForex:            true,
	SupportsFractionalShares: true,
	SupportsAccountHistory:   true,
}

var markets = []string{broker.MarketCrypto, broker.MarketStocks, broker.MarketForex}

func init() {
	broker.Register(broker.Factory{
		Venue:          venue,
		DisplayName:    "TradeHybrid",
		ConnectionType: broker.APIKey,
		Fields: []broker.Field{
			{Name: "user_id", Label: "User ID", Env: "TRADEHYBRID_USER_ID", Required: true},
			{Name: "currency", Label: "Account currency", Env: "TRADEHYBRID_CURRENCY", Default: "USD"},
			{Name: "initial_balance", Label: "Opening balance for a new account", Env: "TRADEHYBRID_INITIAL_BALANCE", Default: "0"},
		},
		Capabilities: capabilities,
		Markets:      markets,
		New: func(creds broker.Credentials, opts broker.Options) (broker.Connection, error) {
			return New(creds, opts)
		},
		DefaultID: func(creds broker.Credentials) string {
			return venue + "_" + creds.Get("user_id")
		},
	})
}

// ID returns the registry id used for a user's account.
func ID(userID string) (broker.ID, error) {
	return broker.ParseID(venue + "_" + userID)
}

// Client implements broker.Connection over a ledger account.
type Client struct {
	userID   string
	currency string
	initial  decimal.Decimal
	store    ledger.Store
	prices   pricing.Source
	now      func() time.Time

	mu        sync.Mutex
	connected bool
}

var _ broker.Connection = (*Client)(nil)

func New(creds broker.Credentials, opts broker.Options) (*Client, error) {
	userID := creds.Get("user_id")
	if userID == "" {
		return nil, broker.NewError(venue, "new", broker.KindConfig, "user_id is required")
	}
	if opts.Ledger == nil {
		return nil, broker.NewError(venue, "new", broker.KindConfig, "no ledger store configured")
	}
	initial := decimal.Zero
	if v := creds.Get("initial_balance"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			return nil, broker.NewError(venue, "new", broker.KindConfig, "invalid initial_balance %q", v)
		}
		initial = d
	}
	currency := strings.ToUpper(creds.Get("currency"))
	if currency == "" {
		currency = "USD"
	}
	prices := opts.Prices
	if prices == nil {
		static, err := pricing.NewStatic(pricing.DefaultQuotes)
		if err != nil {
			return nil, broker.Wrap(venue, "new", broker.KindConfig, err)
		}
		prices = static
	}
	return &Client{
		userID:   userID,
		currency: currency,
		initial:  initial,
		store:    opts.Ledger,
		prices:   prices,
		now:      time.Now,
	}, nil
}

func (c *Client) Name() string { return venue }

// UserID is the ledger account the client trades.
func (c *Client) UserID() string { return c.userID }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) SupportedMarkets() []string { return append([]string(nil), markets...) }

func (c *Client) Capabilities() broker.Capabilities { return capabilities }

// Connect opens the ledger account, creating it with the configured opening
// balance the first time.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.store.Open(ctx, c.userID, c.currency, c.initial); err != nil {
		c.setConnected(false)
		return broker.Logged(c.ledgerError("connect", err))
	}
	c.setConnected(true)
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) Disconnect(context.Context) { c.setConnected(false) }

func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.Disconnect(ctx)
		return err
	}
	return nil
}

// ExecuteMarketOrder fills at the current quote. Buys need the full order
// value in cash; sells need the holding.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.CheckProtection(venue, capabilities, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}

	symbol := pricing.NormalizeSymbol(p.Symbol)
	price, err := c.prices.Price(ctx, symbol)
	if err != nil {
		kind := broker.KindTransport
		if errors.Is(err, pricing.ErrNoPrice) {
			kind = broker.KindValidation
		}
		return nil, broker.Logged(broker.Wrap(venue, "quote", kind, err))
	}
	qty := decimal.NewFromFloat(p.Quantity)
	at := c.now().UTC()

	var entry *ledger.Entry
	_, err = c.store.Update(ctx, c.userID, func(a *ledger.Account) (*ledger.Entry, error) {
		var err error
		if p.Side == broker.SideBuy {
			entry, err = a.Buy(symbol, qty, price, at)
		} else {
			entry, err = a.Sell(symbol, qty, price)
		}
		return entry, err
	})
	if err != nil {
		return nil, broker.Logged(c.ledgerError("place order", err))
	}

	return &broker.OrderResult{
		OrderID:     entry.ID,
		Venue:       venue,
		Symbol:      symbol,
		Side:        p.Side,
		Quantity:    p.Quantity,
		FilledPrice: price.InexactFloat64(),
		Status:      "filled",
		SubmittedAt: entry.CreatedAt,
		Metadata: map[string]any{
			"amount":        entry.Amount.String(),
			"balance_after": entry.BalanceAfter.String(),
		},
	}, nil
}

// ledgerError maps ledger sentinels onto broker error kinds.
func (c *Client) ledgerError(op string, err error) error {
	kind := broker.KindTransport
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		kind = broker.KindInsufficientFunds
	case errors.Is(err, ledger.ErrInsufficientHoldings):
		kind = broker.KindRejected
	case errors.Is(err, ledger.ErrInvalidAmount):
		kind = broker.KindValidation
	case errors.Is(err, ledger.ErrAccountNotFound):
		kind = broker.KindConfig
	case errors.Is(err, ledger.ErrConflict):
		kind = broker.KindTransport
	}
	return broker.Wrap(venue, op, kind, err)
}

// GetAccountInfo marks holdings to the price source; equity is cash plus
// marked holdings.
func (c *Client) GetAccountInfo(ctx context.Context) (*broker.AccountInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	a, err := c.store.Get(ctx, c.userID)
	if err != nil {
		return nil, broker.Logged(c.ledgerError("get account", err))
	}
	equity := a.Balance
	for _, sym := range a.Symbols() {
		h := a.Holdings[sym]
		equity = equity.Add(h.Quantity.Mul(c.mark(ctx, h)))
	}
	return &broker.AccountInfo{
		AccountID:       c.userID,
		Balance:         a.Balance.InexactFloat64(),
		Equity:          equity.InexactFloat64(),
		Currency:        a.Currency,
		Status:          "ACTIVE",
		Leverage:        1,
		MarginAvailable: a.Balance.InexactFloat64(),
		Metadata: map[string]any{
			"balance":    a.Balance.String(),
			"holdings":   len(a.Holdings),
			"updated_at": a.UpdatedAt,
		},
	}, nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	a, err := c.store.Get(ctx, c.userID)
	if err != nil {
		return nil, broker.Logged(c.ledgerError("get positions", err))
	}
	out := make([]broker.PositionInfo, 0, len(a.Holdings))
	for _, sym := range a.Symbols() {
		h := a.Holdings[sym]
		mark := c.mark(ctx, h)
		out = append(out, broker.PositionInfo{
			Symbol:        sym,
			Side:          broker.Long,
			Quantity:      h.Quantity.InexactFloat64(),
			EntryPrice:    h.AvgPrice.InexactFloat64(),
			CurrentPrice:  mark.InexactFloat64(),
			UnrealizedPnL: mark.Sub(h.AvgPrice).Mul(h.Quantity).InexactFloat64(),
			OpenTime:      h.OpenedAt,
			Metadata:      map[string]any{"quantity": h.Quantity.String(), "avg_price": h.AvgPrice.String()},
		})
	}
	return out, nil
}

// mark falls back to the average price when no quote is available.
func (c *Client) mark(ctx context.Context, h ledger.Holding) decimal.Decimal {
	p, err := c.prices.Price(ctx, h.Symbol)
	if err != nil {
		return h.AvgPrice
	}
	return p
}

// Deposit credits the account, e.g. when funding a new paper account.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal) (*ledger.Account, error) {
	a, err := c.store.Update(ctx, c.userID, func(a *ledger.Account) (*ledger.Entry, error) {
		return a.Deposit(amount)
	})
	if err != nil {
		return nil, broker.Logged(c.ledgerError("deposit", err))
	}
	return a, nil
}

// History returns the most recent journal entries.
func (c *Client) History(ctx context.Context, limit int) ([]ledger.Entry, error) {
	entries, err := c.store.Entries(ctx, c.userID, limit)
	if err != nil {
		return nil, broker.Logged(c.ledgerError("history", err))
	}
	return entries, nil
}

func (c *Client) String() string { return fmt.Sprintf("%s(%s)", venue, c.userID) }
