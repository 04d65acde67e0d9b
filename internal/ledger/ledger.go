// Package ledger keeps internal cash-and-holdings accounts for venues that
// settle locally instead of at an external broker. Balances are decimals;
// every mutation goes through Store.Update, which serializes writers per
// account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound      = errors.New("ledger account not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrConflict             = errors.New("ledger update conflict")
)

// Entry kinds.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
	KindBuy      = "buy"
	KindSell     = "sell"
)

// Account is one user's cash balance and holdings.
type Account struct {
	UserID    string             `json:"user_id"`
	Currency  string             `json:"currency"`
	Balance   decimal.Decimal    `json:"balance"`
	Holdings  map[string]Holding `json:"holdings"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Holding is a long position held in the ledger.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	OpenedAt time.Time       `json:"opened_at"`
}

// Entry is one journal line. Amount is the signed cash movement.
type Entry struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         string          `json:"kind"`
	Symbol       string          `json:"symbol,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UpdateFunc mutates a private copy of the account. Returning an error
// discards the copy; the stored account is left untouched. A non-nil entry
// is journaled atomically with the new state.
type UpdateFunc func(a *Account) (*Entry, error)

// Store persists ledger accounts.
type Store interface {
	// Open returns the account, creating it with the initial balance when
	// it does not exist yet.
	Open(ctx context.Context, userID, currency string, initial decimal.Decimal) (*Account, error)
	Get(ctx context.Context, userID string) (*Account, error)
	// Update applies fn under the account's write lock.
	Update(ctx context.Context, userID string, fn UpdateFunc) (*Account, error)
	// Entries returns the journal oldest first; limit > 0 keeps the most
	// recent entries only.
	Entries(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.Holdings = make(map[string]Holding, len(a.Holdings))
	for k, v := range a.Holdings {
		c.Holdings[k] = v
	}
	return &c
}

// Symbols returns held symbols sorted.
func (a *Account) Symbols() []string {
	out := make([]string, 0, len(a.Holdings))
	for s := range a.Holdings {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Deposit credits cash.
func (a *Account) Deposit(amount decimal.Decimal) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	a.Balance = a.Balance.Add(amount)
	return &Entry{Kind: KindDeposit, Amount: amount}, nil
}

// Withdraw debits cash; the balance never goes negative.
func (a *Account) Withdraw(amount decimal.Decimal) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if a.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, a.Balance, amount)
	}
	a.Balance = a.Balance.Sub(amount)
	return &Entry{Kind: KindWithdraw, Amount: amount.Neg()}, nil
}

// Buy debits qty*price and adds to the holding. The funds check runs before
// anything is changed.
func (a *Account) Buy(symbol string, qty, price decimal.Decimal, at time.Time) (*Entry, error) {
	if !qty.IsPositive() || !price.IsPositive() {
		return nil, ErrInvalidAmount
	}
	cost := qty.Mul(price)
	if a.Balance.LessThan(cost) {
		return nil, fmt.Errorf("%w: balance %s, order value %s", ErrInsufficientFunds, a.Balance, cost)
	}
	a.Balance = a.Balance.Sub(cost)

	h, ok := a.Holdings[symbol]
	if !ok {
		h = Holding{Symbol: symbol, OpenedAt: at}
	}
	total := h.Quantity.Add(qty)
	h.AvgPrice = h.Quantity.Mul(h.AvgPrice).Add(cost).Div(total)
	h.Quantity = total
	if a.Holdings == nil {
		a.Holdings = map[string]Holding{}
	}
	a.Holdings[symbol] = h

	return &Entry{Kind: KindBuy, Symbol: symbol, Quantity: qty, Price: price, Amount: cost.Neg()}, nil
}

// Sell credits qty*price and reduces the holding. Short selling is refused.
func (a *Account) Sell(symbol string, qty, price decimal.Decimal) (*Entry, error) {
	if !qty.IsPositive() || !price.IsPositive() {
		return nil, ErrInvalidAmount
	}
	h, ok := a.Holdings[symbol]
	if !ok || h.Quantity.LessThan(qty) {
		held := decimal.Zero
		if ok {
			held = h.Quantity
		}
		return nil, fmt.Errorf("%w: holding %s %s, requested %s", ErrInsufficientHoldings, held, symbol, qty)
	}
	proceeds := qty.Mul(price)
	a.Balance = a.Balance.Add(proceeds)

	h.Quantity = h.Quantity.Sub(qty)
	if h.Quantity.IsZero() {
		delete(a.Holdings, symbol)
	} else {
		a.Holdings[symbol] = h
	}
	return &Entry{Kind: KindSell, Symbol: symbol, Quantity: qty, Price: price, Amount: proceeds}, nil
}

// stamp fills the fields every store sets the same way.
func stamp(e *Entry, a *Account, id string, at time.Time) {
	e.ID = id
	e.UserID = a.UserID
	e.BalanceAfter = a.Balance
	e.CreatedAt = at
}

// tail keeps the last limit entries.
func tail(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
