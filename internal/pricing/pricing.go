// Package pricing provides market price lookups for venues that fill orders
// locally. Sources are injected so a live quote feed and a test double are
// interchangeable.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when a source has no quote for a symbol.
var ErrNoPrice = errors.New("no price available")

// Source returns the current price for a symbol.
type Source interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f Func) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// NormalizeSymbol upper-cases and maps "-" and "_" pair separators to "/".
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "/", "_", "/").Replace(s)
}

// Static is a fixed quote table. Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]decimal.Decimal
}

// DefaultQuotes is the placeholder table used when no live feed is
// configured.
var DefaultQuotes = map[string]string{
	"BTC/USD": "43250.00",
	"ETH/USD": "2280.00",
	"SOL/USD": "98.50",
	"EUR/USD": "1.0850",
	"GBP/USD": "1.2650",
	"USD/JPY": "148.20",
	"AAPL":    "185.50",
	"MSFT":    "402.10",
	"TSLA":    "195.30",
	"SPY":     "478.90",
}

// NewStatic builds a table from decimal strings.
func NewStatic(quotes map[string]string) (*Static, error) {
	s := &Static{quotes: make(map[string]decimal.Decimal, len(quotes))}
	for sym, q := range quotes {
		if err := s.Set(sym, q); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set adds or replaces a quote.
func (s *Static) Set(symbol, price string) error {
	p, err := decimal.NewFromString(price)
	if err != nil || !p.IsPositive() {
		return fmt.Errorf("invalid price %q for %s", price, symbol)
	}
	s.mu.Lock()
	s.quotes[NormalizeSymbol(symbol)] = p
	s.mu.Unlock()
	return nil
}

func (s *Static) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.quotes[NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return p, nil
}

// Chain tries each source in order and returns the first quote.
type Chain []Source

func (c Chain) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var errs []error
	for _, s := range c {
		p, err := s.Price(ctx, symbol)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
	}
	return decimal.Zero, errors.Join(errs...)
}
