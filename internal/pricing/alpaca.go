package pricing

import (
	"context"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// latestTrades is the slice of the marketdata client this source needs.
type latestTrades interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetLatestCryptoTrade(symbol string, req marketdata.GetLatestCryptoTradeRequest) (*marketdata.CryptoTrade, error)
}

// Alpaca quotes the last trade from Alpaca market data. Symbols containing
// "/" are looked up on the crypto feed.
type Alpaca struct {
	client latestTrades
}

// NewAlpaca creates a live source. dataURL may be empty for the default
// endpoint.
func NewAlpaca(apiKey, apiSecret, dataURL string) *Alpaca {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &Alpaca{client: marketdata.NewClient(opts)}
}

func (a *Alpaca) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	sym := NormalizeSymbol(symbol)

	var price float64
	if strings.Contains(sym, "/") {
		t, err := a.client.GetLatestCryptoTrade(sym, marketdata.GetLatestCryptoTradeRequest{})
		if err != nil {
			return decimal.Zero, fmt.Errorf("alpaca latest crypto trade %s: %w", sym, err)
		}
		if t != nil {
			price = t.Price
		}
	} else {
		t, err := a.client.GetLatestTrade(sym, marketdata.GetLatestTradeRequest{})
		if err != nil {
			return decimal.Zero, fmt.Errorf("alpaca latest trade %s: %w", sym, err)
		}
		if t != nil {
			price = t.Price
		}
	}
	if price <= 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, sym)
	}
	return decimal.NewFromFloat(price), nil
}
