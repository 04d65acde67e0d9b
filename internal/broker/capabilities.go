package broker

// Capabilities describes what a venue supports. Pure data.
type Capabilities struct {
	SupportsCrypto           bool `json:"supports_crypto"`
	SupportsStocks           bool `json:"supports_stocks"`
	SupportsForex            bool `json:"supports_forex"`
	SupportsFutures          bool `json:"supports_futures"`
	SupportsOptions          bool `json:"supports_options"`
	SupportsFractionalShares bool `json:"supports_fractional_shares"`
	SupportsStopLoss         bool `json:"supports_stop_loss"`
	SupportsTakeProfit       bool `json:"supports_take_profit"`
	SupportsMarketData       bool `json:"supports_market_data"`
	SupportsAccountHistory   bool `json:"supports_account_history"`
}

// Market class names reported by SupportedMarkets.
const (
	MarketStocks      = "Stocks"
	MarketETFs        = "ETFs"
	MarketOptions     = "Options"
	MarketCrypto      = "Crypto"
	MarketForex       = "Forex"
	MarketFutures     = "Futures"
	MarketCFDs        = "CFDs"
	MarketCommodities = "Commodities"
	MarketIndices     = "Indices"
	MarketBonds       = "Bonds"
)

// CheckProtection rejects stop-loss/take-profit levels the venue cannot
// honor, before anything is sent.
func CheckProtection(venue string, caps Capabilities, p TradeParams) error {
	if p.StopLoss > 0 && !caps.SupportsStopLoss {
		return NewError(venue, "place order", KindValidation, "stop-loss orders are not supported")
	}
	if p.TakeProfit > 0 && !caps.SupportsTakeProfit {
		return NewError(venue, "place order", KindValidation, "take-profit orders are not supported")
	}
	return nil
}
