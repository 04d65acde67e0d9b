package alpaca

import (
	"strconv"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

// Alpaca API response types.

type alpacaAccount struct {
	ID                string `json:"id"`
	AccountNumber     string `json:"account_number"`
	Status            string `json:"status"`
	Currency          string `json:"currency"`
	Cash              string `json:"cash"`
	BuyingPower       string `json:"buying_power"`
	Equity            string `json:"equity"`
	PortfolioValue    string `json:"portfolio_value"`
	Multiplier        string `json:"multiplier"`
	InitialMargin     string `json:"initial_margin"`
	MaintenanceMargin string `json:"maintenance_margin"`
	PatternDayTrader  bool   `json:"pattern_day_trader"`
	TradingBlocked    bool   `json:"trading_blocked"`
	AccountBlocked    bool   `json:"account_blocked"`
	CryptoStatus      string `json:"crypto_status"`

	raw map[string]any
}

type alpacaPosition struct {
	AssetID        string `json:"asset_id"`
	Symbol         string `json:"symbol"`
	Exchange       string `json:"exchange"`
	AssetClass     string `json:"asset_class"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	AvgEntryPrice  string `json:"avg_entry_price"`
	CurrentPrice   string `json:"current_price"`
	MarketValue    string `json:"market_value"`
	UnrealizedPL   string `json:"unrealized_pl"`
	UnrealizedPLPC string `json:"unrealized_plpc"`
}

type alpacaOrder struct {
	ID             string        `json:"id"`
	ClientOrderID  string        `json:"client_order_id"`
	Symbol         string        `json:"symbol"`
	Qty            string        `json:"qty"`
	FilledQty      string        `json:"filled_qty"`
	Side           string        `json:"side"`
	Type           string        `json:"type"`
	OrderClass     string        `json:"order_class"`
	TimeInForce    string        `json:"time_in_force"`
	LimitPrice     *string       `json:"limit_price"`
	StopPrice      *string       `json:"stop_price"`
	FilledAvgPrice *string       `json:"filled_avg_price"`
	Status         string        `json:"status"`
	SubmittedAt    string        `json:"submitted_at"`
	Legs           []alpacaOrder `json:"legs"`
}

type alpacaOrderRequest struct {
	Symbol      string         `json:"symbol"`
	Qty         string         `json:"qty"`
	Side        string         `json:"side"`
	Type        string         `json:"type"`
	TimeInForce string         `json:"time_in_force"`
	OrderClass  string         `json:"order_class,omitempty"`
	TakeProfit  *takeProfitLeg `json:"take_profit,omitempty"`
	StopLoss    *stopLossLeg   `json:"stop_loss,omitempty"`
	ClientID    string         `json:"client_order_id,omitempty"`
}

type takeProfitLeg struct {
	LimitPrice string `json:"limit_price"`
}

type stopLossLeg struct {
	StopPrice string `json:"stop_price"`
}

// Conversion functions.

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// formatPrice follows Alpaca's tick rules: two decimals at or above $1,
// four below.
func formatPrice(v float64) string {
	if v >= 1 {
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func (a *alpacaAccount) toBroker() *broker.AccountInfo {
	leverage := parseFloat(a.Multiplier)
	if leverage == 0 {
		leverage = 1
	}
	return &broker.AccountInfo{
		AccountID:       a.ID,
		Balance:         parseFloat(a.Cash),
		Equity:          parseFloat(a.Equity),
		Currency:        a.Currency,
		Status:          a.Status,
		Leverage:        leverage,
		MarginUsed:      parseFloat(a.InitialMargin),
		MarginAvailable: parseFloat(a.BuyingPower),
		Metadata:        a.raw,
	}
}

func (p *alpacaPosition) toBroker() broker.PositionInfo {
	qty := parseFloat(p.Qty)
	side := broker.Long
	if p.Side == "short" || qty < 0 {
		side = broker.Short
	}
	if qty < 0 {
		qty = -qty
	}
	return broker.PositionInfo{
		Symbol:        p.Symbol,
		Side:          side,
		Quantity:      qty,
		EntryPrice:    parseFloat(p.AvgEntryPrice),
		CurrentPrice:  parseFloat(p.CurrentPrice),
		UnrealizedPnL: parseFloat(p.UnrealizedPL),
		Metadata: map[string]any{
			"asset_id":        p.AssetID,
			"asset_class":     p.AssetClass,
			"exchange":        p.Exchange,
			"market_value":    parseFloat(p.MarketValue),
			"unrealized_plpc": parseFloat(p.UnrealizedPLPC) * 100, // percent
		},
	}
}

func (o *alpacaOrder) toBroker() *broker.OrderResult {
	r := &broker.OrderResult{
		OrderID:  o.ID,
		Venue:    venue,
		Symbol:   o.Symbol,
		Side:     broker.Side(o.Side),
		Quantity: parseFloat(o.Qty),
		Status:   o.Status,
		Metadata: map[string]any{
			"order_class":     o.OrderClass,
			"client_order_id": o.ClientOrderID,
		},
	}
	if o.FilledAvgPrice != nil {
		r.FilledPrice = parseFloat(*o.FilledAvgPrice)
	}
	if t, err := time.Parse(time.RFC3339Nano, o.SubmittedAt); err == nil {
		r.SubmittedAt = t
	} else {
		r.SubmittedAt = time.Now().UTC()
	}
	for _, leg := range o.Legs {
		switch leg.Type {
		case "stop", "stop_limit":
			r.StopLossOrderID = leg.ID
		case "limit":
			r.TakeProfitOrderID = leg.ID
		}
	}
	return r
}
