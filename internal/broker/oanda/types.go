package oanda

import (
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

type accountSummary struct {
	ID              string `json:"id"`
	Alias           string `json:"alias"`
	Currency        string `json:"currency"`
	Balance         string `json:"balance"`
	NAV             string `json:"NAV"`
	UnrealizedPL    string `json:"unrealizedPL"`
	MarginRate      string `json:"marginRate"`
	MarginUsed      string `json:"marginUsed"`
	MarginAvailable string `json:"marginAvailable"`
	OpenTradeCount  int    `json:"openTradeCount"`
	HedgingEnabled  bool   `json:"hedgingEnabled"`

	raw map[string]any
}

// toBroker converts the margin rate to leverage (0.02 → 50:1).
func (a *accountSummary) toBroker() *broker.AccountInfo {
	leverage := 1.0
	if r := parseFloat(a.MarginRate); r > 0 {
		leverage = 1 / r
	}
	return &broker.AccountInfo{
		AccountID:       a.ID,
		Balance:         parseFloat(a.Balance),
		Equity:          parseFloat(a.NAV),
		Currency:        a.Currency,
		Status:          "ACTIVE",
		Leverage:        leverage,
		MarginUsed:      parseFloat(a.MarginUsed),
		MarginAvailable: parseFloat(a.MarginAvailable),
		Metadata:        a.raw,
	}
}

type positionSide struct {
	Units        string   `json:"units"`
	AveragePrice string   `json:"averagePrice"`
	UnrealizedPL string   `json:"unrealizedPL"`
	TradeIDs     []string `json:"tradeIDs"`
}

type openPosition struct {
	Instrument string       `json:"instrument"`
	Long       positionSide `json:"long"`
	Short      positionSide `json:"short"`
}

func (p *openPosition) toBroker(mark closeout) []broker.PositionInfo {
	var out []broker.PositionInfo
	if units := parseFloat(p.Long.Units); units != 0 {
		out = append(out, broker.PositionInfo{
			Symbol:        p.Instrument,
			Side:          broker.Long,
			Quantity:      units,
			EntryPrice:    parseFloat(p.Long.AveragePrice),
			CurrentPrice:  mark.bid,
			UnrealizedPnL: parseFloat(p.Long.UnrealizedPL),
			Metadata:      map[string]any{"trade_ids": p.Long.TradeIDs},
		})
	}
	if units := parseFloat(p.Short.Units); units != 0 {
		out = append(out, broker.PositionInfo{
			Symbol:        p.Instrument,
			Side:          broker.Short,
			Quantity:      -units,
			EntryPrice:    parseFloat(p.Short.AveragePrice),
			CurrentPrice:  mark.ask,
			UnrealizedPnL: parseFloat(p.Short.UnrealizedPL),
			Metadata:      map[string]any{"trade_ids": p.Short.TradeIDs},
		})
	}
	return out
}

type priceDetails struct {
	Price       string `json:"price"`
	TimeInForce string `json:"timeInForce,omitempty"`
}

type marketOrder struct {
	Type             string        `json:"type"`
	Instrument       string        `json:"instrument"`
	Units            string        `json:"units"`
	TimeInForce      string        `json:"timeInForce"`
	PositionFill     string        `json:"positionFill"`
	StopLossOnFill   *priceDetails `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceDetails `json:"takeProfitOnFill,omitempty"`
}

type orderResponse struct {
	OrderCreateTransaction *struct {
		ID   string `json:"id"`
		Time string `json:"time"`
	} `json:"orderCreateTransaction"`
	OrderFillTransaction *struct {
		ID          string `json:"id"`
		OrderID     string `json:"orderID"`
		Price       string `json:"price"`
		Units       string `json:"units"`
		Time        string `json:"time"`
		TradeOpened *struct {
			TradeID string `json:"tradeID"`
		} `json:"tradeOpened"`
	} `json:"orderFillTransaction"`
	OrderCancelTransaction *struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"orderCancelTransaction"`
	RelatedTransactionIDs []string `json:"relatedTransactionIDs"`
	LastTransactionID     string   `json:"lastTransactionID"`
}

type idRef struct {
	ID string `json:"id"`
}

type tradeDetails struct {
	Trade struct {
		ID              string `json:"id"`
		StopLossOrder   *idRef `json:"stopLossOrder"`
		TakeProfitOrder *idRef `json:"takeProfitOrder"`
	} `json:"trade"`
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now().UTC()
}
