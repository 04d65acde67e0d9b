package metatrader

import (
	"strconv"
	"strings"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

type connectRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type connectResponse struct {
	SessionID string      `json:"sessionId"`
	Error     string      `json:"error"`
	Account   accountInfo `json:"account"`
}

type accountInfo struct {
	Login        int64   `json:"login"`
	Name         string  `json:"name"`
	Server       string  `json:"server"`
	Currency     string  `json:"currency"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Margin       float64 `json:"margin"`
	FreeMargin   float64 `json:"freeMargin"`
	Leverage     float64 `json:"leverage"`
	TradeAllowed bool    `json:"tradeAllowed"`
}

func (a *accountInfo) toBroker() *broker.AccountInfo {
	status := "ACTIVE"
	if !a.TradeAllowed {
		status = "TRADE_DISABLED"
	}
	leverage := a.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	return &broker.AccountInfo{
		AccountID:       strconv.FormatInt(a.Login, 10),
		Balance:         a.Balance,
		Equity:          a.Equity,
		Currency:        a.Currency,
		Status:          status,
		Leverage:        leverage,
		MarginUsed:      a.Margin,
		MarginAvailable: a.FreeMargin,
		Metadata: map[string]any{
			"name":   a.Name,
			"server": a.Server,
		},
	}
}

// position.Type is "BUY"/"SELL" from MT4 bridges and
// "POSITION_TYPE_BUY"/"POSITION_TYPE_SELL" from MT5.
type position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"openPrice"`
	CurrentPrice float64 `json:"currentPrice"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	OpenTime     int64   `json:"openTime"`
}

func (p *position) toBroker() broker.PositionInfo {
	side := broker.Long
	if strings.HasSuffix(strings.ToUpper(p.Type), "SELL") {
		side = broker.Short
	}
	var opened time.Time
	if p.OpenTime > 0 {
		opened = time.Unix(p.OpenTime, 0).UTC()
	}
	return broker.PositionInfo{
		Symbol:        p.Symbol,
		Side:          side,
		Quantity:      p.Volume,
		EntryPrice:    p.OpenPrice,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.Profit + p.Swap,
		OpenTime:      opened,
		Metadata: map[string]any{
			"ticket": p.Ticket,
			"sl":     p.StopLoss,
			"tp":     p.TakeProfit,
		},
	}
}

type orderRequest struct {
	Symbol  string  `json:"symbol"`
	Type    string  `json:"type"`
	Volume  float64 `json:"volume"`
	Comment string  `json:"comment,omitempty"`
}

type orderResponse struct {
	Ticket  int64   `json:"ticket"`
	Price   float64 `json:"price"`
	Time    int64   `json:"time"`
	Retcode int     `json:"retcode"`
	Comment string  `json:"comment"`
	Error   string  `json:"error"`
}

type modifyRequest struct {
	Ticket     int64   `json:"ticket"`
	StopLoss   float64 `json:"sl,omitempty"`
	TakeProfit float64 `json:"tp,omitempty"`
}
