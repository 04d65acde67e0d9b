package ctrader

import (
	"math"
	"strconv"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

// Monetary amounts are integers scaled by 10^moneyDigits; leverage is in
// hundredths.
type tradingAccount struct {
	AccountID       int64  `json:"accountId"`
	AccountNumber   int64  `json:"accountNumber"`
	Live            bool   `json:"live"`
	BrokerName      string `json:"brokerName"`
	DepositCurrency string `json:"depositCurrency"`
	AccountStatus   string `json:"accountStatus"`
	Balance         int64  `json:"balance"`
	LeverageInCents int64  `json:"leverageInCents"`
	MoneyDigits     int    `json:"moneyDigits"`
}

func (a *tradingAccount) money(v int64) float64 {
	digits := a.MoneyDigits
	if digits == 0 {
		digits = 2
	}
	return float64(v) / math.Pow10(digits)
}

func (a *tradingAccount) toBroker() *broker.AccountInfo {
	balance := a.money(a.Balance)
	status := a.AccountStatus
	if status == "" {
		status = "ACTIVE"
	}
	return &broker.AccountInfo{
		AccountID:       strconv.FormatInt(a.AccountID, 10),
		Balance:         balance,
		Equity:          balance,
		Currency:        a.DepositCurrency,
		Status:          status,
		Leverage:        float64(a.LeverageInCents) / 100,
		MarginAvailable: balance,
		Metadata: map[string]any{
			"account_number": a.AccountNumber,
			"broker":         a.BrokerName,
			"live":           a.Live,
		},
	}
}

type position struct {
	PositionID    int64   `json:"positionId"`
	SymbolName    string  `json:"symbolName"`
	TradeSide     string  `json:"tradeSide"`
	Volume        int64   `json:"volume"`
	EntryPrice    float64 `json:"entryPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
	Profit        int64   `json:"profit"`
	UsedMargin    int64   `json:"usedMargin"`
	OpenTimestamp int64   `json:"openTimestamp"`
}

func (p *position) toBroker(acct *tradingAccount) broker.PositionInfo {
	side := broker.Long
	if p.TradeSide == "SELL" {
		side = broker.Short
	}
	return broker.PositionInfo{
		Symbol:        p.SymbolName,
		Side:          side,
		Quantity:      float64(p.Volume) / 100,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: acct.money(p.Profit),
		OpenTime:      time.UnixMilli(p.OpenTimestamp).UTC(),
		Metadata: map[string]any{
			"position_id": p.PositionID,
			"stop_loss":   p.StopLoss,
			"take_profit": p.TakeProfit,
		},
	}
}

type orderRequest struct {
	SymbolName string `json:"symbolName"`
	OrderType  string `json:"orderType"`
	TradeSide  string `json:"tradeSide"`
	Volume     int64  `json:"volume"`
	Label      string `json:"label,omitempty"`
}

type orderResponse struct {
	OrderID        int64   `json:"orderId"`
	PositionID     int64   `json:"positionId"`
	Status         string  `json:"status"`
	ExecutionPrice float64 `json:"executionPrice"`
	ExecutedVolume int64   `json:"executedVolume"`
	Timestamp      int64   `json:"utcLastUpdateTimestamp"`
}

type amendRequest struct {
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}
