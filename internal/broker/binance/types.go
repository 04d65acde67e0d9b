package binance

import (
	"strconv"

	"github.com/haiphen/tradegate/internal/broker"
)

type binanceAccount struct {
	AccountType string `json:"accountType"`
	CanTrade    bool   `json:"canTrade"`
	CanWithdraw bool   `json:"canWithdraw"`
	UpdateTime  int64  `json:"updateTime"`
	UID         int64  `json:"uid"`
	Balances    []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`

	raw map[string]any
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// toBroker reports the quote-asset wallet: free funds are the balance,
// locked funds (resting orders) count as margin in use.
func (a *binanceAccount) toBroker(quote string) *broker.AccountInfo {
	var free, locked float64
	for _, b := range a.Balances {
		if b.Asset == quote {
			free = parseFloat(b.Free)
			locked = parseFloat(b.Locked)
		}
	}
	status := "ACTIVE"
	if !a.CanTrade {
		status = "TRADING_DISABLED"
	}
	id := a.AccountType
	if a.UID != 0 {
		id = strconv.FormatInt(a.UID, 10)
	}
	return &broker.AccountInfo{
		AccountID:       id,
		Balance:         free,
		Equity:          free + locked,
		Currency:        quote,
		Status:          status,
		Leverage:        1,
		MarginUsed:      locked,
		MarginAvailable: free,
		Metadata:        a.raw,
	}
}
