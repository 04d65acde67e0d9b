package tradovate

import (
	"strconv"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

type loginRequest struct {
	Name       string `json:"name"`
	Password   string `json:"password"`
	AppID      string `json:"appId"`
	AppVersion string `json:"appVersion"`
	CID        string `json:"cid"`
	Sec        string `json:"sec"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type tokenResponse struct {
	AccessToken    string `json:"accessToken"`
	ExpirationTime string `json:"expirationTime"`
	UserID         int64  `json:"userId"`
	Name           string `json:"name"`
	ErrorText      string `json:"errorText"`
}

type account struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	UserID      int64  `json:"userId"`
	AccountType string `json:"accountType"`
	Active      bool   `json:"active"`
}

type cashSnapshot struct {
	TotalCashValue  float64 `json:"totalCashValue"`
	NetLiq          float64 `json:"netLiq"`
	OpenPnL         float64 `json:"openPnL"`
	RealizedPnL     float64 `json:"realizedPnL"`
	InitialMargin   float64 `json:"initialMargin"`
	TotalUsedMargin float64 `json:"totalUsedMargin"`
}

func (s *cashSnapshot) toBroker(id int64, spec string) *broker.AccountInfo {
	equity := s.NetLiq
	if equity == 0 {
		equity = s.TotalCashValue + s.OpenPnL
	}
	margin := s.InitialMargin
	if margin == 0 {
		margin = s.TotalUsedMargin
	}
	return &broker.AccountInfo{
		AccountID:       strconv.FormatInt(id, 10),
		Balance:         s.TotalCashValue,
		Equity:          equity,
		Currency:        "USD",
		Status:          "ACTIVE",
		Leverage:        1,
		MarginUsed:      margin,
		MarginAvailable: equity - margin,
		Metadata: map[string]any{
			"account_spec": spec,
			"open_pnl":     s.OpenPnL,
			"realized_pnl": s.RealizedPnL,
		},
	}
}

type position struct {
	ID         int64   `json:"id"`
	AccountID  int64   `json:"accountId"`
	ContractID int64   `json:"contractId"`
	NetPos     int64   `json:"netPos"`
	NetPrice   float64 `json:"netPrice"`
	Timestamp  string  `json:"timestamp"`
}

func (p *position) toBroker(symbol string) broker.PositionInfo {
	side := broker.Long
	qty := p.NetPos
	if qty < 0 {
		side = broker.Short
		qty = -qty
	}
	opened, _ := time.Parse(time.RFC3339, p.Timestamp)
	return broker.PositionInfo{
		Symbol:     symbol,
		Side:       side,
		Quantity:   float64(qty),
		EntryPrice: p.NetPrice,
		OpenTime:   opened,
		Metadata:   map[string]any{"contract_id": p.ContractID, "position_id": p.ID},
	}
}

type contract struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type bracket struct {
	Action    string  `json:"action"`
	OrderType string  `json:"orderType"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stopPrice,omitempty"`
}

type placeOrder struct {
	AccountSpec string   `json:"accountSpec"`
	AccountID   int64    `json:"accountId"`
	Action      string   `json:"action"`
	Symbol      string   `json:"symbol"`
	OrderQty    int64    `json:"orderQty"`
	OrderType   string   `json:"orderType"`
	TimeInForce string   `json:"timeInForce,omitempty"`
	IsAutomated bool     `json:"isAutomated"`
	Bracket1    *bracket `json:"bracket1,omitempty"`
	Bracket2    *bracket `json:"bracket2,omitempty"`
}

type placeResult struct {
	OrderID       int64  `json:"orderId"`
	OSO1ID        int64  `json:"oso1Id"`
	OSO2ID        int64  `json:"oso2Id"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
}
