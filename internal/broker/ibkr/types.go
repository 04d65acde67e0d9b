package ibkr

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/haiphen/tradegate/internal/broker"
)

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

type accountList struct {
	Accounts        []string `json:"accounts"`
	SelectedAccount string   `json:"selectedAccount"`
}

type validateResponse struct {
	Result bool   `json:"RESULT"`
	UserID int64  `json:"USER_ID"`
	User   string `json:"USER_NAME"`
}

// conid arrives as a number from some endpoints and a string from others.
type conid int64

func (c *conid) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*c = 0
		return nil
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*c = conid(v)
	return nil
}

type summaryValue struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Value    string  `json:"value"`
}

// portfolioSummary is keyed by lower-case metric names
// ("netliquidation", "totalcashvalue", ...).
type portfolioSummary map[string]summaryValue

func (s portfolioSummary) amount(key string) float64 { return s[key].Amount }

func (s portfolioSummary) toBroker(acct string) *broker.AccountInfo {
	netLiq := s.amount("netliquidation")
	leverage := 1.0
	if gross := s.amount("grosspositionvalue"); gross > 0 && netLiq > 0 {
		leverage = math.Round(gross/netLiq*100) / 100
	}
	currency := s["netliquidation"].Currency
	if currency == "" {
		currency = "USD"
	}
	meta := make(map[string]any, len(s))
	for k, v := range s {
		meta[k] = v.Amount
	}
	return &broker.AccountInfo{
		AccountID:       acct,
		Balance:         s.amount("totalcashvalue"),
		Equity:          netLiq,
		Currency:        currency,
		Status:          "ACTIVE",
		Leverage:        leverage,
		MarginUsed:      s.amount("initmarginreq"),
		MarginAvailable: s.amount("availablefunds"),
		Metadata:        meta,
	}
}

type portfolioPosition struct {
	AcctID        string  `json:"acctId"`
	Conid         conid   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Ticker        string  `json:"ticker"`
	AssetClass    string  `json:"assetClass"`
	Position      float64 `json:"position"`
	MktPrice      float64 `json:"mktPrice"`
	MktValue      float64 `json:"mktValue"`
	Currency      string  `json:"currency"`
	AvgPrice      float64 `json:"avgPrice"`
	AvgCost       float64 `json:"avgCost"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
}

func (p *portfolioPosition) toBroker() broker.PositionInfo {
	side := broker.Long
	qty := p.Position
	if qty < 0 {
		side = broker.Short
		qty = -qty
	}
	symbol := p.Ticker
	if symbol == "" {
		symbol = p.ContractDesc
	}
	entry := p.AvgPrice
	if entry == 0 {
		entry = p.AvgCost
	}
	return broker.PositionInfo{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		EntryPrice:    entry,
		CurrentPrice:  p.MktPrice,
		UnrealizedPnL: p.UnrealizedPnl,
		Metadata: map[string]any{
			"conid":       int64(p.Conid),
			"asset_class": p.AssetClass,
			"currency":    p.Currency,
			"mkt_value":   p.MktValue,
		},
	}
}

type contractMatch struct {
	Conid       conid  `json:"conid"`
	Symbol      string `json:"symbol"`
	CompanyName string `json:"companyName"`
	Sections    []struct {
		SecType string `json:"secType"`
	} `json:"sections"`
}

func (m contractMatch) hasSecType(t string) bool {
	if len(m.Sections) == 0 {
		return true
	}
	for _, s := range m.Sections {
		if strings.EqualFold(s.SecType, t) {
			return true
		}
	}
	return false
}

type order struct {
	AcctID    string  `json:"acctId"`
	Conid     int64   `json:"conid"`
	COID      string  `json:"cOID,omitempty"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	TIF       string  `json:"tif"`
}

// orderReply is one element of the order endpoints' answer: either a
// confirmation prompt (ID + Message) or a placed order.
type orderReply struct {
	ID          string   `json:"id"`
	Message     []string `json:"message"`
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	Error       string   `json:"error"`
}

// decodeReplies accepts both the array form and a bare error object.
func decodeReplies(body []byte) ([]orderReply, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var one orderReply
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, err
		}
		return []orderReply{one}, nil
	}
	var many []orderReply
	if err := json.Unmarshal(body, &many); err != nil {
		return nil, err
	}
	return many, nil
}
