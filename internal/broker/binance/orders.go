package binance

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

// ExecuteMarketOrder places the MARKET entry and then one closing order per
// protection level. A failed child order does not fail the call: the entry
// is live at the venue, so the result is returned with ProtectionFailed set.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	if !c.tradingAllowed() {
		return nil, broker.Logged(broker.NewError(venue, "place order", broker.KindRejected, "account is not permitted to trade"))
	}

	symbol := NormalizeSymbol(p.Symbol)
	entry, err := c.placeOrder(ctx, "place order", url.Values{
		"symbol":           {symbol},
		"side":             {sideParam(p.Side)},
		"type":             {"MARKET"},
		"quantity":         {formatNumber(p.Quantity)},
		"newOrderRespType": {"FULL"},
	})
	if err != nil {
		return nil, broker.Logged(err)
	}
	result := entry.toBroker(p.Side)

	closing := sideParam(p.Side.Opposite())
	qty := formatNumber(p.Quantity)
	if p.StopLoss > 0 {
		sl, err := c.placeOrder(ctx, "place stop-loss", url.Values{
			"symbol":    {symbol},
			"side":      {closing},
			"type":      {"STOP_LOSS"},
			"quantity":  {qty},
			"stopPrice": {formatNumber(p.StopLoss)},
		})
		if err != nil {
			log.Printf("[broker/binance] entry %s accepted but stop-loss failed: %v", result.OrderID, err)
			result.MarkProtectionFailed(err)
		} else {
			result.StopLossOrderID = sl.orderID()
		}
	}
	if p.TakeProfit > 0 {
		tp, err := c.placeOrder(ctx, "place take-profit", url.Values{
			"symbol":    {symbol},
			"side":      {closing},
			"type":      {"TAKE_PROFIT"},
			"quantity":  {qty},
			"stopPrice": {formatNumber(p.TakeProfit)},
		})
		if err != nil {
			log.Printf("[broker/binance] entry %s accepted but take-profit failed: %v", result.OrderID, err)
			result.MarkProtectionFailed(err)
		} else {
			result.TakeProfitOrderID = tp.orderID()
		}
	}
	return result, nil
}

func (c *Client) placeOrder(ctx context.Context, op string, params url.Values) (*binanceOrder, error) {
	var o binanceOrder
	if _, err := c.rest.Do(ctx, rest.Request{
		Op:       op,
		Method:   http.MethodPost,
		Path:     "/api/v3/order",
		RawQuery: c.signed(params),
	}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func sideParam(s broker.Side) string {
	if s == broker.SideSell {
		return "SELL"
	}
	return "BUY"
}

type binanceOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (o *binanceOrder) orderID() string { return strconv.FormatInt(o.OrderID, 10) }

func (o *binanceOrder) toBroker(side broker.Side) *broker.OrderResult {
	executed := parseFloat(o.ExecutedQty)
	r := &broker.OrderResult{
		OrderID:     o.orderID(),
		Venue:       venue,
		Symbol:      o.Symbol,
		Side:        side,
		Quantity:    parseFloat(o.OrigQty),
		Status:      o.Status,
		SubmittedAt: time.UnixMilli(o.TransactTime).UTC(),
		Metadata: map[string]any{
			"client_order_id": o.ClientOrderID,
			"executed_qty":    executed,
		},
	}
	if executed > 0 {
		r.FilledPrice = parseFloat(o.CummulativeQuoteQty) / executed
	}
	if o.TransactTime == 0 {
		r.SubmittedAt = time.Now().UTC()
	}
	var commission float64
	for _, f := range o.Fills {
		commission += parseFloat(f.Commission)
	}
	if len(o.Fills) > 0 {
		r.Metadata["commission"] = commission
		r.Metadata["commission_asset"] = o.Fills[0].CommissionAsset
	}
	return r
}
