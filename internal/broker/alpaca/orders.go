package alpaca

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

// ExecuteMarketOrder submits a market order. Stop-loss and take-profit ride
// on the entry as a single bracket order (both levels) or an OTO order (one
// level), so Alpaca creates the child legs atomically.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	crypto := strings.Contains(p.Symbol, "/")
	if crypto && p.HasProtection() {
		return nil, broker.Logged(broker.NewError(venue, "place order", broker.KindValidation,
			"bracket and OTO orders are not available for crypto symbols"))
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}

	body := orderRequest(p, crypto)
	var resp alpacaOrder
	if _, err := c.rest.Do(ctx, rest.Request{Op: "place order", Method: http.MethodPost, Path: "/v2/orders", Body: body}, &resp); err != nil {
		return nil, broker.Logged(err)
	}
	return resp.toBroker(), nil
}

func orderRequest(p broker.TradeParams, crypto bool) alpacaOrderRequest {
	tif := strings.ToLower(p.TimeInForce)
	if tif == "" {
		tif = "day"
		if crypto {
			tif = "gtc"
		}
	}
	req := alpacaOrderRequest{
		Symbol:      p.Symbol,
		Qty:         strconv.FormatFloat(p.Quantity, 'f', -1, 64),
		Side:        string(p.Side),
		Type:        "market",
		TimeInForce: tif,
		ClientID:    p.Metadata["client_order_id"],
	}
	if p.StopLoss > 0 {
		req.StopLoss = &stopLossLeg{StopPrice: formatPrice(p.StopLoss)}
	}
	if p.TakeProfit > 0 {
		req.TakeProfit = &takeProfitLeg{LimitPrice: formatPrice(p.TakeProfit)}
	}
	switch {
	case req.StopLoss != nil && req.TakeProfit != nil:
		req.OrderClass = "bracket"
	case req.StopLoss != nil || req.TakeProfit != nil:
		req.OrderClass = "oto"
	}
	return req
}
