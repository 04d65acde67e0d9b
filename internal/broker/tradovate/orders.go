package tradovate

import (
	"context"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

// ExecuteMarketOrder sends a plain market order, or an order-sends-order
// with a Stop bracket for the stop-loss and a Limit bracket for the
// take-profit. Futures trade in whole contracts.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if p.Quantity != math.Trunc(p.Quantity) {
		return nil, broker.Logged(broker.NewError(venue, "place order", broker.KindValidation, "quantity %g is not a whole number of contracts", p.Quantity))
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	id, spec := c.account()

	order := placeOrder{
		AccountSpec: spec,
		AccountID:   id,
		Action:      action(p.Side),
		Symbol:      strings.ToUpper(p.Symbol),
		OrderQty:    int64(p.Quantity),
		OrderType:   "Market",
		IsAutomated: true,
	}
	exit := action(p.Side.Opposite())
	var brackets []*bracket
	if p.StopLoss > 0 {
		brackets = append(brackets, &bracket{Action: exit, OrderType: "Stop", StopPrice: p.StopLoss})
	}
	if p.TakeProfit > 0 {
		brackets = append(brackets, &bracket{Action: exit, OrderType: "Limit", Price: p.TakeProfit})
	}
	path := "/order/placeorder"
	if len(brackets) > 0 {
		path = "/order/placeoso"
		order.Bracket1 = brackets[0]
		if len(brackets) > 1 {
			order.Bracket2 = brackets[1]
		}
	}

	var res placeResult
	if err := c.do(ctx, rest.Request{Op: "place order", Method: http.MethodPost, Path: path, Body: order}, &res); err != nil {
		return nil, broker.Logged(err)
	}
	if res.FailureReason != "" || res.OrderID == 0 {
		msg := res.FailureText
		if msg == "" {
			msg = res.FailureReason
		}
		if msg == "" {
			msg = "order was not accepted"
		}
		return nil, broker.Logged(&broker.Error{Venue: venue, Op: "place order", Kind: broker.KindRejected, Code: res.FailureReason, Message: msg})
	}

	result := &broker.OrderResult{
		OrderID:     strconv.FormatInt(res.OrderID, 10),
		Venue:       venue,
		Symbol:      order.Symbol,
		Side:        p.Side,
		Quantity:    p.Quantity,
		Status:      "SUBMITTED",
		SubmittedAt: time.Now().UTC(),
	}

	// Bracket ids come back in bracket order.
	ids := []int64{res.OSO1ID, res.OSO2ID}
	for i, b := range brackets {
		if ids[i] == 0 {
			err := broker.NewError(venue, "place order", broker.KindProtocol, "%s bracket was not created", strings.ToLower(b.OrderType))
			log.Printf("[broker/tradovate] order %d accepted but %v", res.OrderID, err)
			result.MarkProtectionFailed(err)
			continue
		}
		if b.OrderType == "Stop" {
			result.StopLossOrderID = strconv.FormatInt(ids[i], 10)
		} else {
			result.TakeProfitOrderID = strconv.FormatInt(ids[i], 10)
		}
	}
	return result, nil
}

func action(s broker.Side) string {
	if s == broker.SideSell {
		return "Sell"
	}
	return "Buy"
}
