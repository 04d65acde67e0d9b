package oanda

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

// ExecuteMarketOrder sends a FOK market order with units signed by side.
// OANDA cancels the whole order when an attached level is invalid, which is
// reported as a rejection rather than a partial execution.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}

	instrument := Instrument(p.Symbol)
	order := newMarketOrder(instrument, p)
	var resp orderResponse
	if _, err := c.rest.Do(ctx, rest.Request{
		Op:     "place order",
		Method: http.MethodPost,
		Path:   c.accountPath("/orders"),
		Body:   map[string]any{"order": order},
	}, &resp); err != nil {
		return nil, broker.Logged(err)
	}

	if resp.OrderCancelTransaction != nil {
		return nil, broker.Logged(&broker.Error{
			Venue:   venue,
			Op:      "place order",
			Kind:    broker.KindRejected,
			Code:    resp.OrderCancelTransaction.Reason,
			Message: "order cancelled: " + resp.OrderCancelTransaction.Reason,
		})
	}
	if resp.OrderFillTransaction == nil {
		return nil, broker.Logged(broker.NewError(venue, "place order", broker.KindProtocol, "no fill transaction in response"))
	}

	fill := resp.OrderFillTransaction
	result := &broker.OrderResult{
		OrderID:     fill.OrderID,
		Venue:       venue,
		Symbol:      instrument,
		Side:        p.Side,
		Quantity:    p.Quantity,
		FilledPrice: parseFloat(fill.Price),
		Status:      "FILLED",
		SubmittedAt: parseTime(fill.Time),
		Metadata: map[string]any{
			"fill_transaction_id":     fill.ID,
			"related_transaction_ids": resp.RelatedTransactionIDs,
		},
	}
	if result.OrderID == "" && resp.OrderCreateTransaction != nil {
		result.OrderID = resp.OrderCreateTransaction.ID
	}

	if p.HasProtection() && fill.TradeOpened != nil {
		result.Metadata["trade_id"] = fill.TradeOpened.TradeID
		if err := c.attachProtectionIDs(ctx, fill.TradeOpened.TradeID, result); err != nil {
			// The levels are attached at the venue; only the ids are missing.
			log.Printf("[broker/oanda] trade %s: could not read protection order ids: %v", fill.TradeOpened.TradeID, err)
		}
	}
	return result, nil
}

func newMarketOrder(instrument string, p broker.TradeParams) marketOrder {
	units := strconv.FormatFloat(p.Quantity, 'f', -1, 64)
	if p.Side == broker.SideSell {
		units = "-" + units
	}
	o := marketOrder{
		Type:         "MARKET",
		Instrument:   instrument,
		Units:        units,
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if p.StopLoss > 0 {
		o.StopLossOnFill = &priceDetails{Price: formatPrice(instrument, p.StopLoss), TimeInForce: "GTC"}
	}
	if p.TakeProfit > 0 {
		o.TakeProfitOnFill = &priceDetails{Price: formatPrice(instrument, p.TakeProfit), TimeInForce: "GTC"}
	}
	return o
}

func (c *Client) attachProtectionIDs(ctx context.Context, tradeID string, r *broker.OrderResult) error {
	var td tradeDetails
	if _, err := c.rest.Do(ctx, rest.Request{
		Op:     "get trade",
		Method: http.MethodGet,
		Path:   c.accountPath("/trades/" + url.PathEscape(tradeID)),
	}, &td); err != nil {
		return err
	}
	if td.Trade.StopLossOrder != nil {
		r.StopLossOrderID = td.Trade.StopLossOrder.ID
	}
	if td.Trade.TakeProfitOrder != nil {
		r.TakeProfitOrderID = td.Trade.TakeProfitOrder.ID
	}
	return nil
}

// formatPrice uses the usual OANDA display precision: three decimals for
// JPY crosses, five otherwise.
func formatPrice(instrument string, v float64) string {
	if strings.HasSuffix(instrument, "_JPY") {
		return strconv.FormatFloat(v, 'f', 3, 64)
	}
	return strconv.FormatFloat(v, 'f', 5, 64)
}
