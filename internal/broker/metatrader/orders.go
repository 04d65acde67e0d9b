package metatrader

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

// retcodeDone is the trade server's TRADE_RETCODE_DONE.
const retcodeDone = 10009

// ExecuteMarketOrder opens a market position in lots, then sets stop-loss
// and take-profit on the resulting ticket.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(c.venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}

	symbol := strings.ToUpper(strings.NewReplacer("/", "", "_", "", "-", "").Replace(p.Symbol))
	req := orderRequest{
		Symbol:  symbol,
		Type:    strings.ToUpper(string(p.Side)),
		Volume:  p.Quantity,
		Comment: p.Metadata["comment"],
	}
	var resp orderResponse
	if err := c.do(ctx, rest.Request{Op: "place order", Method: http.MethodPost, Path: "/order", Body: req}, &resp); err != nil {
		return nil, broker.Logged(err)
	}
	if resp.Error != "" || resp.Ticket == 0 || (resp.Retcode != 0 && resp.Retcode != retcodeDone) {
		msg := resp.Error
		if msg == "" {
			msg = resp.Comment
		}
		if msg == "" {
			msg = "order was not filled"
		}
		code := ""
		if resp.Retcode != 0 {
			code = strconv.Itoa(resp.Retcode)
		}
		return nil, broker.Logged(&broker.Error{Venue: c.venue, Op: "place order", Kind: broker.KindRejected, Code: code, Message: msg})
	}

	ticket := strconv.FormatInt(resp.Ticket, 10)
	result := &broker.OrderResult{
		OrderID:     ticket,
		Venue:       c.venue,
		Symbol:      symbol,
		Side:        p.Side,
		Quantity:    p.Quantity,
		FilledPrice: resp.Price,
		Status:      "FILLED",
		SubmittedAt: time.Now().UTC(),
		Metadata:    map[string]any{"retcode": resp.Retcode},
	}
	if resp.Time > 0 {
		result.SubmittedAt = time.Unix(resp.Time, 0).UTC()
	}
	if !p.HasProtection() {
		return result, nil
	}

	mod := modifyRequest{Ticket: resp.Ticket, StopLoss: p.StopLoss, TakeProfit: p.TakeProfit}
	var modResp orderResponse
	err := c.do(ctx, rest.Request{Op: "modify position", Method: http.MethodPost, Path: "/position/modify", Body: mod}, &modResp)
	if err == nil && modResp.Error != "" {
		err = broker.NewError(c.venue, "modify position", broker.KindRejected, "%s", modResp.Error)
	}
	if err != nil {
		log.Printf("[broker/%s] ticket %s opened but protection failed: %v", c.venue, ticket, err)
		result.MarkProtectionFailed(err)
		return result, nil
	}
	if p.StopLoss > 0 {
		result.StopLossOrderID = ticket
	}
	if p.TakeProfit > 0 {
		result.TakeProfitOrderID = ticket
	}
	return result, nil
}
