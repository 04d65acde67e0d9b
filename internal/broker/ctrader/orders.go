package ctrader

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

// ExecuteMarketOrder opens a position and then amends it with the requested
// stop-loss/take-profit. cTrader keeps protection on the position itself, so
// the child ids reported are the position id.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct := c.currentAccount()
	if acct == nil {
		return nil, broker.Logged(errSessionDropped)
	}

	side := "BUY"
	if p.Side == broker.SideSell {
		side = "SELL"
	}
	req := orderRequest{
		SymbolName: strings.ToUpper(strings.ReplaceAll(p.Symbol, "/", "")),
		OrderType:  "MARKET",
		TradeSide:  side,
		Volume:     volumeCents(p.Quantity),
		Label:      p.Metadata["label"],
	}
	if req.Volume <= 0 {
		return nil, broker.Logged(broker.NewError(venue, "place order", broker.KindValidation, "quantity %g is below the 0.01 volume step", p.Quantity))
	}

	var resp orderResponse
	if err := c.do(ctx, rest.Request{Op: "place order", Method: http.MethodPost, Path: accountPath(acct, "/orders"), Body: req}, &resp); err != nil {
		return nil, broker.Logged(err)
	}

	result := &broker.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Venue:       venue,
		Symbol:      req.SymbolName,
		Side:        p.Side,
		Quantity:    p.Quantity,
		FilledPrice: resp.ExecutionPrice,
		Status:      resp.Status,
		SubmittedAt: time.Now().UTC(),
		Metadata:    map[string]any{"position_id": resp.PositionID},
	}
	if resp.Timestamp > 0 {
		result.SubmittedAt = time.UnixMilli(resp.Timestamp).UTC()
	}

	if !p.HasProtection() {
		return result, nil
	}
	if resp.PositionID == 0 {
		err := broker.NewError(venue, "amend position", broker.KindProtocol, "order %d returned no position to protect", resp.OrderID)
		log.Printf("[broker/ctrader] %v", err)
		result.MarkProtectionFailed(err)
		return result, nil
	}

	amend := amendRequest{}
	if p.StopLoss > 0 {
		amend.StopLoss = &p.StopLoss
	}
	if p.TakeProfit > 0 {
		amend.TakeProfit = &p.TakeProfit
	}
	posID := strconv.FormatInt(resp.PositionID, 10)
	err := c.do(ctx, rest.Request{
		Op:     "amend position",
		Method: http.MethodPut,
		Path:   accountPath(acct, "/positions/"+posID),
		Body:   amend,
	}, nil)
	if err != nil {
		log.Printf("[broker/ctrader] position %s opened but protection failed: %v", posID, err)
		result.MarkProtectionFailed(err)
		return result, nil
	}
	if p.StopLoss > 0 {
		result.StopLossOrderID = posID
	}
	if p.TakeProfit > 0 {
		result.TakeProfitOrderID = posID
	}
	return result, nil
}
