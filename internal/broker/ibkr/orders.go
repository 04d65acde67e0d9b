package ibkr

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/rest"
)

// maxConfirmations bounds the precautionary-message prompts answered for
// one order.
const maxConfirmations = 3

// ExecuteMarketOrder places a MKT entry, then the protection levels as
// separate opposite-side STP and LMT orders. A failed protection order does
// not undo the entry.
func (c *Client) ExecuteMarketOrder(ctx context.Context, p broker.TradeParams) (*broker.OrderResult, error) {
	if err := broker.ValidateTradeParams(venue, p); err != nil {
		return nil, broker.Logged(err)
	}
	if err := broker.EnsureConnected(ctx, c); err != nil {
		return nil, broker.Logged(err)
	}
	acct, err := c.account()
	if err != nil {
		return nil, broker.Logged(err)
	}
	cid, err := c.resolveConid(ctx, p)
	if err != nil {
		return nil, broker.Logged(err)
	}

	tif := strings.ToUpper(p.TimeInForce)
	if tif == "" {
		tif = "DAY"
	}
	entry := order{
		AcctID:    acct,
		Conid:     cid,
		COID:      "tg-" + uuid.NewString(),
		OrderType: "MKT",
		Side:      ibSide(p.Side),
		Quantity:  p.Quantity,
		TIF:       tif,
	}
	placed, err := c.place(ctx, acct, entry, "place order")
	if err != nil {
		return nil, broker.Logged(err)
	}

	result := &broker.OrderResult{
		OrderID:     placed.OrderID,
		Venue:       venue,
		Symbol:      strings.ToUpper(p.Symbol),
		Side:        p.Side,
		Quantity:    p.Quantity,
		Status:      placed.OrderStatus,
		SubmittedAt: time.Now().UTC(),
		Metadata:    map[string]any{"conid": cid, "client_order_id": entry.COID},
	}

	exit := ibSide(p.Side.Opposite())
	if p.StopLoss > 0 {
		stop := order{AcctID: acct, Conid: cid, OrderType: "STP", Side: exit, Quantity: p.Quantity, Price: p.StopLoss, TIF: "GTC"}
		if r, err := c.place(ctx, acct, stop, "place stop-loss"); err != nil {
			log.Printf("[broker/ibkr] order %s placed but stop-loss failed: %v", placed.OrderID, err)
			result.MarkProtectionFailed(err)
		} else {
			result.StopLossOrderID = r.OrderID
		}
	}
	if p.TakeProfit > 0 {
		limit := order{AcctID: acct, Conid: cid, OrderType: "LMT", Side: exit, Quantity: p.Quantity, Price: p.TakeProfit, TIF: "GTC"}
		if r, err := c.place(ctx, acct, limit, "place take-profit"); err != nil {
			log.Printf("[broker/ibkr] order %s placed but take-profit failed: %v", placed.OrderID, err)
			result.MarkProtectionFailed(err)
		} else {
			result.TakeProfitOrderID = r.OrderID
		}
	}
	return result, nil
}

func ibSide(s broker.Side) string {
	if s == broker.SideSell {
		return "SELL"
	}
	return "BUY"
}

// place submits one order and answers up to maxConfirmations prompts.
func (c *Client) place(ctx context.Context, acct string, o order, op string) (*orderReply, error) {
	var raw json.RawMessage
	err := c.do(ctx, rest.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   "/iserver/account/" + url.PathEscape(acct) + "/orders",
		Body:   map[string]any{"orders": []order{o}},
	}, &raw)
	if err != nil {
		return nil, err
	}

	for confirmed := 0; ; confirmed++ {
		replies, err := decodeReplies(raw)
		if err != nil || len(replies) == 0 {
			return nil, broker.NewError(venue, op, broker.KindProtocol, "unexpected order reply %q", truncate(string(raw)))
		}
		r := replies[0]
		switch {
		case r.Error != "":
			return nil, broker.NewError(venue, op, broker.KindRejected, "%s", r.Error)
		case r.OrderID != "":
			return &r, nil
		case r.ID == "":
			return nil, broker.NewError(venue, op, broker.KindProtocol, "order reply has neither order id nor prompt")
		case confirmed >= maxConfirmations:
			return nil, broker.NewError(venue, op, broker.KindRejected, "order still needs confirmation after %d replies: %s", maxConfirmations, strings.Join(r.Message, " "))
		}

		log.Printf("[broker/ibkr] confirming order prompt %s: %s", r.ID, strings.Join(r.Message, " "))
		raw = nil
		if err := c.do(ctx, rest.Request{
			Op:     op,
			Method: http.MethodPost,
			Path:   "/iserver/reply/" + url.PathEscape(r.ID),
			Body:   map[string]bool{"confirmed": true},
		}, &raw); err != nil {
			return nil, err
		}
	}
}

// resolveConid maps a symbol to an IB contract id. A "conid" metadata entry
// bypasses the lookup; forex pairs such as EUR/USD search CASH contracts.
func (c *Client) resolveConid(ctx context.Context, p broker.TradeParams) (int64, error) {
	if v := p.Metadata["conid"]; v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, broker.NewError(venue, "resolve contract", broker.KindValidation, "invalid conid %q", v)
		}
		return id, nil
	}

	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	secType := strings.ToUpper(p.Metadata["sec_type"])
	search := symbol
	if i := strings.IndexAny(symbol, "/."); i > 0 {
		search = symbol[:i]
		if secType == "" {
			secType = "CASH"
		}
	}
	if secType == "" {
		secType = "STK"
	}
	key := symbol + ":" + secType

	c.mu.Lock()
	id, ok := c.conids[key]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var matches []contractMatch
	if err := c.do(ctx, rest.Request{
		Op:     "resolve contract",
		Method: http.MethodGet,
		Path:   "/iserver/secdef/search",
		Query:  url.Values{"symbol": {search}},
	}, &matches); err != nil {
		return 0, err
	}
	for _, m := range matches {
		if m.Conid != 0 && m.hasSecType(secType) {
			c.mu.Lock()
			c.conids[key] = int64(m.Conid)
			c.mu.Unlock()
			return int64(m.Conid), nil
		}
	}
	return 0, broker.NewError(venue, "resolve contract", broker.KindValidation, "no %s contract found for %s", secType, symbol)
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
