package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haiphen/tradegate/internal/broker"
)

// StreamUpdates connects to the Alpaca WebSocket and streams trade updates
// until ctx is cancelled.
func (c *Client) StreamUpdates(ctx context.Context, events chan<- broker.StreamEvent) error {
	url := c.streamURL()
	if err := broker.ValidateBaseURL(url); err != nil {
		return broker.Wrap(venue, "stream", broker.KindConfig, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return broker.Logged(broker.Wrap(venue, "stream", broker.KindTransport, fmt.Errorf("websocket connect: %w", err)))
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"action": "auth",
		"key":    c.apiKey,
		"secret": c.apiSecret,
	}); err != nil {
		return broker.Wrap(venue, "stream", broker.KindTransport, fmt.Errorf("websocket auth: %w", err))
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return broker.Wrap(venue, "stream", broker.KindTransport, fmt.Errorf("websocket auth response: %w", err))
	}
	if err := checkAuth(msg); err != nil {
		return broker.Logged(err)
	}

	if err := conn.WriteJSON(map[string]any{
		"action": "listen",
		"data": map[string]any{
			"streams": []string{"trade_updates"},
		},
	}); err != nil {
		return broker.Wrap(venue, "stream", broker.KindTransport, fmt.Errorf("websocket subscribe: %w", err))
	}

	// Unblock ReadMessage when the caller cancels.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return broker.Wrap(venue, "stream", broker.KindTransport, fmt.Errorf("websocket read: %w", err))
		}

		var envelope struct {
			Stream string          `json:"stream"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &envelope); err != nil {
			continue // skip malformed messages
		}
		if envelope.Stream != "trade_updates" {
			continue
		}
		event, err := parseTradeUpdate(envelope.Data)
		if err != nil {
			continue
		}
		select {
		case events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkAuth accepts both the array form and the {"stream":"authorization"}
// envelope Alpaca has used for trade_updates.
func checkAuth(msg []byte) error {
	var arr []struct {
		T   string `json:"T"`
		Msg string `json:"msg"`
	}
	if json.Unmarshal(msg, &arr) == nil {
		for _, r := range arr {
			if r.T == "error" {
				return broker.NewError(venue, "stream", broker.KindAuth, "websocket auth error: %s", r.Msg)
			}
		}
		return nil
	}
	var env struct {
		Stream string `json:"stream"`
		Data   struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if json.Unmarshal(msg, &env) == nil && env.Stream == "authorization" && env.Data.Status != "authorized" {
		return broker.NewError(venue, "stream", broker.KindAuth, "websocket auth status %q", env.Data.Status)
	}
	return nil
}

func parseTradeUpdate(data json.RawMessage) (broker.StreamEvent, error) {
	var update struct {
		Event     string `json:"event"`
		Timestamp string `json:"timestamp"`
		Order     struct {
			ID     string `json:"id"`
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
			Qty    string `json:"qty"`
			Status string `json:"status"`
		} `json:"order"`
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		return broker.StreamEvent{}, err
	}

	event := broker.StreamEvent{
		Venue:     venue,
		Type:      update.Event,
		Symbol:    update.Order.Symbol,
		Side:      update.Order.Side,
		Qty:       parseFloat(update.Order.Qty),
		Price:     parseFloat(update.Price),
		Status:    update.Order.Status,
		OrderID:   update.Order.ID,
		Timestamp: time.Now(),
	}
	if t, err := time.Parse(time.RFC3339Nano, update.Timestamp); err == nil {
		event.Timestamp = t
	}
	return event, nil
}
