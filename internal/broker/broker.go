// Package broker defines the uniform trading contract every venue adapter
// implements, along with the venue-agnostic order, account and position
// records that callers receive.
package broker

import (
	"context"
	"time"
)

// Connection is the contract every venue adapter implements.
//
// A single Connection assumes single-flight use: callers must not run
// Connect concurrently with another operation on the same instance. Distinct
// instances share no state and may be used in parallel.
type Connection interface {
	// Name returns the venue identifier (e.g. "alpaca"). No I/O.
	Name() string

	// IsConnected reports whether the adapter currently holds a usable
	// authenticated session, not merely whether it was constructed.
	IsConnected() bool

	// Connect performs the venue handshake and populates the account
	// identifiers needed by later calls. Calling it while connected is safe.
	Connect(ctx context.Context) error

	// Disconnect performs a best-effort venue logout and clears all local
	// auth and account state. The connection may be reconnected later.
	Disconnect(ctx context.Context)

	// ExecuteMarketOrder places a market order, translating any stop-loss or
	// take-profit levels into the venue's native protection mechanism.
	ExecuteMarketOrder(ctx context.Context, params TradeParams) (*OrderResult, error)

	// GetAccountInfo fetches and normalizes the account state. Never cached.
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)

	// GetOpenPositions fetches and normalizes open positions. An empty slice
	// is a valid result.
	GetOpenPositions(ctx context.Context) ([]PositionInfo, error)

	// SupportedMarkets returns the static list of market classes.
	SupportedMarkets() []string

	// Capabilities returns the venue's capability descriptor.
	Capabilities() Capabilities

	// TestConnection connects and reports the outcome. A failed test leaves
	// the connection in its unauthenticated state.
	TestConnection(ctx context.Context) error
}

// Streamer is implemented by adapters that can push order updates.
type Streamer interface {
	StreamUpdates(ctx context.Context, events chan<- StreamEvent) error
}

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for protection orders.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// OrderType is the only order type this layer executes directly.
type OrderType string

const OrderTypeMarket OrderType = "market"

// TradeParams is the venue-agnostic market order request.
type TradeParams struct {
	Symbol      string            `json:"symbol"`
	Side        Side              `json:"side"`
	Quantity    float64           `json:"quantity"`
	Type        OrderType         `json:"type,omitempty"`
	TimeInForce string            `json:"time_in_force,omitempty"`
	StopLoss    float64           `json:"stop_loss,omitempty"`   // absolute price, 0 = none
	TakeProfit  float64           `json:"take_profit,omitempty"` // absolute price, 0 = none
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasProtection reports whether any stop-loss or take-profit level is set.
func (p TradeParams) HasProtection() bool {
	return p.StopLoss > 0 || p.TakeProfit > 0
}

// OrderResult is the normalized outcome of ExecuteMarketOrder.
//
// When the entry order was accepted but a dependent protection order failed,
// the result is still returned with a nil error and ProtectionFailed set.
type OrderResult struct {
	OrderID           string         `json:"order_id"`
	Venue             string         `json:"venue"`
	Symbol            string         `json:"symbol"`
	Side              Side           `json:"side"`
	Quantity          float64        `json:"quantity"`
	FilledPrice       float64        `json:"filled_price,omitempty"`
	Status            string         `json:"status"`
	StopLossOrderID   string         `json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string         `json:"take_profit_order_id,omitempty"`
	ProtectionFailed  bool           `json:"protection_failed"`
	ProtectionError   string         `json:"protection_error,omitempty"`
	SubmittedAt       time.Time      `json:"submitted_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// MarkProtectionFailed records a failed protection leg on the result.
func (r *OrderResult) MarkProtectionFailed(err error) {
	r.ProtectionFailed = true
	if r.ProtectionError != "" {
		r.ProtectionError += "; " + err.Error()
		return
	}
	r.ProtectionError = err.Error()
}

// AccountInfo is the normalized account snapshot.
type AccountInfo struct {
	AccountID       string         `json:"account_id"`
	Balance         float64        `json:"balance"`
	Equity          float64        `json:"equity"`
	Currency        string         `json:"currency"`
	Status          string         `json:"status"`
	Leverage        float64        `json:"leverage"`
	MarginUsed      float64        `json:"margin_used"`
	MarginAvailable float64        `json:"margin_available"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// PositionInfo is a normalized open position.
type PositionInfo struct {
	Symbol        string         `json:"symbol"`
	Side          PositionSide   `json:"side"`
	Quantity      float64        `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	CurrentPrice  float64        `json:"current_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	OpenTime      time.Time      `json:"open_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StreamEvent represents a real-time order event from a venue.
type StreamEvent struct {
	Venue     string    `json:"venue"`
	Type      string    `json:"type"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side,omitempty"`
	Qty       float64   `json:"qty,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Status    string    `json:"status,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Token is an OAuth token pair held by adapters that refresh credentials.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// TokenStore persists rotated OAuth tokens across process restarts.
type TokenStore interface {
	LoadToken(key string) (*Token, error)
	SaveToken(key string, t *Token) error
	ClearToken(key string) error
}

// EnsureConnected performs the implicit single connect attempt required
// before any operation on a disconnected adapter.
func EnsureConnected(ctx context.Context, c Connection) error {
	if c.IsConnected() {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return &Error{
			Venue:   c.Name(),
			Op:      "connect",
			Kind:    KindNotConnected,
			Message: "not connected",
			Err:     err,
		}
	}
	return nil
}
