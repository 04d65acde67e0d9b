package broker

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Default safety limits.
const (
	DefaultMaxOrderQty    = 1000
	DefaultMaxOrderValue  = 50000.0
	DefaultDailyLossLimit = 10000.0
)

// SafetyConfig holds configurable safety limits applied before routing.
type SafetyConfig struct {
	MaxOrderQty    float64 `json:"max_order_qty" yaml:"max_order_qty"`
	MaxOrderValue  float64 `json:"max_order_value" yaml:"max_order_value"`
	DailyLossLimit float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	ConfirmOrders  bool    `json:"confirm_orders" yaml:"confirm_orders"`
}

// DefaultSafetyConfig returns conservative defaults.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		MaxOrderQty:    DefaultMaxOrderQty,
		MaxOrderValue:  DefaultMaxOrderValue,
		DailyLossLimit: DefaultDailyLossLimit,
		ConfirmOrders:  true,
	}
}

// ValidateBaseURL rejects plain-text venue endpoints. Loopback hosts may use
// http so locally-run gateways and bridges keep working.
func ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid venue URL %q", raw)
	}
	switch u.Scheme {
	case "https", "wss":
		return nil
	case "http", "ws":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return fmt.Errorf("venue URL %q must use https", raw)
	default:
		return fmt.Errorf("venue URL %q has unsupported scheme %q", raw, u.Scheme)
	}
}

// ValidateTradeParams checks the venue-agnostic order invariants: positive
// quantity, an explicit side, market type, and sane protection levels.
func ValidateTradeParams(venue string, p TradeParams) error {
	if strings.TrimSpace(p.Symbol) == "" {
		return NewError(venue, "validate", KindValidation, "symbol is required")
	}
	if p.Side == "" {
		return NewError(venue, "validate", KindValidation, "side is required")
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return NewError(venue, "validate", KindValidation, "invalid side %q: must be 'buy' or 'sell'", p.Side)
	}
	if !(p.Quantity > 0) {
		return NewError(venue, "validate", KindValidation, "quantity must be positive")
	}
	if p.Type != "" && p.Type != OrderTypeMarket {
		return NewError(venue, "validate", KindValidation, "order type %q is not supported; only market orders are executed", p.Type)
	}
	if p.TimeInForce != "" {
		if err := ValidateTIF(p.TimeInForce); err != nil {
			return Wrap(venue, "validate", KindValidation, err)
		}
	}
	if p.StopLoss < 0 || p.TakeProfit < 0 {
		return NewError(venue, "validate", KindValidation, "protection levels must not be negative")
	}
	if p.StopLoss > 0 && p.TakeProfit > 0 {
		if p.Side == SideBuy && p.StopLoss >= p.TakeProfit {
			return NewError(venue, "validate", KindValidation, "stop-loss %.5f must be below take-profit %.5f for a buy", p.StopLoss, p.TakeProfit)
		}
		if p.Side == SideSell && p.StopLoss <= p.TakeProfit {
			return NewError(venue, "validate", KindValidation, "stop-loss %.5f must be above take-profit %.5f for a sell", p.StopLoss, p.TakeProfit)
		}
	}
	return nil
}

// ValidateOrderLimits checks an order against safety limits. refPrice is an
// estimate used for the value check; 0 skips it.
func ValidateOrderLimits(p TradeParams, refPrice float64, cfg SafetyConfig) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if cfg.MaxOrderQty > 0 && p.Quantity > cfg.MaxOrderQty {
		return fmt.Errorf("quantity %g exceeds max order quantity of %g", p.Quantity, cfg.MaxOrderQty)
	}
	if refPrice > 0 && cfg.MaxOrderValue > 0 {
		if est := p.Quantity * refPrice; est > cfg.MaxOrderValue {
			return fmt.Errorf("estimated order value $%.2f exceeds max of $%.2f", est, cfg.MaxOrderValue)
		}
	}
	return nil
}

// ValidateDailyLoss checks if unrealized P&L exceeds the daily loss limit.
func ValidateDailyLoss(unrealizedPL float64, cfg SafetyConfig) error {
	if cfg.DailyLossLimit > 0 && unrealizedPL < 0 && (-unrealizedPL) >= cfg.DailyLossLimit {
		return fmt.Errorf("daily loss limit reached: unrealized P&L $%.2f exceeds -$%.2f limit; new orders blocked", unrealizedPL, cfg.DailyLossLimit)
	}
	return nil
}

// ValidateSide checks the order side is valid.
func ValidateSide(side string) error {
	switch Side(strings.ToLower(side)) {
	case SideBuy, SideSell:
		return nil
	default:
		return fmt.Errorf("invalid side %q: must be 'buy' or 'sell'", side)
	}
}

// ValidateTIF checks the time-in-force is valid.
func ValidateTIF(tif string) error {
	switch strings.ToLower(tif) {
	case "day", "gtc", "ioc", "fok":
		return nil
	default:
		return fmt.Errorf("invalid time-in-force %q: must be one of: day, gtc, ioc, fok", tif)
	}
}

// NormalizeSide lower-cases a side, returning "" for anything unknown.
func NormalizeSide(s string) Side {
	switch side := Side(strings.ToLower(strings.TrimSpace(s))); side {
	case SideBuy, SideSell:
		return side
	default:
		return ""
	}
}
