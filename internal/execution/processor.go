// Package execution routes orders and account queries to the connection
// registered under a broker id, after applying the gateway's safety limits.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/haiphen/tradegate/internal/audit"
	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/portfolio"
	"github.com/haiphen/tradegate/internal/pricing"
)

// ErrUnknownBroker means no connection is routed under the id.
var ErrUnknownBroker = errors.New("unknown broker id")

type callerKey struct{}

// WithCaller tags ctx with the authenticated caller recorded in the audit
// journal.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Option configures a Processor.
type Option func(*Processor)

// WithSafety sets the order limits. The zero value disables every limit.
func WithSafety(cfg broker.SafetyConfig) Option { return func(p *Processor) { p.safety = cfg } }

// WithAudit records every routed action to l.
func WithAudit(l *audit.Logger) Option { return func(p *Processor) { p.audit = l } }

// WithPrices supplies reference quotes for the order value limit.
func WithPrices(s pricing.Source) Option { return func(p *Processor) { p.prices = s } }

// Processor is the trade execution processor. Its routing table is fed by
// the registry.
type Processor struct {
	safety broker.SafetyConfig
	audit  *audit.Logger
	prices pricing.Source

	mu    sync.RWMutex
	conns map[broker.ID]broker.Connection
}

// New creates a processor with the default safety limits.
func New(opts ...Option) *Processor {
	p := &Processor{
		safety: broker.DefaultSafetyConfig(),
		conns:  map[broker.ID]broker.Connection{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) AddConnection(id broker.ID, conn broker.Connection) {
	p.mu.Lock()
	p.conns[id] = conn
	p.mu.Unlock()
}

func (p *Processor) RemoveConnection(id broker.ID) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

func (p *Processor) ConnectionIDs() []broker.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]broker.ID, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Processor) lookup(id broker.ID) (broker.Connection, error) {
	p.mu.RLock()
	conn, ok := p.conns[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownBroker)
	}
	return conn, nil
}

func (p *Processor) begin(ctx context.Context, action string, id broker.ID, args map[string]string) *audit.Span {
	if p.audit == nil {
		return nil
	}
	span := p.audit.Begin(action, string(id), args)
	if caller, ok := ctx.Value(callerKey{}).(string); ok {
		span.SetUser(caller)
	}
	return span
}

// PlaceOrder validates params against the safety limits and executes a
// market order on the connection routed under id. A result with
// ProtectionFailed set is returned with a nil error.
func (p *Processor) PlaceOrder(ctx context.Context, id broker.ID, params broker.TradeParams) (res *broker.OrderResult, err error) {
	span := p.begin(ctx, "order", id, orderArgs(params))
	defer func() { span.Finish(err) }()

	conn, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	if span != nil {
		span.SetVenue(conn.Name())
	}
	if err := broker.ValidateTradeParams(conn.Name(), params); err != nil {
		return nil, err
	}
	if err := p.checkLimits(ctx, conn, params); err != nil {
		return nil, err
	}

	res, err = conn.ExecuteMarketOrder(ctx, params)
	if err != nil {
		return nil, err
	}
	if span != nil {
		span.SetOrder(res.OrderID, res.ProtectionFailed)
	}
	if res.ProtectionFailed {
		log.Printf("[execution] %s order %s filled without protection: %s", id, res.OrderID, res.ProtectionError)
	}
	return res, nil
}

func (p *Processor) checkLimits(ctx context.Context, conn broker.Connection, params broker.TradeParams) error {
	var ref float64
	if p.prices != nil && p.safety.MaxOrderValue > 0 {
		if px, err := p.prices.Price(ctx, params.Symbol); err == nil {
			ref = px.InexactFloat64()
		}
	}
	if err := broker.ValidateOrderLimits(params, ref, p.safety); err != nil {
		return broker.Wrap(conn.Name(), "safety", broker.KindValidation, err)
	}
	if p.safety.DailyLossLimit <= 0 {
		return nil
	}
	positions, err := conn.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("checking daily loss: %w", err)
	}
	var pnl float64
	for _, pos := range positions {
		pnl += pos.UnrealizedPnL
	}
	if err := broker.ValidateDailyLoss(pnl, p.safety); err != nil {
		return broker.Wrap(conn.Name(), "safety", broker.KindValidation, err)
	}
	return nil
}

// GetAccount fetches the account snapshot for id.
func (p *Processor) GetAccount(ctx context.Context, id broker.ID) (*broker.AccountInfo, error) {
	conn, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return conn.GetAccountInfo(ctx)
}

// GetPositions fetches the open positions for id.
func (p *Processor) GetPositions(ctx context.Context, id broker.ID) ([]broker.PositionInfo, error) {
	conn, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	return conn.GetOpenPositions(ctx)
}

// Summary condenses the account and open positions of id into KPIs.
func (p *Processor) Summary(ctx context.Context, id broker.ID) (*portfolio.Summary, error) {
	conn, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	acct, err := conn.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := conn.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	return portfolio.Build(id, conn.Name(), acct, positions, time.Now()), nil
}

func orderArgs(p broker.TradeParams) map[string]string {
	args := map[string]string{
		"symbol":   p.Symbol,
		"side":     string(p.Side),
		"quantity": strconv.FormatFloat(p.Quantity, 'f', -1, 64),
	}
	if p.StopLoss > 0 {
		args["stop_loss"] = strconv.FormatFloat(p.StopLoss, 'f', -1, 64)
	}
	if p.TakeProfit > 0 {
		args["take_profit"] = strconv.FormatFloat(p.TakeProfit, 'f', -1, 64)
	}
	return args
}
