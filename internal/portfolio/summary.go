// Package portfolio condenses account snapshots and open positions into the
// KPI summary served per broker and across all brokers.
package portfolio

import (
	"sort"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
)

// KPI is one named figure of a summary.
type KPI struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Exposure is the market value held in one symbol.
type Exposure struct {
	Symbol        string              `json:"symbol"`
	Side          broker.PositionSide `json:"side"`
	Quantity      float64             `json:"quantity"`
	MarketValue   float64             `json:"market_value"`
	UnrealizedPnL float64             `json:"unrealized_pnl"`
}

// Summary is the KPI view of one broker account.
type Summary struct {
	BrokerID  broker.ID  `json:"broker_id"`
	Venue     string     `json:"venue"`
	Currency  string     `json:"currency"`
	AsOf      time.Time  `json:"as_of"`
	KPIs      []KPI      `json:"kpis"`
	Exposures []Exposure `json:"exposures"`
}

// Value returns the named KPI, or 0.
func (s *Summary) Value(name string) float64 {
	for _, k := range s.KPIs {
		if k.Name == name {
			return k.Value
		}
	}
	return 0
}

// KPI names.
const (
	Equity          = "Equity"
	Balance         = "Balance"
	MarginAvailable = "Margin Available"
	UnrealizedPnL   = "Unrealized P&L"
	GrossExposure   = "Gross Exposure"
	OpenPositions   = "Open Positions"
)

// Build summarizes acct and positions. Exposures are sorted by absolute
// market value, largest first.
func Build(id broker.ID, venue string, acct *broker.AccountInfo, positions []broker.PositionInfo, now time.Time) *Summary {
	var pnl, gross float64
	exps := make([]Exposure, len(positions))
	for i, p := range positions {
		mv := p.Quantity * p.CurrentPrice
		if p.CurrentPrice == 0 {
			mv = p.Quantity * p.EntryPrice
		}
		if p.Side == broker.Short {
			mv = -mv
		}
		pnl += p.UnrealizedPnL
		gross += abs(mv)
		exps[i] = Exposure{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Quantity:      p.Quantity,
			MarketValue:   mv,
			UnrealizedPnL: p.UnrealizedPnL,
		}
	}
	sort.SliceStable(exps, func(i, j int) bool { return abs(exps[i].MarketValue) > abs(exps[j].MarketValue) })

	ccy := acct.Currency
	return &Summary{
		BrokerID: id,
		Venue:    venue,
		Currency: ccy,
		AsOf:     now.UTC(),
		KPIs: []KPI{
			{Name: Equity, Value: acct.Equity, Unit: ccy},
			{Name: Balance, Value: acct.Balance, Unit: ccy},
			{Name: MarginAvailable, Value: acct.MarginAvailable, Unit: ccy},
			{Name: UnrealizedPnL, Value: pnl, Unit: ccy},
			{Name: GrossExposure, Value: gross, Unit: ccy},
			{Name: OpenPositions, Value: float64(len(positions)), Unit: "count"},
		},
		Exposures: exps,
	}
}

// Totals adds up the KPIs of summaries sharing a currency, keyed by
// currency. Count KPIs are summed under every currency they appear with.
func Totals(sums []*Summary) map[string][]KPI {
	order := []string{Equity, Balance, MarginAvailable, UnrealizedPnL, GrossExposure, OpenPositions}
	acc := map[string]map[string]float64{}
	for _, s := range sums {
		m, ok := acc[s.Currency]
		if !ok {
			m = map[string]float64{}
			acc[s.Currency] = m
		}
		for _, k := range s.KPIs {
			m[k.Name] += k.Value
		}
	}
	out := make(map[string][]KPI, len(acc))
	for ccy, m := range acc {
		kpis := make([]KPI, 0, len(order))
		for _, name := range order {
			unit := ccy
			if name == OpenPositions {
				unit = "count"
			}
			kpis = append(kpis, KPI{Name: name, Value: m[name], Unit: unit})
		}
		out[ccy] = kpis
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
