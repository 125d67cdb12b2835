// Package position implements the per-(symbol, direction) position book.
//
// Positions are never modeled as independent BUY/SELL queues; a symbol has
// at most one LONG slot and one SHORT slot, each an owned Position value
// removed from the manager the instant its total reaches zero.
package position

import "sort"

// Direction is LONG or SHORT.
type Direction string

const (
	Long Direction = "LONG"
	Short Direction = "SHORT"
)

// sign returns +1 for LONG, -1 for SHORT — used for signed PnL arithmetic.
func (d Direction) sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Key identifies a position slot.
type Key struct {
	Symbol string
	Direction Direction
}

// Position is a single (symbol, direction) holding.
type Position struct {
	Symbol string
	Direction Direction
	Total float64 // always >= 0, sign encoded in Direction
	TodayOpen float64 // opened today, not yet available under T+1
	AvgCost float64 // volume-weighted average cost
	MarketPrice float64 // last mark from settlement
	RealizedPnL float64 // accumulator across the position's lifetime
	tradingRule string // "T+1" or "T+0", set at manager construction
}

// Available returns the sellable/closeable quantity under the manager's
// trading rule: Total - TodayOpen under T+1, or Total under T+0.
func (p *Position) Available() float64 {
	if p.tradingRule == "T+1" {
		avail := p.Total - p.TodayOpen
		if avail < 0 {
			return 0
		}
		return avail
	}
	return p.Total
}

// MarketValue returns Total * MarketPrice, always reported positive
// regardless of direction (Portfolio tracks long/short market value
// separately with its own sign convention).
func (p *Position) MarketValue() float64 {
	return p.Total * p.MarketPrice
}

// UnrealizedPnL returns the mark-to-market gain/loss versus average cost.
func (p *Position) UnrealizedPnL() float64 {
	return p.Total * (p.MarketPrice - p.AvgCost) * p.Direction.sign()
}

// Manager owns every open Position, keyed by (symbol, direction).
type Manager struct {
	TradingRule string // "T+1" or "T+0"
	positions map[Key]*Position
}

// NewManager creates an empty position manager under the given trading
// rule ("T+1" or "T+0" account.trading_rule).
func NewManager(tradingRule string) *Manager {
	return &Manager{TradingRule: tradingRule, positions: make(map[Key]*Position)}
}

// Get returns the position at key, or nil if none exists.
func (m *Manager) Get(key Key) *Position {
	return m.positions[key]
}

// All returns every currently open position, sorted by (symbol, direction)
// so callers that derive per-day artifacts from it (e.g. Matching.Settle's
// position_snapshots rows) produce a deterministic row order instead of
// following Go's randomized map iteration.
func (m *Manager) All() []*Position {
	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// Open adds qty at fillPrice to the (symbol, direction) slot, creating it if
// absent and cost-averaging if it already exists. qty must be > 0.
func (m *Manager) Open(symbol string, dir Direction, qty, fillPrice float64) *Position {
	key := Key{symbol, dir}
	p, ok := m.positions[key]
	if !ok {
		p = &Position{
			Symbol: symbol,
			Direction: dir,
			tradingRule: m.TradingRule,
		}
		m.positions[key] = p
	}
	newTotal := p.Total + qty
	p.AvgCost = (p.AvgCost*p.Total + fillPrice*qty) / newTotal
	p.Total = newTotal
	p.TodayOpen += qty
	return p
}

// Close reduces the (symbol, direction) slot by qty (<= its Total),
// booking realized PnL at fillPrice, and removes the slot entirely if
// Total reaches zero. Returns the realized PnL from this close.
func (m *Manager) Close(symbol string, dir Direction, qty, fillPrice float64) float64 {
	key := Key{symbol, dir}
	p, ok := m.positions[key]
	if !ok {
		return 0
	}
	if qty > p.Total {
		qty = p.Total
	}
	realized := (fillPrice - p.AvgCost) * qty * dir.sign()
	p.RealizedPnL += realized
	p.Total -= qty
	if p.TodayOpen > p.Total {
		p.TodayOpen = p.Total
	}
	if p.Total <= 0 {
		delete(m.positions, key)
	}
	return realized
}

// Mark updates the market price of every position for the given symbol,
// used by Matching.Settle during end-of-day marking.
func (m *Manager) Mark(symbol string, price float64) {
	for _, p := range m.positions {
		if p.Symbol == symbol {
			p.MarketPrice = price
		}
	}
}

// SettleDay applies the T+1 end-of-day availability rollover: for every
// position, TodayOpen is folded in (Available already reflects it) and
// then cleared so tomorrow's shares are freshly restricted again only by
// tomorrow's own fills.
func (m *Manager) SettleDay() {
	for _, p := range m.positions {
		p.TodayOpen = 0
	}
}

// Snapshot returns a serializable copy of every open position, used by the
// snapshot subsystem both for resume and for fork's
// position_snapshots[date] lookup.
type Snapshot struct {
	Symbol string
	Direction Direction
	Total float64
	TodayOpen float64
	AvgCost float64
	MarketPrice float64
	RealizedPnL float64
}

// TakeSnapshot captures every open position's state.
func (m *Manager) TakeSnapshot() []Snapshot {
	out := make([]Snapshot, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, Snapshot{
			Symbol: p.Symbol,
			Direction: p.Direction,
			Total: p.Total,
			TodayOpen: p.TodayOpen,
			AvgCost: p.AvgCost,
			MarketPrice: p.MarketPrice,
			RealizedPnL: p.RealizedPnL,
		})
	}
	return out
}

// Restore replaces the manager's entire position book with snap, used by
// resume (full restore) and fork (rebuild from position_snapshots[F-1]).
func (m *Manager) Restore(snap []Snapshot) {
	m.positions = make(map[Key]*Position, len(snap))
	for _, s := range snap {
		m.positions[Key{s.Symbol, s.Direction}] = &Position{
			Symbol: s.Symbol,
			Direction: s.Direction,
			Total: s.Total,
			TodayOpen: s.TodayOpen,
			AvgCost: s.AvgCost,
			MarketPrice: s.MarketPrice,
			RealizedPnL: s.RealizedPnL,
			tradingRule: m.TradingRule,
		}
	}
}
