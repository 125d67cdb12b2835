// Package portfolio implements cash, margin, and net-worth accounting
// across long and short positions.
package portfolio

import "fmt"

// DayRecord is one entry in the portfolio's ordered daily equity history.
type DayRecord struct {
	Date string
	NetWorth float64
	Cash float64
	LongMarketValue float64
	ShortMarketValue float64
	Returns float64 // (NetWorth - prevNetWorth) / prevNetWorth
}

// Portfolio tracks cash, reserved margin, and long/short market value, and
// keeps an ordered daily history for equity.csv.
type Portfolio struct {
	Cash float64
	Margin float64 // reserved margin: sum of short notional * margin rate
	LongMarketValue float64
	ShortMarketValue float64 // recorded positive
	History []DayRecord

	MarginRate float64 // short_margin_rate from config
}

// New creates a Portfolio seeded with initialCash.
func New(initialCash, marginRate float64) *Portfolio {
	return &Portfolio{Cash: initialCash, MarginRate: marginRate}
}

// TotalAssets is cash + long market value.
func (p *Portfolio) TotalAssets() float64 {
	return p.Cash + p.LongMarketValue
}

// NetWorth is cash + long market value - short market value.
func (p *Portfolio) NetWorth() float64 {
	return p.Cash + p.LongMarketValue - p.ShortMarketValue
}

// AvailableCash is cash minus reserved margin.
func (p *Portfolio) AvailableCash() float64 {
	return p.Cash - p.Margin
}

// ApplyBuy debits cash for a BUY fill's notional plus commission.
func (p *Portfolio) ApplyBuy(notional, commission float64) {
	p.Cash -= notional + commission
}

// ApplySell credits cash for a SELL fill's notional minus commission.
func (p *Portfolio) ApplySell(notional, commission float64) {
	p.Cash += notional - commission
}

// ReserveShortMargin adjusts reserved margin by delta notional * MarginRate
// (delta may be negative when a short position shrinks).
func (p *Portfolio) ReserveShortMargin(deltaNotional float64) {
	p.Margin += deltaNotional * p.MarginRate
}

// MarkMarketValues recomputes LongMarketValue/ShortMarketValue from the
// position manager's current marks. Called once per day during settlement.
func (p *Portfolio) MarkMarketValues(longMV, shortMV float64) {
	p.LongMarketValue = longMV
	p.ShortMarketValue = shortMV
}

// AppendDay appends today's equity snapshot to History, computing Returns
// against the prior day's NetWorth (0 for the first entry).
func (p *Portfolio) AppendDay(date string) DayRecord {
	netWorth := p.NetWorth()
	var returns float64
	if n := len(p.History); n > 0 && p.History[n-1].NetWorth != 0 {
		returns = (netWorth - p.History[n-1].NetWorth) / p.History[n-1].NetWorth
	}
	rec := DayRecord{
		Date: date,
		NetWorth: netWorth,
		Cash: p.Cash,
		LongMarketValue: p.LongMarketValue,
		ShortMarketValue: p.ShortMarketValue,
		Returns: returns,
	}
	p.History = append(p.History, rec)
	return rec
}

// Invariant verifies that net_worth == initialCash + sum(realizedPnL) +
// sum(unrealizedPnL) - sum(commissions) - sum(taxes), within tolerance.
func (p *Portfolio) Invariant(initialCash, realizedPnL, unrealizedPnL, fees, tolerance float64) error {
	want := initialCash + realizedPnL + unrealizedPnL - fees
	got := p.NetWorth()
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		return fmt.Errorf("portfolio: net worth invariant violated: got %.8f want %.8f (diff %.8f)", got, want, diff)
	}
	return nil
}

// Snapshot is the serializable Portfolio state used by resume and fork.
type Snapshot struct {
	Cash float64
	Margin float64
	LongMarketValue float64
	ShortMarketValue float64
	History []DayRecord
	MarginRate float64
}

// TakeSnapshot captures the portfolio's full state.
func (p *Portfolio) TakeSnapshot() Snapshot {
	hist := make([]DayRecord, len(p.History))
	copy(hist, p.History)
	return Snapshot{
		Cash: p.Cash,
		Margin: p.Margin,
		LongMarketValue: p.LongMarketValue,
		ShortMarketValue: p.ShortMarketValue,
		History: hist,
		MarginRate: p.MarginRate,
	}
}

// Restore replaces the portfolio's state from a snapshot.
func (p *Portfolio) Restore(s Snapshot) {
	p.Cash = s.Cash
	p.Margin = s.Margin
	p.LongMarketValue = s.LongMarketValue
	p.ShortMarketValue = s.ShortMarketValue
	p.History = append([]DayRecord(nil), s.History...)
	p.MarginRate = s.MarginRate
}

// TruncateHistoryBefore drops every history entry whose Date is >= cutoff,
// used by fork to enforce the truncated-history semantics of a fork rebuild.
func (p *Portfolio) TruncateHistoryBefore(cutoff string) {
	out := p.History[:0:0]
	for _, d := range p.History {
		if d.Date < cutoff {
			out = append(out, d)
		}
	}
	p.History = out
}
