// Package matching implements the Matching Engine: price selection against simulated market microstructure,
// commission and slippage, the pre-fill risk gate, the atomic "close
// opposite then open same side" fill routine, and end-of-day settlement.
package matching

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/provider"
)

// TradingMode restricts which sides of a position an account may open.
type TradingMode string

const (
	LongOnly TradingMode = "long_only"
	LongShort TradingMode = "long_short"
)

// Config holds every matching-relevant knob: slippage, commission, the
// account's trading rule and trading mode, and the order lot size.
type Config struct {
	SlippageRate float64 // fractional, e.g. 0.001
	BuyCommission float64 // side_rate for BUY
	SellCommission float64 // side_rate for SELL
	BuyTax float64
	SellTax float64
	MinCommission float64
	TradingMode TradingMode
	TradingRule string // "T+1" or "T+0", forwarded to the position manager at construction
	LotSize int // order_lot_size; 0 or 1 means no lot rounding requirement

	// risk.circuit_breaker knobs; zero values fall back to sensible
	// defaults so a Config built without them still works.
	MaxConsecutiveFailures int
	MaxFailuresPerHour int
	CooldownMinutes int

	// risk.max_per_sector / risk.sector_map: caps concurrent long positions
	// sharing a sector tag. Disabled (0 or nil map) skips the check.
	MaxPerSector int
	SectorMap map[string]string

	// risk.max_position_pct caps a single symbol's post-fill long market
	// value as a fraction of portfolio net worth. 0 disables the check.
	MaxPositionPct float64
}

// Engine drains the Order Manager's open book against Provider quotes and
// mutates Portfolio/Positions. It holds no book of its own — Orders,
// Portfolio and Positions are the source of truth.
type Engine struct {
	cfg Config
	provider provider.Provider
	orders *order.Manager
	positions *position.Manager
	portfolio *portfolio.Portfolio
	logger *log.Logger

	// breaker tracks consecutive and hourly risk-gate rejections; when
	// tripped it refuses all new fills until the cooldown elapses.
	breaker *CircuitBreaker
}

// New creates a Matching Engine.
func New(cfg Config, p provider.Provider, orders *order.Manager, positions *position.Manager, pf *portfolio.Portfolio, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	maxConsecutive := cfg.MaxConsecutiveFailures
	if maxConsecutive <= 0 {
		maxConsecutive = 5
	}
	maxPerHour := cfg.MaxFailuresPerHour
	if maxPerHour <= 0 {
		maxPerHour = 20
	}
	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	return &Engine{cfg: cfg, provider: p, orders: orders, positions: positions, portfolio: pf, logger: logger, breaker: NewCircuitBreaker(maxConsecutive, maxPerHour, cooldown)}
}

// PositionSnapshotRow is one row of the per-day position snapshot produced
// by Settle, later rendered to daily_positions.csv.
type PositionSnapshotRow struct {
	Date string
	Symbol string
	Direction position.Direction
	AvgCost float64
	Amount float64
	MarketValue float64
	DailyPnL float64
}

// MatchOrders drains every OPEN order once against current quotes. It is
// called once per schedule point, immediately after handle_bar, to
// preserve the same-bar fill ordering guarantee.
func (e *Engine) MatchOrders(ctx context.Context, now time.Time) error {
	for _, o := range e.orders.OpenOrders() {
		if err := e.tryFill(ctx, o, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) tryFill(ctx context.Context, o *order.Order, now time.Time) error {
	date := now.Format("2006-01-02")

	info, err := e.provider.SymbolInfo(ctx, o.Symbol, date)
	if err != nil {
		return fmt.Errorf("matching: symbol info %s: %w", o.Symbol, err)
	}
	if info == nil {
		e.orders.Reject(o.ID, "no symbol info for "+date)
		return nil
	}
	if info.IsSuspended {
		return nil // deferred, stays OPEN
	}

	quote, err := e.provider.CurrentPrice(ctx, o.Symbol, now)
	if err != nil {
		return fmt.Errorf("matching: current price %s: %w", o.Symbol, err)
	}
	if quote == nil {
		return nil // no quote this tick, deferred
	}

	price, ok := e.selectPrice(o, quote)
	if !ok {
		// LIMIT order did not cross: if fresh, it now rests for next bar.
		if !o.IsResting() {
			o.MarkRested()
		}
		return nil
	}

	if quote.LowLimit != nil && price < *quote.LowLimit {
		e.orders.Reject(o.ID, "fill price below low limit")
		e.breaker.RecordFailure(now)
		return nil
	}
	if quote.HighLimit != nil && price > *quote.HighLimit {
		e.orders.Reject(o.ID, "fill price above high limit")
		e.breaker.RecordFailure(now)
		return nil
	}

	price = e.applySlippage(o.Side, price)
	notional := price * o.Amount
	commission := e.commission(o.Side, notional)

	if e.breaker.Tripped(now) {
		e.orders.Reject(o.ID, "circuit breaker open")
		return nil
	}

	switch o.Side {
	case order.Buy:
		required := notional + commission
		if required > e.portfolio.AvailableCash() {
			e.orders.Reject(o.ID, "insufficient available cash")
			e.breaker.RecordFailure(now)
			return nil
		}
		if reason, ok := e.checkSectorConcentration(o.Symbol); !ok {
			e.orders.Reject(o.ID, reason)
			e.breaker.RecordFailure(now)
			return nil
		}
		if reason, ok := e.checkMaxPositionPct(o.Symbol, notional); !ok {
			e.orders.Reject(o.ID, reason)
			e.breaker.RecordFailure(now)
			return nil
		}
	case order.Sell:
		longPos := e.positions.Get(position.Key{Symbol: o.Symbol, Direction: position.Long})
		hasLong := longPos != nil && longPos.Available() > 0
		if hasLong {
			if o.Amount > longPos.Available() {
				e.orders.Reject(o.ID, "amount exceeds available long position")
				e.breaker.RecordFailure(now)
				return nil
			}
		} else if e.cfg.TradingMode == LongOnly {
			e.orders.Reject(o.ID, "short not permitted under long_only")
			e.breaker.RecordFailure(now)
			return nil
		}
	}

	e.applyFill(o, price, notional, commission)
	e.orders.Fill(o.ID, price, commission, now)
	e.breaker.RecordSuccess()
	e.logger.Printf("[matching] filled order %d %s %s %.2f @ %.4f commission=%.2f", o.ID, o.Symbol, o.Side, o.Amount, price, commission)
	return nil
}

// selectPrice implements the MARKET/LIMIT price-selection rules. ok is
// false when a LIMIT order did not cross this bar.
func (e *Engine) selectPrice(o *order.Order, q *provider.Quote) (float64, bool) {
	switch o.Type {
	case order.Market:
		if o.Side == order.Buy {
			if q.Ask1 != nil {
				return *q.Ask1, true
			}
			return q.CurrentPrice, true
		}
		if q.Bid1 != nil {
			return *q.Bid1, true
		}
		return q.CurrentPrice, true

	case order.Limit:
		if !o.IsResting() {
			if o.Side == order.Buy && q.Ask1 != nil && o.LimitPrice >= *q.Ask1 {
				return *q.Ask1, true
			}
			if o.Side == order.Sell && q.Bid1 != nil && o.LimitPrice <= *q.Bid1 {
				return *q.Bid1, true
			}
			return 0, false
		}
		// Resting: fill at the limit price itself, never the touch.
		if o.Side == order.Buy && q.CurrentPrice <= o.LimitPrice {
			return o.LimitPrice, true
		}
		if o.Side == order.Sell && q.CurrentPrice >= o.LimitPrice {
			return o.LimitPrice, true
		}
		return 0, false
	}
	return 0, false
}

// UpdateConfig replaces the slippage/commission/circuit-breaker/risk-guard
// knobs with cfg's, for the config.ConfigWatcher's hot-reload callback.
// TradingMode, TradingRule, and LotSize are account-structural and never
// change at runtime, so callers should carry those three fields over from
// the engine's original Config rather than zeroing them.
func (e *Engine) UpdateConfig(cfg Config) {
	e.cfg = cfg
}

// checkSectorConcentration rejects a BUY when the count of open long
// positions sharing symbol's sector tag is already at or above MaxPerSector.
// Disabled when SectorMap is nil, MaxPerSector <= 0, or symbol has no
// sector entry.
func (e *Engine) checkSectorConcentration(symbol string) (string, bool) {
	if e.cfg.SectorMap == nil || e.cfg.MaxPerSector <= 0 {
		return "", true
	}
	sector, hasSector := e.cfg.SectorMap[symbol]
	if !hasSector {
		return "", true
	}
	count := 0
	for _, p := range e.positions.All() {
		if p.Direction != position.Long {
			continue
		}
		if s, ok := e.cfg.SectorMap[p.Symbol]; ok && s == sector {
			count++
		}
	}
	if count >= e.cfg.MaxPerSector {
		return fmt.Sprintf("sector %s at concentration limit: %d/%d", sector, count, e.cfg.MaxPerSector), false
	}
	return "", true
}

// checkMaxPositionPct rejects a BUY whose post-fill long market value in
// symbol would exceed MaxPositionPct of portfolio net worth. Disabled when
// MaxPositionPct <= 0.
func (e *Engine) checkMaxPositionPct(symbol string, addedNotional float64) (string, bool) {
	if e.cfg.MaxPositionPct <= 0 {
		return "", true
	}
	netWorth := e.portfolio.NetWorth()
	if netWorth <= 0 {
		return "", true
	}
	existing := 0.0
	if p := e.positions.Get(position.Key{Symbol: symbol, Direction: position.Long}); p != nil {
		existing = p.MarketValue()
	}
	pct := (existing + addedNotional) / netWorth
	if pct > e.cfg.MaxPositionPct {
		return fmt.Sprintf("position in %s would reach %.1f%% of net worth (max %.1f%%)", symbol, pct*100, e.cfg.MaxPositionPct*100), false
	}
	return "", true
}

func (e *Engine) applySlippage(side order.Side, price float64) float64 {
	if side == order.Buy {
		return price * (1 + e.cfg.SlippageRate)
	}
	return price * (1 - e.cfg.SlippageRate)
}

func (e *Engine) commission(side order.Side, notional float64) float64 {
	rate, tax := e.cfg.BuyCommission, e.cfg.BuyTax
	if side == order.Sell {
		rate, tax = e.cfg.SellCommission, e.cfg.SellTax
	}
	base := notional * rate
	if base < e.cfg.MinCommission {
		base = e.cfg.MinCommission
	}
	return base + notional*tax
}

// applyFill runs the atomic "close opposite, then open same side" routine
// and books the cash side-effect on Portfolio.
func (e *Engine) applyFill(o *order.Order, price, notional, commission float64) {
	remaining := o.Amount
	opposite := position.Short
	same := position.Long
	if o.Side == order.Sell {
		opposite, same = position.Long, position.Short
	}

	if opp := e.positions.Get(position.Key{Symbol: o.Symbol, Direction: opposite}); opp != nil {
		closeQty := remaining
		if closeQty > opp.Total {
			closeQty = opp.Total
		}
		if closeQty > 0 {
			o.RealizedPnL = e.positions.Close(o.Symbol, opposite, closeQty, price)
			remaining -= closeQty
		}
	}
	if remaining > 0 {
		e.positions.Open(o.Symbol, same, remaining, price)
	}

	if o.Side == order.Buy {
		e.portfolio.ApplyBuy(notional, commission)
	} else {
		e.portfolio.ApplySell(notional, commission)
	}

	closed := o.Amount - remaining
	if opposite == position.Short && closed > 0 {
		e.portfolio.ReserveShortMargin(-closed * price)
	}
	if same == position.Short && remaining > 0 {
		e.portfolio.ReserveShortMargin(remaining * price)
	}
}

// Settle runs once at end-of-day: marks every position to
// the provider's closing price, recomputes Portfolio market values,
// appends the day's equity history and per-position snapshot rows, applies
// the T+1 availability rollover, and resets the Order Manager's day.
func (e *Engine) Settle(ctx context.Context, date string, now time.Time) ([]PositionSnapshotRow, []position.Snapshot, error) {
	symbols := map[string]struct{}{}
	for _, p := range e.positions.All() {
		symbols[p.Symbol] = struct{}{}
	}
	for sym := range symbols {
		q, err := e.provider.CurrentPrice(ctx, sym, now)
		if err != nil {
			return nil, nil, fmt.Errorf("matching: settle price %s: %w", sym, err)
		}
		if q == nil {
			continue
		}
		e.positions.Mark(sym, q.CurrentPrice)
	}

	var longMV, shortMV float64
	var rows []PositionSnapshotRow
	for _, p := range e.positions.All() {
		mv := p.MarketValue()
		if p.Direction == position.Long {
			longMV += mv
		} else {
			shortMV += mv
		}
		rows = append(rows, PositionSnapshotRow{
			Date: date,
			Symbol: p.Symbol,
			Direction: p.Direction,
			AvgCost: p.AvgCost,
			Amount: p.Total,
			MarketValue: mv,
			DailyPnL: p.UnrealizedPnL(),
		})
	}
	e.portfolio.MarkMarketValues(longMV, shortMV)
	e.portfolio.AppendDay(date)

	// Captured before the T+1 rollover clears today_open: position_snapshots[date]
	// must reflect the day as it closed, not tomorrow's freshly-cleared availability.
	posSnap := e.positions.TakeSnapshot()

	if e.cfg.TradingRule == "T+1" {
		e.positions.SettleDay()
	}
	e.orders.DayReset(now)

	return rows, posSnap, nil
}
