package matching

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/provider"
)

// fakeProvider serves one quote per (symbol, date) from an in-memory table,
// with optional suspension flags, so matching tests never touch the CSV
// reference provider or a filesystem.
type fakeProvider struct {
	quotes    map[string]map[string]*provider.Quote // symbol -> date -> quote
	suspended map[string]map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		quotes:    make(map[string]map[string]*provider.Quote),
		suspended: make(map[string]map[string]bool),
	}
}

func (f *fakeProvider) setQuote(symbol, date string, q *provider.Quote) {
	if f.quotes[symbol] == nil {
		f.quotes[symbol] = make(map[string]*provider.Quote)
	}
	f.quotes[symbol][date] = q
}

func (f *fakeProvider) setSuspended(symbol, date string, v bool) {
	if f.suspended[symbol] == nil {
		f.suspended[symbol] = make(map[string]bool)
	}
	f.suspended[symbol][date] = v
}

func (f *fakeProvider) TradingCalendar(_ context.Context, start, end string) ([]string, error) {
	return nil, nil
}

func (f *fakeProvider) CurrentPrice(_ context.Context, symbol string, at time.Time) (*provider.Quote, error) {
	return f.quotes[symbol][at.Format("2006-01-02")], nil
}

func (f *fakeProvider) SymbolInfo(_ context.Context, symbol string, date string) (*provider.SymbolInfo, error) {
	return &provider.SymbolInfo{SymbolName: symbol, IsSuspended: f.suspended[symbol][date]}, nil
}

func testLogger() *log.Logger {
	return log.New(log.Writer(), "", 0)
}

func newTestEngine(cfg Config) (*Engine, *fakeProvider, *order.Manager, *position.Manager, *portfolio.Portfolio) {
	p := newFakeProvider()
	orders := order.NewManager()
	positions := position.NewManager(cfg.TradingRule)
	pf := portfolio.New(100000, 0.5)
	e := New(cfg, p, orders, positions, pf, testLogger())
	return e, p, orders, positions, pf
}

func TestEngine_MarketBuyFillsAtAsk(t *testing.T) {
	e, p, orders, positions, pf := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})

	id, _ := orders.Submit("RELIANCE", 10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Filled {
		t.Fatalf("expected order filled, got %s", o.Status)
	}
	if o.FilledAvgPrice != ask {
		t.Errorf("expected fill price at the ask with zero slippage configured, got %v", o.FilledAvgPrice)
	}
	pos := positions.Get(position.Key{Symbol: "RELIANCE", Direction: position.Long})
	if pos == nil || pos.Total != 10 {
		t.Fatalf("expected a long position of 10, got %+v", pos)
	}
	if pf.Cash >= 100000 {
		t.Errorf("expected cash debited for the buy, got %v", pf.Cash)
	}
}

func TestEngine_RejectsInsufficientCash(t *testing.T) {
	e, p, orders, _, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 1000000.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 999999, Ask1: &ask})

	id, _ := orders.Submit("RELIANCE", 10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Rejected {
		t.Fatalf("expected order rejected for insufficient cash, got %s", o.Status)
	}
}

func TestEngine_RejectsShortUnderLongOnly(t *testing.T) {
	e, p, orders, _, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongOnly})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	bid := 99.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Bid1: &bid})

	id, _ := orders.Submit("RELIANCE", -10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Rejected {
		t.Fatalf("expected a naked short rejected under long_only, got %s", o.Status)
	}
}

func TestEngine_SuspendedSymbolDefersFill(t *testing.T) {
	e, p, orders, _, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	p.setSuspended("RELIANCE", "2026-01-01", true)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})

	id, _ := orders.Submit("RELIANCE", 10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Open {
		t.Fatalf("expected order to stay OPEN while symbol is suspended, got %s", o.Status)
	}
}

func TestEngine_RejectsSectorConcentration(t *testing.T) {
	sectors := map[string]string{"RELIANCE": "energy", "ONGC": "energy"}
	e, p, orders, positions, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort, MaxPerSector: 1, SectorMap: sectors})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})
	p.setQuote("ONGC", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})

	positions.Open("RELIANCE", position.Long, 10, 100)

	id, _ := orders.Submit("ONGC", 10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Rejected {
		t.Fatalf("expected the energy-sector buy rejected at the concentration limit, got %s", o.Status)
	}
}

func TestEngine_SectorConcentrationDisabledWithoutMap(t *testing.T) {
	e, p, orders, positions, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort, MaxPerSector: 1})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})
	p.setQuote("ONGC", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})

	positions.Open("RELIANCE", position.Long, 10, 100)

	id, _ := orders.Submit("ONGC", 10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Filled {
		t.Fatalf("expected the buy to fill since no sector map is configured, got %s", o.Status)
	}
}

func TestEngine_RejectsMaxPositionPct(t *testing.T) {
	e, p, orders, _, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort, MaxPositionPct: 0.1})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})

	// Net worth is ~100000; a 100-share notional at ask=101 (10100) is over 10%.
	id, _ := orders.Submit("RELIANCE", 100, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Rejected {
		t.Fatalf("expected the buy rejected for exceeding max_position_pct, got %s", o.Status)
	}
}

func TestEngine_MaxPositionPctDisabledAtZero(t *testing.T) {
	e, p, orders, _, _ := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 100, Ask1: &ask})

	id, _ := orders.Submit("RELIANCE", 100, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	o, _ := orders.Get(id)
	if o.Status != order.Filled {
		t.Fatalf("expected the buy to fill since max_position_pct is disabled, got %s", o.Status)
	}
}

func TestEngine_SettleMarksAndRollsOver(t *testing.T) {
	e, p, orders, positions, pf := newTestEngine(Config{TradingRule: "T+1", TradingMode: LongShort})
	now := time.Date(2026, 1, 1, 9, 15, 0, 0, time.UTC)
	ask := 101.0
	p.setQuote("RELIANCE", "2026-01-01", &provider.Quote{CurrentPrice: 105, Ask1: &ask})

	orders.Submit("RELIANCE", 10, order.Market, 0, now)
	if err := e.MatchOrders(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, snap, err := e.Settle(context.Background(), "2026-01-01", now)
	if err != nil {
		t.Fatalf("unexpected settle error: %v", err)
	}
	if len(rows) != 1 || len(snap) != 1 {
		t.Fatalf("expected one position snapshot row, got rows=%d snap=%d", len(rows), len(snap))
	}
	if pf.LongMarketValue != 10*105 {
		t.Errorf("expected long market value marked to close, got %v", pf.LongMarketValue)
	}

	pos := positions.Get(position.Key{Symbol: "RELIANCE", Direction: position.Long})
	if pos.Available() != 10 {
		t.Errorf("expected shares available for trading the day after a T+1 settle, got %v", pos.Available())
	}
	if len(orders.OpenOrders()) != 0 {
		t.Error("expected settle to reset the day's open book")
	}
}
