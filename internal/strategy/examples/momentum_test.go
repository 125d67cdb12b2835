package examples

import (
	"context"
	"testing"
	"time"

	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/provider"
	"github.com/wdc63/qtrader/internal/runctx"
)

// fakeProvider feeds a fixed price sequence for a single symbol, advancing
// one entry per day queried, to drive the momentum calculation in tests
// without touching disk.
type fakeProvider struct {
	closes []float64
	calls map[string]int
}

func newFakeProvider(closes []float64) *fakeProvider {
	return &fakeProvider{closes: closes, calls: make(map[string]int)}
}

func (f *fakeProvider) TradingCalendar(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (f *fakeProvider) CurrentPrice(_ context.Context, symbol string, _ time.Time) (*provider.Quote, error) {
	i := f.calls[symbol]
	f.calls[symbol] = i + 1
	if i >= len(f.closes) {
		return nil, nil
	}
	return &provider.Quote{CurrentPrice: f.closes[i]}, nil
}

func (f *fakeProvider) SymbolInfo(context.Context, string, string) (*provider.SymbolInfo, error) {
	return &provider.SymbolInfo{SymbolName: "X"}, nil
}

func newTestContext(p provider.Provider) *runctx.Context {
	c := clock.New(clock.ModeBacktest, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cal := clock.NewCalendar([]string{"2026-01-01"})
	pf := portfolio.New(1000000, 0.5)
	pos := position.NewManager("T+1")
	ord := order.NewManager()
	return runctx.New(c, cal, p, pf, pos, ord)
}

func TestMomentumStrategy_EntersOnStrongUpwardMove(t *testing.T) {
	closes := make([]float64, 0, 12)
	price := 100.0
	for i := 0; i < 12; i++ {
		closes = append(closes, price)
		price *= 1.01 // 1% per bar, compounds past the 5% entry threshold
	}
	p := newFakeProvider(closes)
	ctx := newTestContext(p)
	s := NewMomentumStrategy([]string{"RELIANCE"}, 100000)
	s.Initialize(ctx)

	for i := 0; i < len(closes); i++ {
		s.HandleBar(ctx)
	}

	open := ctx.Orders.OpenOrders()
	if len(open) == 0 {
		t.Fatal("expected an entry order once momentum cleared the threshold")
	}
	if open[0].Side != order.Buy {
		t.Errorf("expected a BUY order, got %s", open[0].Side)
	}
}

func TestMomentumStrategy_NoEntryBelowLookback(t *testing.T) {
	p := newFakeProvider([]float64{100, 101, 102})
	ctx := newTestContext(p)
	s := NewMomentumStrategy([]string{"RELIANCE"}, 100000)
	s.Initialize(ctx)

	for i := 0; i < 3; i++ {
		s.HandleBar(ctx)
	}

	if len(ctx.Orders.OpenOrders()) != 0 {
		t.Error("expected no orders before enough history accumulates")
	}
}

func TestMomentumStrategy_ExitsOnReversal(t *testing.T) {
	closes := []float64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 120}
	p := newFakeProvider(closes)
	ctx := newTestContext(p)
	s := NewMomentumStrategy([]string{"RELIANCE"}, 100000)
	s.Initialize(ctx)
	for range closes {
		s.HandleBar(ctx)
	}
	opened := ctx.Orders.OpenOrders()
	if len(opened) == 0 {
		t.Fatal("expected entry before exit scenario can run")
	}
	qty := opened[0].Amount
	ctx.Orders.Fill(opened[0].ID, opened[0].LimitPrice, 0, ctx.Now())
	ctx.Positions.Open("RELIANCE", position.Long, qty, closes[len(closes)-1])

	p.calls["RELIANCE"] = 0
	reversal := append(append([]float64{}, closes...), 90, 85, 80, 75, 70, 70, 70, 70, 70, 70, 70)
	p.closes = reversal
	for range reversal {
		s.HandleBar(ctx)
	}

	pos := ctx.Positions.Get(position.Key{Symbol: "RELIANCE", Direction: position.Long})
	if pos == nil {
		t.Fatal("expected position manager to still carry the opened position (closed only by the matching engine)")
	}
	found := false
	for _, o := range ctx.Orders.OpenOrders() {
		if o.Side == order.Sell {
			found = true
		}
	}
	if !found {
		t.Error("expected an exit (SELL) order once the rate of change reversed")
	}
}
