package portfolio

import "testing"

func TestPortfolio_ApplyBuyAndSell(t *testing.T) {
	p := New(100000, 0.5)
	p.ApplyBuy(10000, 15)
	if p.Cash != 89985 {
		t.Errorf("expected cash=89985 after buy, got %v", p.Cash)
	}
	p.ApplySell(5000, 10)
	if p.Cash != 94975 {
		t.Errorf("expected cash=94975 after sell, got %v", p.Cash)
	}
}

func TestPortfolio_ReserveShortMargin(t *testing.T) {
	p := New(100000, 0.5)
	p.ReserveShortMargin(10000)
	if p.Margin != 5000 {
		t.Errorf("expected margin=5000, got %v", p.Margin)
	}
	if p.AvailableCash() != 95000 {
		t.Errorf("expected available cash=95000, got %v", p.AvailableCash())
	}
	p.ReserveShortMargin(-10000)
	if p.Margin != 0 {
		t.Errorf("expected margin released back to 0, got %v", p.Margin)
	}
}

func TestPortfolio_NetWorthAndTotalAssets(t *testing.T) {
	p := New(100000, 0)
	p.MarkMarketValues(20000, 5000)
	if p.TotalAssets() != 120000 {
		t.Errorf("expected total assets=120000, got %v", p.TotalAssets())
	}
	if p.NetWorth() != 115000 {
		t.Errorf("expected net worth=115000, got %v", p.NetWorth())
	}
}

func TestPortfolio_AppendDayComputesReturns(t *testing.T) {
	p := New(100000, 0)
	first := p.AppendDay("2026-01-01")
	if first.Returns != 0 {
		t.Errorf("expected 0 returns on first day, got %v", first.Returns)
	}

	p.Cash = 110000
	second := p.AppendDay("2026-01-02")
	want := (110000.0 - 100000.0) / 100000.0
	if second.Returns != want {
		t.Errorf("expected returns=%v, got %v", want, second.Returns)
	}
	if len(p.History) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(p.History))
	}
}

func TestPortfolio_Invariant(t *testing.T) {
	p := New(100000, 0)
	p.Cash = 100000 + 500 - 30
	if err := p.Invariant(100000, 500, 0, 30, 0.0001); err != nil {
		t.Errorf("expected invariant to hold, got %v", err)
	}
	if err := p.Invariant(100000, 0, 0, 0, 0.0001); err == nil {
		t.Error("expected invariant violation to be reported")
	}
}

func TestPortfolio_TakeSnapshotAndRestore(t *testing.T) {
	p := New(100000, 0.5)
	p.ApplyBuy(1000, 5)
	p.ReserveShortMargin(2000)
	p.AppendDay("2026-01-01")
	snap := p.TakeSnapshot()

	p2 := New(0, 0)
	p2.Restore(snap)

	if p2.Cash != p.Cash || p2.Margin != p.Margin || len(p2.History) != len(p.History) {
		t.Errorf("expected restored portfolio to match original, got %+v want %+v", p2, p)
	}
}

func TestPortfolio_TruncateHistoryBefore(t *testing.T) {
	p := New(100000, 0)
	p.AppendDay("2026-01-01")
	p.AppendDay("2026-01-02")
	p.AppendDay("2026-01-03")

	p.TruncateHistoryBefore("2026-01-03")

	if len(p.History) != 2 {
		t.Fatalf("expected 2 entries remaining before cutoff, got %d", len(p.History))
	}
	for _, d := range p.History {
		if d.Date >= "2026-01-03" {
			t.Errorf("expected no entries on/after cutoff, found %s", d.Date)
		}
	}
}
