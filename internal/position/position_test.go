package position

import "testing"

func TestManager_OpenCreatesAndAverages(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Long, 10, 100)
	m.Open("RELIANCE", Long, 10, 120)

	p := m.Get(Key{Symbol: "RELIANCE", Direction: Long})
	if p == nil {
		t.Fatal("expected position to exist")
	}
	if p.Total != 20 {
		t.Errorf("expected total=20, got %v", p.Total)
	}
	if p.AvgCost != 110 {
		t.Errorf("expected avg cost=110, got %v", p.AvgCost)
	}
}

func TestManager_AvailableUnderT1(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Long, 10, 100)
	p := m.Get(Key{Symbol: "RELIANCE", Direction: Long})
	if p.Available() != 0 {
		t.Errorf("expected 0 available same-day under T+1, got %v", p.Available())
	}
	m.SettleDay()
	if p.Available() != 10 {
		t.Errorf("expected 10 available after settlement, got %v", p.Available())
	}
}

func TestManager_AvailableUnderT0(t *testing.T) {
	m := NewManager("T+0")
	m.Open("RELIANCE", Long, 10, 100)
	p := m.Get(Key{Symbol: "RELIANCE", Direction: Long})
	if p.Available() != 10 {
		t.Errorf("expected 10 available same-day under T+0, got %v", p.Available())
	}
}

func TestManager_CloseRemovesEmptySlot(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Long, 10, 100)
	m.SettleDay()
	realized := m.Close("RELIANCE", Long, 10, 110)
	if realized != 100 {
		t.Errorf("expected realized PnL=100, got %v", realized)
	}
	if m.Get(Key{Symbol: "RELIANCE", Direction: Long}) != nil {
		t.Error("expected position slot removed once total reaches zero")
	}
}

func TestManager_CloseShortBooksSignedPnL(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Short, 10, 100)
	realized := m.Close("RELIANCE", Short, 10, 90)
	if realized != 100 {
		t.Errorf("expected a short profiting on a price drop to realize +100, got %v", realized)
	}
}

func TestManager_PartialCloseKeepsSlot(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Long, 10, 100)
	m.SettleDay()
	m.Close("RELIANCE", Long, 4, 110)
	p := m.Get(Key{Symbol: "RELIANCE", Direction: Long})
	if p == nil {
		t.Fatal("expected position slot to survive a partial close")
	}
	if p.Total != 6 {
		t.Errorf("expected total=6 after partial close, got %v", p.Total)
	}
}

func TestManager_MarkAndUnrealizedPnL(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Long, 10, 100)
	m.Mark("RELIANCE", 120)
	p := m.Get(Key{Symbol: "RELIANCE", Direction: Long})
	if p.MarketValue() != 1200 {
		t.Errorf("expected market value=1200, got %v", p.MarketValue())
	}
	if p.UnrealizedPnL() != 200 {
		t.Errorf("expected unrealized PnL=200, got %v", p.UnrealizedPnL())
	}
}

func TestManager_TakeSnapshotAndRestore(t *testing.T) {
	m := NewManager("T+1")
	m.Open("RELIANCE", Long, 10, 100)
	m.Open("TCS", Short, 5, 200)
	snap := m.TakeSnapshot()

	m2 := NewManager("T+1")
	m2.Restore(snap)

	if m2.Get(Key{Symbol: "RELIANCE", Direction: Long}) == nil {
		t.Error("expected restored manager to carry the long RELIANCE position")
	}
	if m2.Get(Key{Symbol: "TCS", Direction: Short}) == nil {
		t.Error("expected restored manager to carry the short TCS position")
	}
}
