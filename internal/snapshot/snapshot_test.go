package snapshot

import (
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/matching"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/provider"
	"github.com/wdc63/qtrader/internal/runctx"
)

type fakeProvider struct{}

func (fakeProvider) TradingCalendar(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (fakeProvider) CurrentPrice(context.Context, string, time.Time) (*provider.Quote, error) {
	return nil, nil
}
func (fakeProvider) SymbolInfo(context.Context, string, string) (*provider.SymbolInfo, error) {
	return nil, nil
}

func newTestContext() *runctx.Context {
	cl := clock.New(clock.ModeBacktest, time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC))
	cal := clock.NewCalendar([]string{"2026-01-01", "2026-01-02", "2026-01-05"})
	pf := portfolio.New(100000, 0.5)
	pos := position.NewManager("T+1")
	ord := order.NewManager()
	rc := runctx.New(cl, cal, fakeProvider{}, pf, pos, ord)
	rc.UserData["seen"] = true
	return rc
}

func TestManager_CaptureAndSaveRoundTrip(t *testing.T) {
	rc := newTestContext()
	rc.Positions.Open("RELIANCE", position.Long, 10, 100)
	rc.Portfolio.AppendDay("2026-01-05")

	mgr := NewManager(log.New(log.Writer(), "", 0))
	mgr.RecordPositionSnapshot("2026-01-05", nil, rc.Positions.TakeSnapshot())

	env := mgr.Capture(TagPause, rc, "momentum_demo", "csv")
	path := filepath.Join(t.TempDir(), "snap.json")
	if err := Save(env, path); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.Tag != TagPause {
		t.Errorf("expected tag PAUSED, got %s", loaded.Tag)
	}
	if len(loaded.Positions) != 1 || loaded.Positions[0].Symbol != "RELIANCE" {
		t.Errorf("expected the open RELIANCE position to round-trip, got %+v", loaded.Positions)
	}
	if loaded.StrategyCode != "momentum_demo" {
		t.Errorf("expected strategy_code to round-trip, got %q", loaded.StrategyCode)
	}
}

func TestRequirePaused_RejectsNonPausedTag(t *testing.T) {
	env := &Envelope{Tag: TagFinal}
	if err := RequirePaused(env); err == nil {
		t.Error("expected RequirePaused to reject a FINISHED envelope")
	}
	env.Tag = TagPause
	if err := RequirePaused(env); err != nil {
		t.Errorf("expected RequirePaused to accept a PAUSED envelope, got %v", err)
	}
}

func TestRebuildForResume_RestoresStateAndAdvancesClock(t *testing.T) {
	rc := newTestContext()
	env := &Envelope{
		Tag: TagPause,
		CurrentDT: time.Date(2026, 1, 5, 15, 30, 0, 0, time.UTC),
		Portfolio: portfolio.Snapshot{Cash: 42000},
		Positions: []position.Snapshot{{Symbol: "TCS", Direction: position.Long, Total: 5}},
		UserData: map[string]any{"carried": true},
	}

	if err := RebuildForResume(env, rc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Portfolio.Cash != 42000 {
		t.Errorf("expected cash restored to 42000, got %v", rc.Portfolio.Cash)
	}
	if rc.Positions.Get(position.Key{Symbol: "TCS", Direction: position.Long}) == nil {
		t.Error("expected TCS position restored")
	}
	if !rc.Now().Equal(env.CurrentDT) {
		t.Errorf("expected clock advanced to CurrentDT, got %v", rc.Now())
	}
	if rc.CurrentStatus() != runctx.Running {
		t.Errorf("expected status RUNNING after resume, got %s", rc.CurrentStatus())
	}
	if rc.UserData["carried"] != true {
		t.Error("expected user data to be carried over on resume")
	}
}

func TestRebuildForFork_TruncatesHistoryAtBoundary(t *testing.T) {
	rc := newTestContext()
	env := &Envelope{
		Tag: TagPause,
		Portfolio: portfolio.Snapshot{
			Cash: 50000,
			History: []portfolio.DayRecord{
				{Date: "2026-01-01", NetWorth: 100000},
				{Date: "2026-01-02", NetWorth: 101000},
				{Date: "2026-01-05", NetWorth: 102000},
			},
		},
		PositionSnapshotsByDate: map[string][]position.Snapshot{
			"2026-01-02": {{Symbol: "RELIANCE", Direction: position.Long, Total: 10}},
		},
		OrderHistory: []*order.Order{
			{ID: 1, FilledAt: time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)},
			{ID: 2, FilledAt: time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)},
		},
		UserData: map[string]any{"carried": true},
	}

	if err := RebuildForFork(env, "2026-01-05", false, rc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.Portfolio.History) != 2 {
		t.Errorf("expected 2 history entries before the fork boundary, got %d", len(rc.Portfolio.History))
	}
	if rc.Positions.Get(position.Key{Symbol: "RELIANCE", Direction: position.Long}) == nil {
		t.Error("expected positions restored from the latest snapshot before the fork date")
	}
	if len(rc.Orders.History()) != 1 {
		t.Errorf("expected only fills before the fork date to survive, got %d", len(rc.Orders.History()))
	}
	if rc.UserData["carried"] != true {
		t.Error("expected user data preserved when reinitialize=false")
	}
}

func TestRebuildForFork_Reinitialize(t *testing.T) {
	rc := newTestContext()
	env := &Envelope{
		Tag: TagPause,
		UserData: map[string]any{"carried": true},
	}
	if err := RebuildForFork(env, "2026-01-05", true, rc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rc.UserData) != 0 {
		t.Errorf("expected user data cleared under reinitialize=true, got %v", rc.UserData)
	}
}

func TestSynchronizer_SettlesMissedDaysAndAdvancesClock(t *testing.T) {
	rc := newTestContext()
	rc.Clock.Advance(time.Date(2026, 1, 1, 15, 45, 0, 0, time.UTC))

	me := matching.New(matching.Config{TradingRule: "T+1", TradingMode: matching.LongShort}, fakeProvider{}, rc.Orders, rc.Positions, rc.Portfolio, log.New(log.Writer(), "", 0))
	recorder := NewManager(log.New(log.Writer(), "", 0))
	sync := NewSynchronizer(rc, me, recorder, log.New(log.Writer(), "", 0))

	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if err := sync.SynchronizeToRealtime(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rc.Now().Equal(now) {
		t.Errorf("expected clock advanced to now, got %v", rc.Now())
	}
	if _, ok := recorder.positionSnapshotsByDate["2026-01-02"]; !ok {
		t.Error("expected the missed trading day (2026-01-02) to be settled and recorded")
	}
}
