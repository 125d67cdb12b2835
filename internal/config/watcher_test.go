package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func watcherLogger() *log.Logger {
	return log.New(os.Stdout, "[watcher-test] ", log.LstdFlags)
}

func writeWatcherTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func baseTestConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Mode:         ModeBacktest,
			Frequency:    FrequencyDaily,
			StartDate:    "2024-01-01",
			EndDate:      "2024-12-31",
			StrategyName: "buy_and_hold",
		},
		Account: AccountConfig{
			InitialCash:  500000,
			TradingRule:  TPlus1,
			TradingMode:  LongOnly,
			OrderLotSize: 100,
		},
		Matching: MatchingConfig{
			Commission: CommissionConfig{MinCommission: 5.0},
		},
		Lifecycle: LifecycleConfig{
			Hooks: HooksConfig{
				BeforeTrading: "09:00:00",
				AfterTrading:  "15:30:00",
			},
		},
		Risk: RiskConfig{
			MaxPerSector:   5,
			MaxPositionPct: 0.2,
		},
		DatabaseURL: "postgres://test@localhost/test?sslmode=disable",
	}
}

func TestConfigWatcher_DetectsChange(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)
	updated := baseTestConfig()
	updated.Risk.MaxPerSector = 3
	writeWatcherTestConfig(t, cfgPath, updated)

	watcher.checkForChanges()

	select {
	case <-changed:
		current := watcher.Current()
		if current.Risk.MaxPerSector != 3 {
			t.Errorf("expected MaxPerSector=3, got %d", current.Risk.MaxPerSector)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for config change notification")
	}
}

func TestConfigWatcher_IgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)
	os.WriteFile(cfgPath, []byte("not valid json"), 0644)
	watcher.checkForChanges()

	select {
	case <-changed:
		t.Error("should NOT fire callback for invalid JSON")
	case <-time.After(100 * time.Millisecond):
	}

	current := watcher.Current()
	if current.Risk.MaxPerSector != 5 {
		t.Errorf("expected original MaxPerSector=5, got %d", current.Risk.MaxPerSector)
	}
}

func TestConfigWatcher_IgnoresNonReloadableChanges(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)
	updated := baseTestConfig()
	updated.Account.InitialCash = 1000000 // structural, not reloadable
	writeWatcherTestConfig(t, cfgPath, updated)
	watcher.checkForChanges()

	select {
	case <-changed:
		t.Error("should NOT fire callback for non-reloadable changes")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConfigWatcher_IgnoresValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")

	initial := baseTestConfig()
	writeWatcherTestConfig(t, cfgPath, initial)

	watcher := NewConfigWatcher(cfgPath, initial, watcherLogger())

	changed := make(chan bool, 1)
	watcher.OnChange(func(old, new *Config) {
		changed <- true
	})

	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)
	updated := baseTestConfig()
	updated.Account.InitialCash = 0 // invalid
	writeWatcherTestConfig(t, cfgPath, updated)
	watcher.checkForChanges()

	select {
	case <-changed:
		t.Error("should NOT fire callback for invalid config")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReloadableChanged(t *testing.T) {
	base := baseTestConfig()

	same := baseTestConfig()
	if reloadableChanged(base, same) {
		t.Error("identical configs should not be flagged as changed")
	}

	modified := baseTestConfig()
	modified.Risk.MaxPerSector = 3
	if !reloadableChanged(base, modified) {
		t.Error("should detect risk.max_per_sector change")
	}

	modifiedSlippage := baseTestConfig()
	modifiedSlippage.Matching.Slippage.Rate = 0.001
	if !reloadableChanged(base, modifiedSlippage) {
		t.Error("should detect matching.slippage change")
	}

	modifiedCommission := baseTestConfig()
	modifiedCommission.Matching.Commission.MinCommission = 10
	if !reloadableChanged(base, modifiedCommission) {
		t.Error("should detect matching.commission change")
	}
}

func TestConfigWatcher_StopIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.json")
	writeWatcherTestConfig(t, cfgPath, baseTestConfig())

	watcher := NewConfigWatcher(cfgPath, baseTestConfig(), watcherLogger())
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	watcher.Stop()
	watcher.Stop()
	watcher.Stop()
}
