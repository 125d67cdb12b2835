// Package config - watcher.go provides config file hot-reload support.
//
// The watcher polls the config file for changes (stat-based, every 5 seconds)
// and notifies registered callbacks when risk or matching parameters change.
//
// Only the risk, matching.commission and matching.slippage knobs are
// reloadable. Engine mode,
// account structure, and database URL require an engine restart.
package config

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// ConfigWatcher monitors the config file for changes and invokes callbacks
// when risk-, commission- or slippage-related fields change. It uses stat-based
// polling (no external dependencies like fsnotify required).
type ConfigWatcher struct {
	path     string
	logger   *log.Logger
	mu       sync.RWMutex
	current  *Config
	lastMod  time.Time
	onChange []func(old, new *Config)
	done     chan struct{}
	stopped  bool
}

// NewConfigWatcher creates a watcher for the given config file path.
// initial is the currently loaded config. The watcher does not start
// until Start() is called.
func NewConfigWatcher(path string, initial *Config, logger *log.Logger) *ConfigWatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &ConfigWatcher{
		path:    path,
		logger:  logger,
		current: initial,
		done:    make(chan struct{}),
	}
}

// OnChange registers a callback invoked when the config file changes and
// the new config passes validation. Multiple callbacks may be registered.
//
// Only risk, matching.commission and matching.slippage changes trigger
// callbacks. Changes to
// engine mode, account structure, or database URL are ignored (they
// require a restart).
func (w *ConfigWatcher) OnChange(fn func(old, new *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins polling the config file for changes. It returns immediately;
// the watcher runs in a background goroutine. Returns an error if the
// initial file stat fails.
func (w *ConfigWatcher) Start() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	w.lastMod = info.ModTime()
	w.logger.Printf("[config-watcher] watching %s for changes (poll interval: 5s)", w.path)

	go w.pollLoop()
	return nil
}

// Stop stops the config watcher. Safe to call multiple times.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
		w.logger.Println("[config-watcher] stopped")
	}
}

// Current returns the most recently loaded valid config.
func (w *ConfigWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// ────────────────────────────────────────────────────────────────────
// Internal
// ────────────────────────────────────────────────────────────────────

func (w *ConfigWatcher) pollLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.checkForChanges()
		}
	}
}

func (w *ConfigWatcher) checkForChanges() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] stat error: %v", err)
		return
	}

	if !info.ModTime().After(w.lastMod) {
		return // file hasn't changed
	}
	w.lastMod = info.ModTime()

	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Printf("[config-watcher] read error: %v", err)
		return
	}

	var newCfg Config
	if err := json.Unmarshal(data, &newCfg); err != nil {
		w.logger.Printf("[config-watcher] parse error (keeping old config): %v", err)
		return
	}

	if err := newCfg.Validate(); err != nil {
		w.logger.Printf("[config-watcher] validation error (keeping old config): %v", err)
		return
	}

	w.mu.RLock()
	oldCfg := w.current
	w.mu.RUnlock()

	if !reloadableChanged(oldCfg, &newCfg) {
		w.logger.Printf("[config-watcher] file changed but no reloadable field changed, skipping")
		return
	}

	w.logChanges(oldCfg, &newCfg)

	w.mu.Lock()
	w.current = &newCfg
	callbacks := make([]func(old, new *Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(oldCfg, &newCfg)
	}
}

// reloadableChanged reports whether any risk, matching.commission or
// matching.slippage field changed between old and new.
func reloadableChanged(old, new *Config) bool {
	if riskChanged(old.Risk, new.Risk) {
		return true
	}
	if old.Matching.Commission != new.Matching.Commission {
		return true
	}
	if old.Matching.Slippage != new.Matching.Slippage {
		return true
	}
	return false
}

// riskChanged compares two RiskConfig values field by field. RiskConfig
// cannot use == directly since SectorMap is a map.
func riskChanged(old, new RiskConfig) bool {
	if old.MaxPerSector != new.MaxPerSector {
		return true
	}
	if old.MaxPositionPct != new.MaxPositionPct {
		return true
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		return true
	}
	return !sectorMapsEqual(old.SectorMap, new.SectorMap)
}

func sectorMapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (w *ConfigWatcher) logChanges(old, new *Config) {
	if old.Risk.MaxPerSector != new.Risk.MaxPerSector {
		w.logger.Printf("[config-watcher] risk.max_per_sector: %d -> %d", old.Risk.MaxPerSector, new.Risk.MaxPerSector)
	}
	if old.Risk.MaxPositionPct != new.Risk.MaxPositionPct {
		w.logger.Printf("[config-watcher] risk.max_position_pct: %.2f -> %.2f", old.Risk.MaxPositionPct, new.Risk.MaxPositionPct)
	}
	if !sectorMapsEqual(old.Risk.SectorMap, new.Risk.SectorMap) {
		w.logger.Printf("[config-watcher] risk.sector_map: %d -> %d entries", len(old.Risk.SectorMap), len(new.Risk.SectorMap))
	}
	if old.Risk.CircuitBreaker != new.Risk.CircuitBreaker {
		w.logger.Printf("[config-watcher] risk.circuit_breaker: consecutive=%d hourly=%d cooldown=%dmin",
			new.Risk.CircuitBreaker.MaxConsecutiveFailures, new.Risk.CircuitBreaker.MaxFailuresPerHour, new.Risk.CircuitBreaker.CooldownMinutes)
	}
	if old.Matching.Slippage != new.Matching.Slippage {
		w.logger.Printf("[config-watcher] matching.slippage.rate: %.4f -> %.4f", old.Matching.Slippage.Rate, new.Matching.Slippage.Rate)
	}
	if old.Matching.Commission != new.Matching.Commission {
		w.logger.Printf("[config-watcher] matching.commission: min=%.2f buy=%.4f sell=%.4f",
			new.Matching.Commission.MinCommission, new.Matching.Commission.BuyCommission, new.Matching.Commission.SellCommission)
	}
}
