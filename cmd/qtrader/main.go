// Package main is the entry point for the qtrader engine.
//
// The engine:
//   1. Loads configuration
//   2. Wires the clock/calendar, data provider, portfolio, position and
//      order managers, matching engine, and shared context
//   3. Runs the requested strategy under the Lifecycle Sandbox, driven by
//      the scheduler in either backtest or simulation mode
//   4. Persists every fill and daily settlement to Postgres
//   5. Renders a performance report and, on a clean finish, a FINISHED
//      snapshot envelope
//
// Modes:
//   - "status":   print the loaded configuration and exit
//   - "backtest": run the deterministic single-threaded backtest loop
//   - "simulate": run the wall-clock simulation state machine with the
//                 monitoring server attached
//   - "resume":   rehydrate a PAUSED snapshot and continue simulation
//   - "fork":     rehydrate a PAUSED snapshot at an earlier date and
//                 continue simulation under a (possibly new) strategy
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wdc63/qtrader/internal/analytics"
	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/config"
	"github.com/wdc63/qtrader/internal/control"
	"github.com/wdc63/qtrader/internal/matching"
	"github.com/wdc63/qtrader/internal/monitor"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/provider"
	"github.com/wdc63/qtrader/internal/runctx"
	"github.com/wdc63/qtrader/internal/sandbox"
	"github.com/wdc63/qtrader/internal/scheduler"
	"github.com/wdc63/qtrader/internal/snapshot"
	"github.com/wdc63/qtrader/internal/storage"
	"github.com/wdc63/qtrader/internal/strategy"
	"github.com/wdc63/qtrader/internal/strategy/examples"
)

// exit codes, per the run's top-level contract.
const (
	exitFinished    = 0
	exitInterrupted = 1
	exitUsage       = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config/config.json", "path to configuration file")
	mode := flag.String("mode", "status", "run mode: status | backtest | simulate | resume | fork")
	dataDir := flag.String("data-dir", "data", "directory of <SYMBOL>.csv files for the CSV provider")
	outDir := flag.String("out", "run-output", "directory for snapshots and reports")
	snapshotIn := flag.String("snapshot", "", "PAUSED snapshot file (required for resume/fork)")
	forkDate := flag.String("fork-date", "", "fork boundary date YYYY-MM-DD (required for fork)")
	reinitialize := flag.Bool("reinitialize", true, "fork only: clear strategy user data and re-run initialize instead of carrying it over")
	listenAddr := flag.String("listen", ":8090", "simulation mode: monitoring server bind address")
	flag.Parse()

	logger := log.New(os.Stdout, "[qtrader] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("failed to load config: %v", err)
		return exitUsage
	}
	logger.Printf("config loaded: mode=%s frequency=%s strategy=%s capital=%.2f",
		cfg.Engine.Mode, cfg.Engine.Frequency, cfg.Engine.StrategyName, cfg.Account.InitialCash)

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		logger.Printf("failed to create output dir %s: %v", *outDir, err)
		return exitUsage
	}

	if *mode == "status" {
		printStatus(logger, cfg)
		return exitFinished
	}
	if (*mode == "resume" || *mode == "fork") && *snapshotIn == "" {
		logger.Println("resume/fork require -snapshot")
		return exitUsage
	}
	if *mode == "fork" && *forkDate == "" {
		logger.Println("fork requires -fork-date")
		return exitUsage
	}
	switch *mode {
	case "backtest":
		if cfg.Engine.Mode != config.ModeBacktest {
			logger.Printf("-mode=backtest requires engine.mode=\"backtest\" in %s, got %q", *configPath, cfg.Engine.Mode)
			return exitUsage
		}
	case "simulate", "resume", "fork":
		if cfg.Engine.Mode != config.ModeSimulation {
			logger.Printf("-mode=%s requires engine.mode=\"simulation\" in %s, got %q", *mode, *configPath, cfg.Engine.Mode)
			return exitUsage
		}
	default:
		logger.Printf("unknown -mode %q (expected: status, backtest, simulate, resume, fork)", *mode)
		return exitUsage
	}

	strat, err := loadStrategy(cfg.Engine.StrategyName)
	if err != nil {
		logger.Printf("%v", err)
		return exitUsage
	}

	p := provider.NewCSVProvider(*dataDir, nil)

	clockMode := clock.ModeBacktest
	if cfg.Engine.Mode == config.ModeSimulation {
		clockMode = clock.ModeSimulation
	}

	start := time.Now()
	if cfg.Engine.Mode == config.ModeBacktest {
		if start, err = time.Parse("2006-01-02", cfg.Engine.StartDate); err != nil {
			logger.Printf("invalid engine.start_date: %v", err)
			return exitUsage
		}
	}
	cl := clock.New(clockMode, start)

	var days []string
	if cfg.Engine.Mode == config.ModeBacktest {
		days, err = p.TradingCalendar(context.Background(), cfg.Engine.StartDate, cfg.Engine.EndDate)
		if err != nil {
			logger.Printf("failed to build trading calendar: %v", err)
			return exitUsage
		}
	}
	cal := clock.NewCalendar(days)

	pf := portfolio.New(cfg.Account.InitialCash, cfg.Account.ShortMarginRate)
	positions := position.NewManager(string(cfg.Account.TradingRule))
	orders := order.NewManager()
	rc := runctx.New(cl, cal, p, pf, positions, orders)
	rc.OnWarning(func(msg string) { logger.Printf("[runctx] %s", msg) })

	matchCfg := matching.Config{
		SlippageRate:   cfg.Matching.Slippage.Rate,
		BuyCommission:  cfg.Matching.Commission.BuyCommission,
		SellCommission: cfg.Matching.Commission.SellCommission,
		BuyTax:         cfg.Matching.Commission.BuyTax,
		SellTax:        cfg.Matching.Commission.SellTax,
		MinCommission:  cfg.Matching.Commission.MinCommission,
		TradingMode:    matching.TradingMode(cfg.Account.TradingMode),
		TradingRule:    string(cfg.Account.TradingRule),
		LotSize:        cfg.Account.OrderLotSize,

		MaxConsecutiveFailures: cfg.Risk.CircuitBreaker.MaxConsecutiveFailures,
		MaxFailuresPerHour:     cfg.Risk.CircuitBreaker.MaxFailuresPerHour,
		CooldownMinutes:        cfg.Risk.CircuitBreaker.CooldownMinutes,

		MaxPerSector:   cfg.Risk.MaxPerSector,
		SectorMap:      cfg.Risk.SectorMap,
		MaxPositionPct: cfg.Risk.MaxPositionPct,
	}
	me := matching.New(matchCfg, p, orders, positions, pf, logger)

	sb := sandbox.New(sandbox.Config{
		BlockThreshold: time.Duration(cfg.Watchdog.BlockThresholdSeconds * float64(time.Second)),
		StrictInit:     cfg.Lifecycle.StrictInit,
	}, logger)

	snapMgr := snapshot.NewManager(logger)
	ctrl := control.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Printf("WARNING: database not available: %v — persistence disabled", err)
		} else {
			if err := pg.Migrate(ctx); err != nil {
				logger.Printf("WARNING: migration failed: %v — persistence disabled", err)
				pg.Close()
			} else {
				store = pg
				defer pg.Close()
				logger.Println("database connected — persistence enabled")
			}
		}
	}

	runID := *configPath + ":" + cfg.Engine.StrategyName

	var resumeAt *time.Time
	switch *mode {
	case "resume":
		env, err := snapshot.Load(*snapshotIn)
		if err != nil {
			logger.Printf("failed to load snapshot: %v", err)
			return exitUsage
		}
		if err := snapshot.RebuildForResume(env, rc); err != nil {
			logger.Printf("failed to rebuild from snapshot: %v", err)
			return exitUsage
		}
		at := rc.Now()
		resumeAt = &at
		if cfg.Engine.Mode == config.ModeSimulation {
			// Time synchronization on resume: settle every trading day missed
			// while paused before the simulation tick loop starts advancing.
			rc.ResyncRequested = true
		}
		logger.Printf("resumed from %s at %s", *snapshotIn, at.Format(time.RFC3339))
	case "fork":
		env, err := snapshot.Load(*snapshotIn)
		if err != nil {
			logger.Printf("failed to load snapshot: %v", err)
			return exitUsage
		}
		if err := snapshot.RebuildForFork(env, *forkDate, *reinitialize, rc); err != nil {
			logger.Printf("failed to fork from snapshot: %v", err)
			return exitUsage
		}
		logger.Printf("forked from %s at %s (reinitialize=%v)", *snapshotIn, *forkDate, *reinitialize)
		if *reinitialize {
			if err := sb.Invoke(rc, "initialize", strat.Initialize); err != nil {
				logger.Printf("strategy initialize failed: %v", err)
				return exitInterrupted
			}
		}
	default:
		if err := sb.Invoke(rc, "initialize", strat.Initialize); err != nil {
			logger.Printf("strategy initialize failed: %v", err)
			return exitInterrupted
		}
	}

	saver := &autoSaver{mgr: snapMgr, rc: rc, outDir: *outDir, mode: cfg.Snapshot.AutoSaveMode}

	sync := snapshot.NewSynchronizer(rc, me, snapMgr, logger)
	sched := scheduler.New(scheduler.Config{
		Hooks: scheduler.Hooks{
			BeforeTrading: cfg.Lifecycle.Hooks.BeforeTrading,
			AfterTrading:  cfg.Lifecycle.Hooks.AfterTrading,
			BrokerSettle:  cfg.Lifecycle.Hooks.BrokerSettle,
		},
		HandleBarTimes: cfg.Lifecycle.Hooks.HandleBar,
		AutoSaveDays:   cfg.Snapshot.AutoSaveIntervalDays,
	}, strat, sb, me, rc, sync, saver, snapMgr, ctrl, logger)

	watcher := config.NewConfigWatcher(*configPath, cfg, logger)
	watcher.OnChange(func(_, newCfg *config.Config) {
		updated := matchCfg
		updated.SlippageRate = newCfg.Matching.Slippage.Rate
		updated.BuyCommission = newCfg.Matching.Commission.BuyCommission
		updated.SellCommission = newCfg.Matching.Commission.SellCommission
		updated.BuyTax = newCfg.Matching.Commission.BuyTax
		updated.SellTax = newCfg.Matching.Commission.SellTax
		updated.MinCommission = newCfg.Matching.Commission.MinCommission
		updated.MaxConsecutiveFailures = newCfg.Risk.CircuitBreaker.MaxConsecutiveFailures
		updated.MaxFailuresPerHour = newCfg.Risk.CircuitBreaker.MaxFailuresPerHour
		updated.CooldownMinutes = newCfg.Risk.CircuitBreaker.CooldownMinutes
		updated.MaxPerSector = newCfg.Risk.MaxPerSector
		updated.SectorMap = newCfg.Risk.SectorMap
		updated.MaxPositionPct = newCfg.Risk.MaxPositionPct
		me.UpdateConfig(updated)
		logger.Println("[hot-reload] matching engine config updated")
	})
	if err := watcher.Start(); err != nil {
		logger.Printf("WARNING: config watcher failed to start: %v", err)
	}
	defer watcher.Stop()

	var monitorFn func(context.Context) error
	if cfg.Engine.Mode == config.ModeSimulation {
		srv := monitor.New(rc, ctrl, logger)
		monitorFn = func(mctx context.Context) error {
			return srv.Serve(mctx, *listenAddr, time.Second)
		}
		logger.Printf("monitoring server listening on %s", *listenAddr)
	}

	runErr := sched.Run(ctx, days, resumeAt, monitorFn)

	finalTag := snapshot.TagFinal
	if runErr != nil {
		finalTag = snapshot.TagInterrupt
		logger.Printf("run ended with error: %v", runErr)
	}
	if rc.CurrentStatus() == runctx.Paused {
		finalTag = snapshot.TagPause
	}
	env := snapMgr.Capture(finalTag, rc, cfg.Engine.StrategyName, "csv")
	finalPath := filepath.Join(*outDir, fmt.Sprintf("snapshot-%s.json", finalTag))
	if err := snapshot.Save(env, finalPath); err != nil {
		logger.Printf("failed to save final snapshot: %v", err)
	} else {
		logger.Printf("saved %s snapshot to %s", finalTag, finalPath)
	}

	if store != nil {
		if err := persistRun(ctx, store, runID, rc, snapMgr); err != nil {
			logger.Printf("failed to persist run: %v", err)
		}
	}

	report := analytics.Analyze(rc.Orders.History(), rc.Portfolio.History)
	fmt.Println(analytics.FormatReport(report))

	if runErr != nil {
		return exitInterrupted
	}
	return exitFinished
}

func printStatus(logger *log.Logger, cfg *config.Config) {
	logger.Println("=== Configuration Status ===")
	logger.Printf("Mode: %s", cfg.Engine.Mode)
	logger.Printf("Frequency: %s", cfg.Engine.Frequency)
	logger.Printf("Strategy: %s", cfg.Engine.StrategyName)
	logger.Printf("Initial cash: %.2f", cfg.Account.InitialCash)
	logger.Printf("Trading rule: %s", cfg.Account.TradingRule)
	logger.Printf("Trading mode: %s", cfg.Account.TradingMode)
	if cfg.Engine.Mode == config.ModeBacktest {
		logger.Printf("Date window: %s -> %s", cfg.Engine.StartDate, cfg.Engine.EndDate)
	}
	logger.Printf("Database: %v", cfg.DatabaseURL != "")
}

// loadStrategy resolves a strategy_name to a concrete strategy.Strategy.
// Built-in strategies live under internal/strategy/examples; production
// deployments add their own names here.
func loadStrategy(name string) (strategy.Strategy, error) {
	switch name {
	case "momentum_demo":
		return examples.NewMomentumStrategy([]string{"RELIANCE", "TCS", "INFY"}, 100000), nil
	default:
		return nil, fmt.Errorf("unknown engine.strategy_name %q", name)
	}
}

// autoSaver implements scheduler.AutoSaver: it persists a PAUSED-shaped
// checkpoint every configured interval without actually pausing the run.
type autoSaver struct {
	mgr    *snapshot.Manager
	rc     *runctx.Context
	outDir string
	mode   config.AutoSaveMode
	seq    int
}

func (a *autoSaver) AutoSave(date string) error {
	env := a.mgr.Capture(snapshot.TagPause, a.rc, "", "")
	name := "autosave.json"
	if a.mode == config.AutoSaveIncrement {
		a.seq++
		name = fmt.Sprintf("autosave-%04d-%s.json", a.seq, date)
	}
	return snapshot.Save(env, filepath.Join(a.outDir, name))
}

// persistRun writes the run's whole filled-order history plus one
// settlement row per day of the portfolio's daily history to the storage
// backend; rows already stored under the same keys are updated.
func persistRun(ctx context.Context, store storage.Store, runID string, rc *runctx.Context, snapMgr *snapshot.Manager) error {
	for _, o := range rc.Orders.History() {
		if err := store.SaveFilledOrder(ctx, runID, o); err != nil {
			return fmt.Errorf("save filled order %d: %w", o.ID, err)
		}
	}

	expiredByDate := expiredOrderIDsByDate(rc.Orders.AllKnown())
	snapsByDate := snapMgr.Capture(snapshot.TagFinal, rc, "", "").PositionSnapshotsByDate

	for _, rec := range rc.Portfolio.History {
		rows := filterRowsByDate(snapMgr.DailyPositionRows(), rec.Date)
		snap := snapsByDate[rec.Date]
		settlement := storage.DailySettlement{
			Date:             rec.Date,
			NetWorth:         rec.NetWorth,
			Cash:             rec.Cash,
			LongMarketValue:  rec.LongMarketValue,
			ShortMarketValue: rec.ShortMarketValue,
			Returns:          rec.Returns,
			ExpiredOrderIDs:  expiredByDate[rec.Date],
		}
		if err := store.SaveDailySettlement(ctx, runID, settlement, rows, snap); err != nil {
			return fmt.Errorf("save daily settlement %s: %w", rec.Date, err)
		}
	}
	return nil
}

// expiredOrderIDsByDate groups EXPIRED orders by the trading day they were
// submitted on, the day a still-OPEN order always expires.
func expiredOrderIDsByDate(known []*order.Order) map[string][]int64 {
	out := make(map[string][]int64)
	for _, o := range known {
		if o.Status != order.Expired {
			continue
		}
		date := o.CreatedAt.Format("2006-01-02")
		out[date] = append(out[date], o.ID)
	}
	return out
}

func filterRowsByDate(rows []matching.PositionSnapshotRow, date string) []matching.PositionSnapshotRow {
	var out []matching.PositionSnapshotRow
	for _, r := range rows {
		if r.Date == date {
			out = append(out, r)
		}
	}
	return out
}
