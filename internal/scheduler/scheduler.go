// Package scheduler drives strategy callbacks at precisely the right
// logical times in both runtime modes: the single-threaded deterministic
// backtest loop, and the wall-clock-driven simulation phase state machine.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/matching"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/runctx"
	"github.com/wdc63/qtrader/internal/sandbox"
	"github.com/wdc63/qtrader/internal/strategy"
)

// Hooks holds the configured single-time lifecycle hook times ("HH:MM:SS")
// from lifecycle.hooks.
type Hooks struct {
	BeforeTrading string
	AfterTrading string
	BrokerSettle string
}

// Config bundles everything the Scheduler needs beyond its component
// references.
type Config struct {
	Hooks Hooks
	HandleBarTimes []string // merged with Context.Schedule at run start
	Tolerance time.Duration // simulation TRADING-phase schedule-point tolerance, default 60s
	TickInterval time.Duration // simulation tick period, default 1s
	AutoSaveDays int // snapshot.auto_save_interval; 0 disables
}

// Phase is a simulation-mode trading-day phase.
type Phase string

const (
	PhaseBeforeTrading Phase = "BEFORE_TRADING"
	PhaseTrading Phase = "TRADING"
	PhaseAfterTrading Phase = "AFTER_TRADING"
	PhaseSettlement Phase = "SETTLEMENT"
	PhaseClosed Phase = "CLOSED"
)

// Synchronizer is implemented by the snapshot subsystem to perform the
// simulation resync: fast-forwarding settlement through any trading days
// missed while the run was interrupted. It is invoked by the Scheduler
// whenever the sandbox watchdog sets ResyncRequested.
type Synchronizer interface {
	SynchronizeToRealtime(ctx context.Context, now time.Time) error
}

// AutoSaver is called by the Scheduler every AutoSaveDays trading days to
// persist a PAUSED-shaped checkpoint without actually pausing the run.
type AutoSaver interface {
	AutoSave(date string) error
}

// PositionSnapshotRecorder receives each day's settlement output so the
// snapshot subsystem can serve position_snapshots[date] lookups for fork
// and render daily_positions.csv.
type PositionSnapshotRecorder interface {
	RecordPositionSnapshot(date string, rows []matching.PositionSnapshotRow, snap []position.Snapshot)
}

// Scheduler owns the backtest loop and the simulation state machine.
type Scheduler struct {
	cfg Config
	strategy strategy.Strategy
	sandbox *sandbox.Sandbox
	matching *matching.Engine
	ctx *runctx.Context
	logger *log.Logger
	sync Synchronizer
	saver AutoSaver
	recorder PositionSnapshotRecorder

	// control is polled between events for pause/resume/stop.
	control ControlSource

	// day state, used by both modes to avoid double-firing a phase.
	day dayState
}

// ControlSource lets an external control surface request pause/stop,
// applied only between events, never mid-hook.
type ControlSource interface {
	// Poll returns "pause", "stop", or "" (continue).
	Poll() string
}

type dayState struct {
	date string
	beforeDone bool
	afterDone bool
	brokerSettleDone bool
	settleDone bool
	fired map[string]bool
}

func newDayState(date string) dayState {
	return dayState{date: date, fired: make(map[string]bool)}
}

// New creates a Scheduler.
func New(cfg Config, strat strategy.Strategy, sb *sandbox.Sandbox, me *matching.Engine, rc *runctx.Context, sync Synchronizer, saver AutoSaver, recorder PositionSnapshotRecorder, control ControlSource, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 60 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{cfg: cfg, strategy: strat, sandbox: sb, matching: me, ctx: rc, logger: logger, sync: sync, saver: saver, recorder: recorder, control: control}
}

// scheduleTimesFor merges the configured handle_bar times with any the
// strategy registered via Context.AddSchedule during initialize, sorted
// and de-duplicated.
func (s *Scheduler) scheduleTimesFor() []string {
	set := map[string]struct{}{}
	var out []string
	for _, t := range s.cfg.HandleBarTimes {
		if _, ok := set[t]; !ok {
			set[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range s.ctx.Schedule() {
		if _, ok := set[t]; !ok {
			set[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func combineDateTime(date, hhmmss string) (time.Time, error) {
	return time.Parse("2006-01-02 15:04:05", date+" "+hhmmss)
}

// event is one fireable point in a backtest day's ordered timeline.
type event struct {
	at time.Time
	name string
	run func(ctx context.Context) error
}

// buildDayEvents constructs the ordered event timeline for date.
func (s *Scheduler) buildDayEvents(date string) ([]event, error) {
	var events []event

	add := func(hhmmss, name string, run func(context.Context) error) error {
		t, err := combineDateTime(date, hhmmss)
		if err != nil {
			return fmt.Errorf("scheduler: parse %s time %q: %w", name, hhmmss, err)
		}
		events = append(events, event{at: t, name: name, run: run})
		return nil
	}

	if err := add(s.cfg.Hooks.BeforeTrading, "before_trading", func(ctx context.Context) error {
		return s.sandbox.Invoke(s.ctx, "before_trading", s.strategy.BeforeTrading)
	}); err != nil {
		return nil, err
	}

	for _, p := range s.scheduleTimesFor() {
		point := p
		if err := add(point, "handle_bar", func(ctx context.Context) error {
			if err := s.sandbox.Invoke(s.ctx, "handle_bar", s.strategy.HandleBar); err != nil {
				return err
			}
			return s.matching.MatchOrders(ctx, s.ctx.Now())
		}); err != nil {
			return nil, err
		}
	}

	if err := add(s.cfg.Hooks.AfterTrading, "after_trading", func(ctx context.Context) error {
		return s.sandbox.Invoke(s.ctx, "after_trading", s.strategy.AfterTrading)
	}); err != nil {
		return nil, err
	}
	if err := add(s.cfg.Hooks.BrokerSettle, "broker_settle", func(ctx context.Context) error {
		return s.sandbox.Invoke(s.ctx, "broker_settle", s.strategy.BrokerSettle)
	}); err != nil {
		return nil, err
	}
	if err := add(s.cfg.Hooks.BrokerSettle, "settle", func(ctx context.Context) error {
		rows, snap, err := s.matching.Settle(ctx, date, s.ctx.Now())
		if err != nil {
			return err
		}
		if s.recorder != nil {
			s.recorder.RecordPositionSnapshot(date, rows, snap)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })
	return events, nil
}

// RunBacktest drives the deterministic single-threaded loop over every
// trading day in the calendar, starting at resumeAt if non-nil (the
// snapshot's current_dt — events at or before it are skipped).
func (s *Scheduler) RunBacktest(bctx context.Context, days []string, resumeAt *time.Time) error {
	for _, date := range days {
		if resumeAt != nil && date < resumeAt.Format("2006-01-02") {
			continue
		}
		s.ctx.StrategyErrorToday = false
		events, err := s.buildDayEvents(date)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if resumeAt != nil && !ev.at.After(*resumeAt) {
				continue
			}
			if s.control != nil {
				switch s.control.Poll() {
				case "pause":
					s.ctx.SetStatus(runctx.Paused)
					return nil
				case "stop":
					s.ctx.SetStatus(runctx.Finished)
					s.sandbox.Invoke(s.ctx, "on_end", s.strategy.OnEnd)
					return nil
				}
			}
			s.ctx.Clock.Advance(ev.at)
			if err := ev.run(bctx); err != nil {
				return fmt.Errorf("scheduler: %s on %s: %w", ev.name, date, err)
			}
		}
		resumeAt = nil

		if s.saver != nil && s.cfg.AutoSaveDays > 0 {
			idx := s.ctx.Calendar.IndexOf(date)
			if idx >= 0 && (idx+1)%s.cfg.AutoSaveDays == 0 {
				if err := s.saver.AutoSave(date); err != nil {
					s.logger.Printf("[scheduler] autosave failed for %s: %v", date, err)
				}
			}
		}
	}
	s.ctx.SetStatus(runctx.Finished)
	return s.sandbox.Invoke(s.ctx, "on_end", s.strategy.OnEnd)
}

// Run is the CLI's single entry point into the scheduler: in backtest
// mode it drives RunBacktest synchronously; in simulation mode it
// supervises the tick loop and the caller's monitorFn (the monitoring
// server's accept-and-broadcast loop, or nil) under one errgroup.Group,
// so a fatal error from either goroutine surfaces here exactly once and
// cancels the other. When the tick loop returns for any reason (stop,
// pause, or error), monitorFn's context is cancelled as well.
func (s *Scheduler) Run(ctx context.Context, days []string, resumeAt *time.Time, monitorFn func(context.Context) error) error {
	if s.ctx.Clock.Mode() == clock.ModeBacktest {
		return s.RunBacktest(ctx, days, resumeAt)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return s.RunSimulation(gctx)
	})
	if monitorFn != nil {
		g.Go(func() error { return monitorFn(gctx) })
	}
	return g.Wait()
}

// RunSimulation drives the wall-clock tick state machine until the
// context is cancelled or a stop command is received.
func (s *Scheduler) RunSimulation(sctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.day = newDayState("")

	for {
		select {
		case <-sctx.Done():
			s.ctx.SetStatus(runctx.Interrupted)
			return sctx.Err()
		case <-ticker.C:
			s.ctx.Clock.Tick()
			now := s.ctx.Now()

			if s.ctx.ResyncRequested && s.sync != nil {
				if err := s.sync.SynchronizeToRealtime(sctx, now); err != nil {
					return fmt.Errorf("scheduler: resync: %w", err)
				}
				s.ctx.ResyncRequested = false
				now = s.ctx.Now()
			}

			if s.control != nil {
				switch s.control.Poll() {
				case "pause":
					s.ctx.SetStatus(runctx.Paused)
					return nil
				case "stop":
					s.ctx.SetStatus(runctx.Finished)
					return s.sandbox.Invoke(s.ctx, "on_end", s.strategy.OnEnd)
				}
			}

			date := now.Format("2006-01-02")
			if date != s.day.date {
				s.day = newDayState(date)
				s.ctx.StrategyErrorToday = false
			}

			if err := s.tickPhase(sctx, now); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) tickPhase(sctx context.Context, now time.Time) error {
	if !s.day.beforeDone {
		beforeAt, err := combineDateTime(s.day.date, s.cfg.Hooks.BeforeTrading)
		if err == nil && !now.Before(beforeAt) {
			if err := s.sandbox.Invoke(s.ctx, "before_trading", s.strategy.BeforeTrading); err != nil {
				return err
			}
			s.day.beforeDone = true
		}
		return nil
	}

	if !s.day.afterDone {
		if fired, err := s.fireDueSchedulePoint(sctx, now); err != nil {
			return err
		} else if fired {
			return nil
		}
		afterAt, err := combineDateTime(s.day.date, s.cfg.Hooks.AfterTrading)
		if err == nil && !now.Before(afterAt) {
			if err := s.sandbox.Invoke(s.ctx, "after_trading", s.strategy.AfterTrading); err != nil {
				return err
			}
			s.day.afterDone = true
		}
		return nil
	}

	if !s.day.brokerSettleDone {
		brokerAt, err := combineDateTime(s.day.date, s.cfg.Hooks.BrokerSettle)
		if err == nil && !now.Before(brokerAt) {
			if err := s.sandbox.Invoke(s.ctx, "broker_settle", s.strategy.BrokerSettle); err != nil {
				return err
			}
			s.day.brokerSettleDone = true
		}
		return nil
	}

	if !s.day.settleDone {
		rows, snap, err := s.matching.Settle(sctx, s.day.date, now)
		if err != nil {
			return err
		}
		if s.recorder != nil {
			s.recorder.RecordPositionSnapshot(s.day.date, rows, snap)
		}
		s.day.settleDone = true
	}
	return nil
}

func (s *Scheduler) fireDueSchedulePoint(sctx context.Context, now time.Time) (bool, error) {
	var best string
	var bestAt time.Time
	found := false

	for _, p := range s.scheduleTimesFor() {
		if s.day.fired[p] {
			continue
		}
		at, err := combineDateTime(s.day.date, p)
		if err != nil || at.After(now) {
			continue
		}
		if !found || at.After(bestAt) {
			found, best, bestAt = true, p, at
		}
	}
	if !found {
		return false, nil
	}

	if now.Sub(bestAt) > s.cfg.Tolerance {
		s.logger.Printf("[scheduler] schedule point %s on %s missed tolerance (%v late), skipping", best, s.day.date, now.Sub(bestAt))
		s.day.fired[best] = true
		return true, nil
	}

	if err := s.sandbox.Invoke(s.ctx, "handle_bar", s.strategy.HandleBar); err != nil {
		return false, err
	}
	if err := s.matching.MatchOrders(sctx, now); err != nil {
		return false, err
	}
	s.day.fired[best] = true
	return true, nil
}
