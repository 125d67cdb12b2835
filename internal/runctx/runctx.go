// Package runctx implements the Context: the single shared
// mutable object a run's scheduler thread owns. Strategy code sees it as an
// opaque façade over the Clock, Portfolio, Position and Order managers; the
// monitoring server only ever reads it through a coarse lock that guards a
// copied-out snapshot.
package runctx

import (
	"sync"
	"time"

	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/provider"
)

// Status is the run's lifecycle state, persisted in the snapshot envelope.
type Status string

const (
	Running Status = "RUNNING"
	Paused Status = "PAUSED"
	Interrupted Status = "INTERRUPTED"
	Finished Status = "FINISHED"
)

// Context is the engine's single shared mutable object. Every field mutation
// happens from the scheduler thread; mu guards only the read-only copy-out
// path used by the monitoring server.
type Context struct {
	mu sync.RWMutex

	Clock *clock.Clock
	Calendar *clock.Calendar
	Provider provider.Provider
	Portfolio *portfolio.Portfolio
	Positions *position.Manager
	Orders *order.Manager

	Status Status

	// UserData is the strategy's opaque key/value scratch space, carried
	// across snapshots verbatim (unless a fork requests reinitialize).
	UserData map[string]any

	// schedule is the de-duplicated, sorted set of "HH:MM:SS" handle_bar
	// times registered via AddSchedule, valid only during initialize.
	schedule []string

	// initializing is true only for the duration of the strategy's
	// initialize hook; AddSchedule/SetInitialState are only honored then.
	initializing bool
	// initialStateSet records whether SetInitialState has already been
	// called once this run — a second call is ignored with a warning.
	initialStateSet bool

	// StrategyErrorToday is set by the sandbox when a hook faults; cleared
	// at the start of each trading day.
	StrategyErrorToday bool
	// ResyncRequested is set by the sandbox watchdog in simulation mode.
	ResyncRequested bool

	onWarning func(string)
}

// New creates a fresh Context wired to the given components.
func New(c *clock.Clock, cal *clock.Calendar, p provider.Provider, pf *portfolio.Portfolio, pos *position.Manager, ord *order.Manager) *Context {
	return &Context{
		Clock: c,
		Calendar: cal,
		Provider: p,
		Portfolio: pf,
		Positions: pos,
		Orders: ord,
		Status: Running,
		UserData: make(map[string]any),
	}
}

// OnWarning registers a sink for non-fatal warnings (AddSchedule/SetInitialState
// called outside initialize, etc). If unset, warnings are silently dropped.
func (c *Context) OnWarning(fn func(string)) { c.onWarning = fn }

func (c *Context) warn(msg string) {
	if c.onWarning != nil {
		c.onWarning(msg)
	}
}

// BeginInitialize marks the start of the strategy's initialize hook, during
// which AddSchedule and SetInitialState are honored. Called by the sandbox.
func (c *Context) BeginInitialize() { c.initializing = true }

// EndInitialize marks the end of the strategy's initialize hook.
func (c *Context) EndInitialize() { c.initializing = false }

// Schedule returns the de-duplicated, sorted set of registered handle_bar
// times, for the Scheduler to build its per-day schedule-point grid.
func (c *Context) Schedule() []string {
	out := make([]string, len(c.schedule))
	copy(out, c.schedule)
	return out
}

// AddSchedule registers an additional handle_bar time ("HH:MM:SS"), only
// honored when called from initialize; from any other hook it is ignored
// with a warning.
func (c *Context) AddSchedule(hhmmss string) {
	if !c.initializing {
		c.warn("runctx: add_schedule called outside initialize, ignored: " + hhmmss)
		return
	}
	for _, t := range c.schedule {
		if t == hhmmss {
			return
		}
	}
	c.schedule = append(c.schedule, hhmmss)
	sortStrings(c.schedule)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// SetInitialState seeds the Portfolio's cash and the Position Manager with
// a starting book, callable at most once per run and only from initialize.
// A second call, or a call from outside initialize, is ignored with a
// warning.
func (c *Context) SetInitialState(cash float64, positions []position.Snapshot) {
	if !c.initializing {
		c.warn("runctx: set_initial_state called outside initialize, ignored")
		return
	}
	if c.initialStateSet {
		c.warn("runctx: set_initial_state called more than once, ignored")
		return
	}
	c.initialStateSet = true
	c.Portfolio.Cash = cash
	c.Positions.Restore(positions)
}

// AlignAccountState implements broker_settle's align_account_state: it
// replaces the Position Manager's book wholesale with target, recomputes
// reserved margin from the new short book, and sets cash to the provided
// value.
func (c *Context) AlignAccountState(cash float64, target []position.Snapshot) {
	c.Positions.Restore(target)
	c.Portfolio.Cash = cash
	c.Portfolio.Margin = 0
	for _, s := range target {
		if s.Direction == position.Short {
			c.Portfolio.ReserveShortMargin(s.Total * s.MarketPrice)
		}
	}
}

// Now is a convenience forward to the clock.
func (c *Context) Now() time.Time { return c.Clock.Now() }

// Snapshot is the serializable, lock-free copy of Context-level state
// returned by CopyOut — every sub-component's own Snapshot type is embedded
// by the caller (snapshot package), this struct covers only what Context
// itself owns.
type Snapshot struct {
	Status Status
	UserData map[string]any
	Now time.Time
}

// CopyOut takes the coarse read lock and returns an immutable copy of
// Context-level state for the monitoring server to serialize to clients.
func (c *Context) CopyOut() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ud := make(map[string]any, len(c.UserData))
	for k, v := range c.UserData {
		ud[k] = v
	}
	return Snapshot{Status: c.Status, UserData: ud, Now: c.Clock.Now()}
}

// SetStatus sets the run's lifecycle status under the coarse lock.
func (c *Context) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Status = s
}

// CurrentStatus reads the run's lifecycle status under the coarse lock.
func (c *Context) CurrentStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}
