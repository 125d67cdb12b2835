// Package strategy defines the outbound callback contract between the
// engine and user-supplied trading strategies.
//
// A strategy is pluggable user code; the engine calls it, never the other
// way around. Only Initialize is mandatory; every other hook is optional.
// Strategies must not block the scheduler — the Lifecycle Sandbox
// (internal/sandbox) isolates every invocation.
package strategy

import "github.com/wdc63/qtrader/internal/runctx"

// Strategy is the interface user-supplied trading logic must implement.
// Hooks are called by the engine's Scheduler through the Lifecycle Sandbox
// at the times described on each method below. Any hook may be a no-op.
type Strategy interface {
	// Initialize is called exactly once, before the first trading day,
	// unless the run was resumed from a PAUSED snapshot (skip_initialize).
	// May call Context.AddSchedule and, at most once, Context.SetInitialState.
	Initialize(ctx *runctx.Context)

	// BeforeTrading fires once per trading day before any handle_bar point.
	BeforeTrading(ctx *runctx.Context)

	// HandleBar fires at each schedule point registered via AddSchedule
	// (or the configured default), in temporal order within the day.
	HandleBar(ctx *runctx.Context)

	// AfterTrading fires once per trading day after the last handle_bar.
	AfterTrading(ctx *runctx.Context)

	// BrokerSettle fires once per trading day after AfterTrading. May call
	// Context.AlignAccountState.
	BrokerSettle(ctx *runctx.Context)

	// OnEnd fires exactly once when the run transitions to FINISHED.
	OnEnd(ctx *runctx.Context)
}

// Base is an embeddable no-op implementation. Concrete strategies embed it
// and override only the hooks they need, keeping individual strategies
// small and single-purpose.
type Base struct{}

func (Base) Initialize(*runctx.Context) {}
func (Base) BeforeTrading(*runctx.Context) {}
func (Base) HandleBar(*runctx.Context) {}
func (Base) AfterTrading(*runctx.Context) {}
func (Base) BrokerSettle(*runctx.Context) {}
func (Base) OnEnd(*runctx.Context) {}
