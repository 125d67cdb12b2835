// Package sandbox implements the Lifecycle Sandbox: it isolates every strategy hook invocation, converts panics into
// StrategyFault rather than letting them escape the scheduler loop, and
// watches elapsed wall time against a block threshold in simulation mode.
package sandbox

import (
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/wdc63/qtrader/internal/clock"
	"github.com/wdc63/qtrader/internal/runctx"
)

// Hook is one of a strategy's lifecycle callbacks.
type Hook func(ctx *runctx.Context)

// Config controls watchdog behavior.
type Config struct {
	BlockThreshold time.Duration // default 5s, watchdog.block_threshold_seconds
	StrictInit bool // initialize may fail fatally only when true
}

// Sandbox wraps strategy hook invocations for one run.
type Sandbox struct {
	cfg Config
	logger *log.Logger
}

// New creates a Sandbox. A zero BlockThreshold is replaced with 5s.
func New(cfg Config, logger *log.Logger) *Sandbox {
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Sandbox{cfg: cfg, logger: logger}
}

// StrategyFault wraps a panic recovered from strategy code: anything a
// strategy hook raises is caught here and never propagated to the
// scheduler loop.
type StrategyFault struct {
	Hook string
	Value any
	Stack []byte
}

func (f *StrategyFault) Error() string {
	return fmt.Sprintf("sandbox: strategy fault in %s: %v", f.Hook, f.Value)
}

// Invoke runs hook (named for logging) against ctx, catching any panic as
// a StrategyFault. On return it checks elapsed time against the block
// threshold in simulation mode and sets ctx.ResyncRequested if exceeded.
// It never propagates a strategy panic; the caller always gets a nil error
// back except for the fatal-initialize carve-out below.
func (s *Sandbox) Invoke(ctx *runctx.Context, name string, fn Hook) error {
	start := time.Now()

	if name == "initialize" {
		ctx.BeginInitialize()
	}
	fault := s.runCaught(ctx, name, fn)
	if name == "initialize" {
		ctx.EndInitialize()
	}
	if fault != nil {
		s.logger.Printf("[sandbox] %s: %v\n%s", name, fault, fault.Stack)
		ctx.StrategyErrorToday = true
		if name == "initialize" && s.cfg.StrictInit {
			return fault
		}
	}

	elapsed := time.Since(start)
	if ctx.Clock.Mode() == clock.ModeSimulation && elapsed > s.cfg.BlockThreshold {
		s.logger.Printf("[sandbox] SEVERE: %s blocked for %v (threshold %v), requesting resync", name, elapsed, s.cfg.BlockThreshold)
		ctx.ResyncRequested = true
	}
	return nil
}

func (s *Sandbox) runCaught(ctx *runctx.Context, name string, fn Hook) (fault *StrategyFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &StrategyFault{Hook: name, Value: r, Stack: debug.Stack()}
		}
	}()
	fn(ctx)
	return nil
}
