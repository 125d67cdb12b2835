package matching

import "time"

// CircuitBreaker trips the matching engine's risk gate closed after too
// many consecutive or too-frequent-per-hour rejections, forcing a cooldown
// before further fills are attempted.
//
// It is driven entirely by the engine's own notion of "now" (the backtest
// or simulation clock), never the wall clock — a circuit breaker keyed off
// real elapsed time would make backtests non-deterministic.
type CircuitBreaker struct {
	maxConsecutive int
	maxPerHour int
	cooldown time.Duration

	consecutive int
	hourWindow time.Time
	hourCount int
	trippedAt time.Time
	isTripped bool
}

// NewCircuitBreaker creates a breaker tripping after maxConsecutive
// back-to-back rejections or maxPerHour rejections within a rolling hour,
// staying open for cooldown before resetting.
func NewCircuitBreaker(maxConsecutive, maxPerHour int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{maxConsecutive: maxConsecutive, maxPerHour: maxPerHour, cooldown: cooldown}
}

// RecordSuccess resets the consecutive-failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.consecutive = 0
}

// RecordFailure records a risk-gate rejection at engine time now and trips
// the breaker if either threshold is crossed.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	cb.consecutive++

	if cb.hourWindow.IsZero() || now.Sub(cb.hourWindow) > time.Hour {
		cb.hourWindow = now
		cb.hourCount = 0
	}
	cb.hourCount++

	if cb.consecutive >= cb.maxConsecutive || cb.hourCount >= cb.maxPerHour {
		cb.isTripped = true
		cb.trippedAt = now
	}
}

// Tripped reports, as of engine time now, whether the breaker is open,
// clearing it once the cooldown window has elapsed.
func (cb *CircuitBreaker) Tripped(now time.Time) bool {
	if !cb.isTripped {
		return false
	}
	if now.Sub(cb.trippedAt) >= cb.cooldown {
		cb.isTripped = false
		cb.consecutive = 0
		cb.hourCount = 0
		return false
	}
	return true
}
