// Package storage persists the durable trail a run leaves behind: every
// filled order, the daily per-symbol position settlement rows, and the
// daily equity/PnL series. The CLI writes to it once a run ends. Resume
// and fork rebuild from the snapshot envelope and do not read it back;
// the matching engine and scheduler never consult it during a run.
package storage

import (
	"context"

	"github.com/wdc63/qtrader/internal/matching"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/position"
)

// DailySettlement is one day's worth of end-of-day bookkeeping: the
// per-symbol position rows Matching.Settle produced, plus the order IDs
// that expired unfilled at that day's nightly reset.
type DailySettlement struct {
	Date string
	NetWorth float64
	Cash float64
	LongMarketValue float64
	ShortMarketValue float64
	Returns float64
	ExpiredOrderIDs []int64
}

// Store is the persistence contract a run's storage backend must satisfy.
// Implementations must tolerate being called with a context already
// carrying a deadline (snapshot/fork rebuilds bound their reads).
type Store interface {
	// SaveFilledOrder writes one filled order to the durable order log; a
	// repeated order ID updates the stored row. The CLI calls it for every
	// order in the run's filled history once the run ends.
	SaveFilledOrder(ctx context.Context, runID string, o *order.Order) error

	// LoadOrderHistory returns every filled order recorded for runID, in
	// fill order. No engine path calls it; resume restores order history
	// from the snapshot envelope.
	LoadOrderHistory(ctx context.Context, runID string) ([]*order.Order, error)

	// SaveDailySettlement writes one day's settlement row (equity record
	// and expired order IDs) and that day's per-symbol position snapshots
	// from positions, updating rows already stored for the same date. The
	// PostgresStore implementation does not store rows.
	SaveDailySettlement(ctx context.Context, runID string, settlement DailySettlement, rows []matching.PositionSnapshotRow, positions []position.Snapshot) error

	// LoadPositionSnapshots returns every persisted position snapshot row
	// for runID, keyed by settlement date. No engine path calls it; fork
	// reads position_snapshots[date] from the snapshot envelope.
	LoadPositionSnapshots(ctx context.Context, runID string) (map[string][]position.Snapshot, error)

	// DailyPnL returns the realized daily return recorded for (runID,
	// date), or false if no settlement exists for that date.
	DailyPnL(ctx context.Context, runID, date string) (float64, bool, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any held connections.
	Close() error
}
