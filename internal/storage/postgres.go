package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/wdc63/qtrader/internal/matching"
	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/position"
)

// PostgresStore persists through database/sql over the pgx stdlib driver,
// the same pattern used by the reporting CLIs this package's schema was
// modeled on.
type PostgresStore struct {
	db *sql.DB
	logger *log.Logger
}

// NewPostgresStore opens a connection pool against connStr and verifies
// it with a ping. The caller must call Close when done.
func NewPostgresStore(ctx context.Context, connStr string, logger *log.Logger) (*PostgresStore, error) {
	if connStr == "" {
		return nil, fmt.Errorf("postgres store: connection string is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// Migrate creates the schema if it does not already exist. Safe to call
// on every startup.
func (ps *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS filled_orders (
	run_id TEXT NOT NULL,
	order_id BIGINT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	amount DOUBLE PRECISION NOT NULL,
	limit_price DOUBLE PRECISION NOT NULL,
	filled_avg_price DOUBLE PRECISION NOT NULL,
	commission DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	filled_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, order_id)
);

CREATE TABLE IF NOT EXISTS daily_settlements (
	run_id TEXT NOT NULL,
	date TEXT NOT NULL,
	net_worth DOUBLE PRECISION NOT NULL,
	cash DOUBLE PRECISION NOT NULL,
	long_market_value DOUBLE PRECISION NOT NULL,
	short_market_value DOUBLE PRECISION NOT NULL,
	returns DOUBLE PRECISION NOT NULL,
	expired_order_ids BIGINT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, date)
);

CREATE TABLE IF NOT EXISTS position_snapshots (
	run_id TEXT NOT NULL,
	date TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	total DOUBLE PRECISION NOT NULL,
	today_open DOUBLE PRECISION NOT NULL,
	avg_cost DOUBLE PRECISION NOT NULL,
	market_price DOUBLE PRECISION NOT NULL,
	realized_pnl DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, date, symbol, direction)
);
`
	if _, err := ps.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

func (ps *PostgresStore) SaveFilledOrder(ctx context.Context, runID string, o *order.Order) error {
	const q = `
INSERT INTO filled_orders
	(run_id, order_id, symbol, side, order_type, amount, limit_price, filled_avg_price, commission, created_at, filled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (run_id, order_id) DO UPDATE SET
	filled_avg_price = EXCLUDED.filled_avg_price,
	commission = EXCLUDED.commission,
	filled_at = EXCLUDED.filled_at
`
	_, err := ps.db.ExecContext(ctx, q,
		runID, o.ID, o.Symbol, string(o.Side), string(o.Type),
		o.Amount, o.LimitPrice, o.FilledAvgPrice, o.Commission, o.CreatedAt, o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save filled order %d: %w", o.ID, err)
	}
	return nil
}

func (ps *PostgresStore) LoadOrderHistory(ctx context.Context, runID string) ([]*order.Order, error) {
	const q = `
SELECT order_id, symbol, side, order_type, amount, limit_price, filled_avg_price, commission, created_at, filled_at
FROM filled_orders
WHERE run_id = $1
ORDER BY filled_at ASC
`
	rows, err := ps.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load order history: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var o order.Order
		var side, typ string
		if err := rows.Scan(&o.ID, &o.Symbol, &side, &typ, &o.Amount, &o.LimitPrice, &o.FilledAvgPrice, &o.Commission, &o.CreatedAt, &o.FilledAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan filled order: %w", err)
		}
		o.Side = order.Side(side)
		o.Type = order.Type(typ)
		o.Status = order.Filled
		out = append(out, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load order history: %w", err)
	}
	return out, nil
}

func (ps *PostgresStore) SaveDailySettlement(ctx context.Context, runID string, settlement DailySettlement, rows []matching.PositionSnapshotRow, positions []position.Snapshot) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres store: begin tx: %w", err)
	}
	defer tx.Rollback()

	const settleQ = `
INSERT INTO daily_settlements
	(run_id, date, net_worth, cash, long_market_value, short_market_value, returns, expired_order_ids)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, date) DO UPDATE SET
	net_worth = EXCLUDED.net_worth,
	cash = EXCLUDED.cash,
	long_market_value = EXCLUDED.long_market_value,
	short_market_value = EXCLUDED.short_market_value,
	returns = EXCLUDED.returns,
	expired_order_ids = EXCLUDED.expired_order_ids
`
	_, err = tx.ExecContext(ctx, settleQ,
		runID, settlement.Date, settlement.NetWorth, settlement.Cash,
		settlement.LongMarketValue, settlement.ShortMarketValue, settlement.Returns,
		pq.Array(settlement.ExpiredOrderIDs),
	)
	if err != nil {
		return fmt.Errorf("postgres store: save daily settlement: %w", err)
	}

	const posQ = `
INSERT INTO position_snapshots
	(run_id, date, symbol, direction, total, today_open, avg_cost, market_price, realized_pnl)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id, date, symbol, direction) DO UPDATE SET
	total = EXCLUDED.total,
	today_open = EXCLUDED.today_open,
	avg_cost = EXCLUDED.avg_cost,
	market_price = EXCLUDED.market_price,
	realized_pnl = EXCLUDED.realized_pnl
`
	for _, p := range positions {
		_, err = tx.ExecContext(ctx, posQ,
			runID, settlement.Date, p.Symbol, string(p.Direction),
			p.Total, p.TodayOpen, p.AvgCost, p.MarketPrice, p.RealizedPnL,
		)
		if err != nil {
			return fmt.Errorf("postgres store: save position snapshot %s/%s: %w", p.Symbol, p.Direction, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres store: commit daily settlement: %w", err)
	}
	return nil
}

func (ps *PostgresStore) LoadPositionSnapshots(ctx context.Context, runID string) (map[string][]position.Snapshot, error) {
	const q = `
SELECT date, symbol, direction, total, today_open, avg_cost, market_price, realized_pnl
FROM position_snapshots
WHERE run_id = $1
ORDER BY date ASC
`
	rows, err := ps.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load position snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]position.Snapshot)
	for rows.Next() {
		var date, dir string
		var s position.Snapshot
		if err := rows.Scan(&date, &s.Symbol, &dir, &s.Total, &s.TodayOpen, &s.AvgCost, &s.MarketPrice, &s.RealizedPnL); err != nil {
			return nil, fmt.Errorf("postgres store: scan position snapshot: %w", err)
		}
		s.Direction = position.Direction(dir)
		out[date] = append(out[date], s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: load position snapshots: %w", err)
	}
	return out, nil
}

func (ps *PostgresStore) DailyPnL(ctx context.Context, runID, date string) (float64, bool, error) {
	const q = `SELECT returns FROM daily_settlements WHERE run_id = $1 AND date = $2`
	var returns float64
	err := ps.db.QueryRowContext(ctx, q, runID, date).Scan(&returns)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres store: daily pnl %s: %w", date, err)
	}
	return returns, true, nil
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}
