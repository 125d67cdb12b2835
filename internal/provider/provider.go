// Package provider defines the market-data contract. QTrader treats the
// market-data provider as an external collaborator: this package
// specifies only the interface, plus a small CSV-backed reference
// implementation used by tests and the CLI's backtest mode.
package provider

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Quote is the minimal per-tick price snapshot the matching engine needs.
// CurrentPrice is required; the rest are optional microstructure fields.
// A nil *Quote from CurrentPrice means "no quote this tick".
type Quote struct {
	CurrentPrice float64
	Ask1 *float64
	Bid1 *float64
	HighLimit *float64
	LowLimit *float64
}

// SymbolInfo is per-symbol, per-day static/administrative data.
// A nil *SymbolInfo means orders for that symbol are rejected that day.
type SymbolInfo struct {
	SymbolName string
	IsSuspended bool
}

// Provider is the contract every market-data source must satisfy.
// Implementations must be deterministic given the same inputs in backtest
// mode and safe for concurrent CurrentPrice calls.
type Provider interface {
	// TradingCalendar returns the ordered list of "YYYY-MM-DD" trading days
	// between start and end inclusive. May be empty.
	TradingCalendar(ctx context.Context, start, end string) ([]string, error)

	// CurrentPrice returns the tick for (symbol, at), or nil if there is no
	// quote this tick.
	CurrentPrice(ctx context.Context, symbol string, at time.Time) (*Quote, error)

	// SymbolInfo returns per-symbol administrative data for the given day,
	// or nil if the provider has nothing for that symbol/date.
	SymbolInfo(ctx context.Context, symbol string, date string) (*SymbolInfo, error)
}

// CSVProvider is a reference Provider backed by one OHLCV CSV file per
// symbol plus a list of holiday dates passed to NewCSVProvider, used for
// deterministic backtests and tests.
// Each CSV row is: date,open,high,low,close,volume (header optional).
type CSVProvider struct {
	dir string
	holidays map[string]struct{}
	cache map[string][]candle
}

type candle struct {
	date string
	open float64
	high float64
	low float64
	close float64
	volume int64
}

// NewCSVProvider builds a CSVProvider rooted at dir, where dir contains one
// "<SYMBOL>.csv" file per traded symbol and holidays lists non-trading
// weekdays as "YYYY-MM-DD" strings (weekends are always excluded).
func NewCSVProvider(dir string, holidays []string) *CSVProvider {
	h := make(map[string]struct{}, len(holidays))
	for _, d := range holidays {
		h[d] = struct{}{}
	}
	return &CSVProvider{dir: dir, holidays: h, cache: make(map[string][]candle)}
}

func (p *CSVProvider) TradingCalendar(_ context.Context, start, end string) ([]string, error) {
	from, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, fmt.Errorf("provider: parse start: %w", err)
	}
	to, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, fmt.Errorf("provider: parse end: %w", err)
	}
	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		s := d.Format("2006-01-02")
		if _, holiday := p.holidays[s]; holiday {
			continue
		}
		days = append(days, s)
	}
	return days, nil
}

func (p *CSVProvider) CurrentPrice(_ context.Context, symbol string, at time.Time) (*Quote, error) {
	candles, err := p.load(symbol)
	if err != nil {
		return nil, err
	}
	date := at.Format("2006-01-02")
	for _, c := range candles {
		if c.date == date {
			return &Quote{CurrentPrice: c.close}, nil
		}
	}
	return nil, nil
}

func (p *CSVProvider) SymbolInfo(_ context.Context, symbol string, date string) (*SymbolInfo, error) {
	candles, err := p.load(symbol)
	if err != nil {
		return nil, err
	}
	for _, c := range candles {
		if c.date == date {
			return &SymbolInfo{SymbolName: symbol, IsSuspended: false}, nil
		}
	}
	return nil, nil
}

// ClosePrice returns the closing print for symbol on date, the same value
// CurrentPrice reports for that day.
func (p *CSVProvider) ClosePrice(symbol, date string) (float64, bool) {
	candles, err := p.load(symbol)
	if err != nil {
		return 0, false
	}
	for _, c := range candles {
		if c.date == date {
			return c.close, true
		}
	}
	return 0, false
}

func (p *CSVProvider) load(symbol string) ([]candle, error) {
	if c, ok := p.cache[symbol]; ok {
		return c, nil
	}
	path := filepath.Join(p.dir, symbol+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("provider: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("provider: read %s: %w", path, err)
	}

	var out []candle
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		if _, err := time.Parse("2006-01-02", row[0]); err != nil {
			continue // header row
		}
		open, _ := strconv.ParseFloat(row[1], 64)
		high, _ := strconv.ParseFloat(row[2], 64)
		low, _ := strconv.ParseFloat(row[3], 64)
		close, _ := strconv.ParseFloat(row[4], 64)
		var volume int64
		if len(row) > 5 {
			volume, _ = strconv.ParseInt(row[5], 10, 64)
		}
		out = append(out, candle{row[0], open, high, low, close, volume})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date < out[j].date })
	p.cache[symbol] = out
	return out, nil
}
