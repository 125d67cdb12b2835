// Package analytics computes performance metrics from a run's daily
// equity history and its filled-order log.
//
// It provides:
//   - Win rate, total P&L, average P&L per closing fill
//   - Maximum drawdown (absolute and percentage) from the daily equity curve
//   - Sharpe ratio (annualized, assuming 252 trading days)
//   - Profit factor (gross profits / gross losses)
//   - Per-symbol breakdown
//   - Human-readable formatted report
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/portfolio"
)

// PerformanceReport holds all computed performance metrics for one run.
type PerformanceReport struct {
	// Closing-fill stats. A fill "closes" when it booked a nonzero
	// RealizedPnL against an opposite-side position; pure opens are
	// excluded from win/loss counting.
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // percentage (0-100)

	TotalPnL    float64
	AveragePnL  float64
	GrossProfit float64
	GrossLoss   float64
	ProfitFactor float64 // gross profit / gross loss

	// Risk metrics, computed from the daily equity curve.
	MaxDrawdown    float64 // absolute drawdown
	MaxDrawdownPct float64 // percentage drawdown from peak
	SharpeRatio    float64 // annualized from daily returns

	TotalCommission float64

	// Per-symbol breakdown.
	SymbolReports map[string]*SymbolReport
}

// SymbolReport holds per-symbol performance metrics.
type SymbolReport struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	AveragePnL    float64
}

// EquityCurvePoint represents one day on the equity curve.
type EquityCurvePoint struct {
	Date     string
	Equity   float64
	Drawdown float64
}

// Analyze computes the full performance report from a run's filled-order
// log and daily equity history. Returns an empty (not nil) report if fills
// is empty.
func Analyze(fills []*order.Order, history []portfolio.DayRecord) *PerformanceReport {
	report := &PerformanceReport{
		SymbolReports: make(map[string]*SymbolReport),
	}

	for _, o := range fills {
		if o.Status != order.Filled {
			continue
		}
		report.TotalCommission += o.Commission

		if o.RealizedPnL == 0 {
			continue // a pure open books no realized PnL
		}

		pnl := o.RealizedPnL
		report.TotalTrades++
		report.TotalPnL += pnl
		if pnl > 0 {
			report.WinningTrades++
			report.GrossProfit += pnl
		} else if pnl < 0 {
			report.LosingTrades++
			report.GrossLoss += math.Abs(pnl)
		}

		sr, ok := report.SymbolReports[o.Symbol]
		if !ok {
			sr = &SymbolReport{Symbol: o.Symbol}
			report.SymbolReports[o.Symbol] = sr
		}
		sr.TotalTrades++
		sr.TotalPnL += pnl
		if pnl > 0 {
			sr.WinningTrades++
		} else if pnl < 0 {
			sr.LosingTrades++
		}
	}

	if report.TotalTrades > 0 {
		report.WinRate = float64(report.WinningTrades) / float64(report.TotalTrades) * 100
		report.AveragePnL = report.TotalPnL / float64(report.TotalTrades)
		if report.GrossLoss > 0 {
			report.ProfitFactor = report.GrossProfit / report.GrossLoss
		} else if report.GrossProfit > 0 {
			report.ProfitFactor = math.Inf(1)
		}
	}
	for _, sr := range report.SymbolReports {
		if sr.TotalTrades > 0 {
			sr.WinRate = float64(sr.WinningTrades) / float64(sr.TotalTrades) * 100
			sr.AveragePnL = sr.TotalPnL / float64(sr.TotalTrades)
		}
	}

	report.MaxDrawdown, report.MaxDrawdownPct = maxDrawdown(history)
	report.SharpeRatio = computeSharpeRatio(dailyReturns(history))

	return report
}

// EquityCurve returns the run's daily equity curve, sorted by date, with
// running drawdown from the high-water mark.
func EquityCurve(history []portfolio.DayRecord) []EquityCurvePoint {
	if len(history) == 0 {
		return nil
	}
	sorted := make([]portfolio.DayRecord, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	points := make([]EquityCurvePoint, 0, len(sorted))
	peak := sorted[0].NetWorth
	for _, d := range sorted {
		if d.NetWorth > peak {
			peak = d.NetWorth
		}
		points = append(points, EquityCurvePoint{
			Date: d.Date,
			Equity: d.NetWorth,
			Drawdown: peak - d.NetWorth,
		})
	}
	return points
}

func maxDrawdown(history []portfolio.DayRecord) (abs, pct float64) {
	for _, p := range EquityCurve(history) {
		if p.Drawdown > abs {
			abs = p.Drawdown
			peak := p.Equity + p.Drawdown
			if peak > 0 {
				pct = (abs / peak) * 100
			}
		}
	}
	return abs, pct
}

func dailyReturns(history []portfolio.DayRecord) []float64 {
	sorted := make([]portfolio.DayRecord, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })
	out := make([]float64, 0, len(sorted))
	for _, d := range sorted {
		out = append(out, d.Returns)
	}
	return out
}

// FormatReport returns a human-readable text summary of the performance report.
func FormatReport(report *PerformanceReport) string {
	if report == nil || report.TotalTrades == 0 {
		return "No closed trades to analyze."
	}

	var b strings.Builder

	b.WriteString("═══════════════════════════════════════════════════\n")
	b.WriteString("              PERFORMANCE REPORT\n")
	b.WriteString("═══════════════════════════════════════════════════\n\n")

	b.WriteString("── TRADE SUMMARY ──\n")
	fmt.Fprintf(&b, "  Total trades:    %d\n", report.TotalTrades)
	fmt.Fprintf(&b, "  Winning trades:  %d (%.1f%%)\n", report.WinningTrades, report.WinRate)
	fmt.Fprintf(&b, "  Losing trades:   %d\n", report.LosingTrades)
	b.WriteString("\n")

	b.WriteString("── PROFIT & LOSS ──\n")
	fmt.Fprintf(&b, "  Total P&L:       %.2f\n", report.TotalPnL)
	fmt.Fprintf(&b, "  Average P&L:     %.2f\n", report.AveragePnL)
	fmt.Fprintf(&b, "  Gross profit:    %.2f\n", report.GrossProfit)
	fmt.Fprintf(&b, "  Gross loss:      %.2f\n", report.GrossLoss)
	fmt.Fprintf(&b, "  Profit factor:   %.2f\n", report.ProfitFactor)
	fmt.Fprintf(&b, "  Total commission: %.2f\n", report.TotalCommission)
	b.WriteString("\n")

	b.WriteString("── RISK METRICS ──\n")
	fmt.Fprintf(&b, "  Max drawdown:    %.2f (%.2f%%)\n", report.MaxDrawdown, report.MaxDrawdownPct)
	fmt.Fprintf(&b, "  Sharpe ratio:    %.2f\n", report.SharpeRatio)
	b.WriteString("\n")

	if len(report.SymbolReports) > 1 {
		b.WriteString("── SYMBOL BREAKDOWN ──\n")
		symbols := make([]string, 0, len(report.SymbolReports))
		for s := range report.SymbolReports {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
		for _, s := range symbols {
			sr := report.SymbolReports[s]
			fmt.Fprintf(&b, "  [%s]\n", sr.Symbol)
			fmt.Fprintf(&b, "    Trades: %d | Win rate: %.1f%% | P&L: %.2f\n",
				sr.TotalTrades, sr.WinRate, sr.TotalPnL)
		}
		b.WriteString("\n")
	}

	b.WriteString("═══════════════════════════════════════════════════\n")

	return b.String()
}

// computeSharpeRatio calculates the annualized Sharpe ratio from a slice
// of daily returns. Assumes zero risk-free rate and 252 trading days/year.
func computeSharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return 0
	}
	return (mean / stdDev) * math.Sqrt(252)
}
