// Package examples provides reference strategy implementations of the
// strategy.Strategy contract. MomentumStrategy overrides Initialize and
// HandleBar; its other hooks are strategy.Base's no-ops. They are not
// meant to be profitable — they demonstrate the calling convention a
// real strategy follows: tracking its own rolling state in Context's
// UserData, submitting orders through Context.Orders, and reading prices
// through Context.Provider.
package examples

import (
	"context"
	"math"

	"github.com/wdc63/qtrader/internal/order"
	"github.com/wdc63/qtrader/internal/position"
	"github.com/wdc63/qtrader/internal/runctx"
	"github.com/wdc63/qtrader/internal/strategy"
)

// MomentumStrategy buys a symbol once its trailing rate of change over
// Lookback trading days clears Entry, and sells once the rate of change
// falls back under Exit. It holds at most one position per symbol at a
// time and sizes every entry at a fixed notional, rounded down to whole
// shares.
type MomentumStrategy struct {
	strategy.Base

	Symbols []string
	Lookback int // trading days, default 10
	Entry float64 // rate of change fraction required to enter, default 0.05
	Exit float64 // rate of change fraction that triggers exit, default 0
	OrderNotional float64 // cash committed per entry
}

// NewMomentumStrategy builds a MomentumStrategy with the given symbol
// universe and sensible defaults for the rest.
func NewMomentumStrategy(symbols []string, orderNotional float64) *MomentumStrategy {
	return &MomentumStrategy{
		Symbols: symbols,
		Lookback: 10,
		Entry: 0.05,
		Exit: 0,
		OrderNotional: orderNotional,
	}
}

type priceHistory struct {
	closes []float64
}

func (s *MomentumStrategy) history(ctx *runctx.Context, symbol string) *priceHistory {
	key := "momentum_history_" + symbol
	h, ok := ctx.UserData[key].(*priceHistory)
	if !ok {
		h = &priceHistory{}
		ctx.UserData[key] = h
	}
	return h
}

func (s *MomentumStrategy) Initialize(ctx *runctx.Context) {
	ctx.AddSchedule("15:00:00")
}

func (s *MomentumStrategy) HandleBar(ctx *runctx.Context) {
	for _, symbol := range s.Symbols {
		quote, err := ctx.Provider.CurrentPrice(context.Background(), symbol, ctx.Now())
		if err != nil || quote == nil {
			continue
		}
		h := s.history(ctx, symbol)
		h.closes = append(h.closes, quote.CurrentPrice)
		if len(h.closes) > s.Lookback+1 {
			h.closes = h.closes[len(h.closes)-s.Lookback-1:]
		}
		if len(h.closes) <= s.Lookback {
			continue
		}

		roc := (h.closes[len(h.closes)-1] - h.closes[0]) / h.closes[0]
		pos := ctx.Positions.Get(position.Key{Symbol: symbol, Direction: position.Long})

		switch {
		case pos == nil && roc > s.Entry:
			qty := math.Floor(s.OrderNotional / quote.CurrentPrice)
			if qty >= 1 {
				ctx.Orders.Submit(symbol, qty, order.Market, 0, ctx.Now())
			}
		case pos != nil && roc < s.Exit:
			ctx.Orders.Submit(symbol, -pos.Total, order.Market, 0, ctx.Now())
		}
	}
}
