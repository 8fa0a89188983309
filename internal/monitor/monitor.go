// Package monitor holds the pure position math used by the trade cycle:
// unrealized PnL, ROI, and the poll decision that drives the Monitoring
// stage. It keeps no state between polls so it can be re-invoked after a
// crash with no memory of prior observations.
package monitor

import (
	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/shopspring/decimal"
)

// Decision is the outcome of one monitoring poll.
type Decision int

const (
	// Hold means the position stays open.
	Hold Decision = iota
	// TakeProfit means unrealized PnL reached the profit threshold.
	TakeProfit
	// Liquidated means the exchange no longer reports a position we
	// previously observed open.
	Liquidated
)

func (d Decision) String() string {
	switch d {
	case Hold:
		return "hold"
	case TakeProfit:
		return "take_profit"
	case Liquidated:
		return "liquidated"
	}
	return "unknown"
}

// UnrealizedPnL computes the unrealized PnL in quote currency for a
// position at the given mark price.
func UnrealizedPnL(entryPrice, markPrice, quantity decimal.Decimal, side string) decimal.Decimal {
	if side == exchange.SideShort {
		return entryPrice.Sub(markPrice).Mul(quantity)
	}
	return markPrice.Sub(entryPrice).Mul(quantity)
}

// ROIPercent computes the return on margin as a percentage: the raw
// price move percentage multiplied by leverage.
func ROIPercent(entryPrice, exitPrice decimal.Decimal, side string, leverage int) decimal.Decimal {
	if entryPrice.Sign() <= 0 {
		return decimal.Zero
	}
	move := exitPrice.Sub(entryPrice)
	if side == exchange.SideShort {
		move = entryPrice.Sub(exitPrice)
	}
	hundred := decimal.NewFromInt(100)
	return move.Div(entryPrice).Mul(hundred).Mul(decimal.NewFromInt(int64(leverage)))
}

// EstimateLiquidationPrice gives a rough liquidation price for an
// isolated position, assuming the given maintenance margin percentage.
func EstimateLiquidationPrice(entryPrice decimal.Decimal, side string, leverage int, maintenanceMarginPct decimal.Decimal) decimal.Decimal {
	if leverage <= 0 {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	marginRatio := hundred.Sub(maintenanceMarginPct).Div(hundred).Div(decimal.NewFromInt(int64(leverage)))
	if side == exchange.SideShort {
		return entryPrice.Mul(decimal.NewFromInt(1).Add(marginRatio))
	}
	return entryPrice.Mul(decimal.NewFromInt(1).Sub(marginRatio))
}

// Assess classifies one poll of the exchange. position is the live
// position or nil when the exchange reports none; seenOpen tells whether
// the position was previously confirmed open, which is what separates a
// liquidation from a position that simply never existed. The profit rule
// is a strict >= against threshold in quote currency.
func Assess(position *exchange.Position, seenOpen bool, profitThreshold decimal.Decimal) Decision {
	if position == nil {
		if seenOpen {
			return Liquidated
		}
		return Hold
	}
	pnl := position.UnrealizedPnL
	if pnl.IsZero() {
		pnl = UnrealizedPnL(position.EntryPrice, position.MarkPrice, position.Quantity, position.Side)
	}
	if pnl.GreaterThanOrEqual(profitThreshold) {
		return TakeProfit
	}
	return Hold
}
