package monitor

import (
	"testing"

	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestUnrealizedPnL_Long(t *testing.T) {
	pnl := UnrealizedPnL(d("50000"), d("50500"), d("0.1"), exchange.SideLong)
	assert.True(t, pnl.Equal(d("50")), "got %s", pnl)
}

func TestUnrealizedPnL_Short(t *testing.T) {
	pnl := UnrealizedPnL(d("50000"), d("50500"), d("0.1"), exchange.SideShort)
	assert.True(t, pnl.Equal(d("-50")), "got %s", pnl)
}

func TestROIPercent_LeverageMultiplies(t *testing.T) {
	// 1% price move at 10x is 10% on margin.
	roi := ROIPercent(d("50000"), d("50500"), exchange.SideLong, 10)
	assert.True(t, roi.Equal(d("10")), "got %s", roi)
}

func TestROIPercent_ShortProfitsFromDrop(t *testing.T) {
	roi := ROIPercent(d("50000"), d("49500"), exchange.SideShort, 10)
	assert.True(t, roi.Equal(d("10")), "got %s", roi)
}

func TestROIPercent_ZeroEntry(t *testing.T) {
	assert.True(t, ROIPercent(decimal.Zero, d("100"), exchange.SideLong, 10).IsZero())
}

func TestAssess_ThresholdIsInclusive(t *testing.T) {
	pos := &exchange.Position{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		EntryPrice:    d("50000"),
		MarkPrice:     d("50500"),
		Quantity:      d("0.1"),
		UnrealizedPnL: d("50"),
	}
	assert.Equal(t, TakeProfit, Assess(pos, true, d("50")))
}

func TestAssess_JustBelowThresholdHolds(t *testing.T) {
	pos := &exchange.Position{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideLong,
		UnrealizedPnL: d("49.999"),
	}
	assert.Equal(t, Hold, Assess(pos, true, d("50")))
}

func TestAssess_ComputesPnLWhenExchangeOmitsIt(t *testing.T) {
	pos := &exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       exchange.SideShort,
		EntryPrice: d("50000"),
		MarkPrice:  d("49000"),
		Quantity:   d("0.1"),
	}
	// (50000-49000)*0.1 = 100 >= 50
	assert.Equal(t, TakeProfit, Assess(pos, true, d("50")))
}

func TestAssess_MissingPositionAfterSeenOpenIsLiquidation(t *testing.T) {
	assert.Equal(t, Liquidated, Assess(nil, true, d("50")))
}

func TestAssess_MissingPositionBeforeOpenIsNotLiquidation(t *testing.T) {
	assert.Equal(t, Hold, Assess(nil, false, d("50")))
}

func TestEstimateLiquidationPrice(t *testing.T) {
	// 10x long with 0.5% maintenance margin: entry * (1 - 0.995/10)
	liq := EstimateLiquidationPrice(d("50000"), exchange.SideLong, 10, d("0.5"))
	assert.True(t, liq.Equal(d("45025")), "got %s", liq)

	short := EstimateLiquidationPrice(d("50000"), exchange.SideShort, 10, d("0.5"))
	assert.True(t, short.Equal(d("54975")), "got %s", short)

	assert.True(t, EstimateLiquidationPrice(d("50000"), exchange.SideLong, 0, d("0.5")).IsZero())
}
