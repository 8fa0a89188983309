package cycle

import (
	"testing"
	"time"

	"github.com/damozycodes/Bybit/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validTradingConfig() TradingConfig {
	return TradingConfig{
		Symbol:          "BTCUSDT",
		Side:            "long",
		Quantity:        decimal.NewFromFloat(0.1),
		Leverage:        10,
		MarginMode:      "isolated",
		ProfitThreshold: decimal.NewFromInt(50),
	}
}

func TestParseState(t *testing.T) {
	state, err := ParseState("monitoring")
	assert.NoError(t, err)
	assert.Equal(t, StateMonitoring, state)

	_, err = ParseState("warming_up")
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateLiquidated.Terminal())
	assert.False(t, StateMonitoring.Terminal())
	assert.False(t, StateResetting.Terminal())
}

func TestNewTradingConfig(t *testing.T) {
	tc, err := NewTradingConfig(&config.Trading{
		Symbol:          "ETHUSDT",
		Side:            "short",
		Quantity:        1.5,
		Leverage:        5,
		MarginMode:      "cross",
		ProfitThreshold: 25,
	})
	assert.NoError(t, err)
	assert.Equal(t, "ETHUSDT", tc.Symbol)
	assert.True(t, tc.Quantity.Equal(decimal.NewFromFloat(1.5)))
}

func TestTradingConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TradingConfig)
	}{
		{"missing symbol", func(c *TradingConfig) { c.Symbol = "" }},
		{"bad side", func(c *TradingConfig) { c.Side = "buy" }},
		{"zero quantity", func(c *TradingConfig) { c.Quantity = decimal.Zero }},
		{"zero leverage", func(c *TradingConfig) { c.Leverage = 0 }},
		{"bad margin mode", func(c *TradingConfig) { c.MarginMode = "portfolio" }},
		{"zero threshold", func(c *TradingConfig) { c.ProfitThreshold = decimal.Zero }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTradingConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTradingConfigRoundTrip(t *testing.T) {
	cfg := validTradingConfig()
	raw, err := cfg.Encode()
	assert.NoError(t, err)

	decoded, err := DecodeTradingConfig(raw)
	assert.NoError(t, err)
	assert.Equal(t, cfg.Symbol, decoded.Symbol)
	assert.True(t, decoded.Quantity.Equal(cfg.Quantity))
	assert.True(t, decoded.ProfitThreshold.Equal(cfg.ProfitThreshold))
}

func TestDecodeTradingConfig_UnknownFieldFailsClosed(t *testing.T) {
	_, err := DecodeTradingConfig(`{"symbol":"BTCUSDT","side":"long","quantity":"0.1","leverage":10,"margin_mode":"isolated","profit_threshold":"50","stop_loss":"100"}`)
	assert.Error(t, err)
}

func TestDecodeTradingConfig_InvalidContentFailsClosed(t *testing.T) {
	// Structurally valid JSON that fails validation.
	_, err := DecodeTradingConfig(`{"symbol":"","side":"long","quantity":"0.1","leverage":10,"margin_mode":"isolated","profit_threshold":"50"}`)
	assert.Error(t, err)
}

func TestActivePositionRoundTrip(t *testing.T) {
	pos := ActivePosition{
		TradeID:    7,
		Symbol:     "BTCUSDT",
		Side:       "long",
		EntryPrice: decimal.NewFromInt(50000),
		Quantity:   decimal.NewFromFloat(0.1),
		OpenedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := pos.Encode()
	assert.NoError(t, err)

	decoded, err := DecodeActivePosition(raw)
	assert.NoError(t, err)
	assert.Equal(t, pos.TradeID, decoded.TradeID)
	assert.True(t, decoded.EntryPrice.Equal(pos.EntryPrice))
	assert.True(t, decoded.OpenedAt.Equal(pos.OpenedAt))
}

func TestDecodeActivePosition_FailsClosed(t *testing.T) {
	_, err := DecodeActivePosition(`{"trade_id":0,"symbol":"BTCUSDT","side":"long","entry_price":"1","quantity":"1","opened_at":"2025-06-01T12:00:00Z"}`)
	assert.Error(t, err)

	_, err = DecodeActivePosition(`{"trade_id":1,"symbol":"BTCUSDT","side":"long","entry_price":"1","quantity":"1","opened_at":"2025-06-01T12:00:00Z","extra":true}`)
	assert.Error(t, err)
}
