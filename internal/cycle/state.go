package cycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/damozycodes/Bybit/internal/config"
	"github.com/damozycodes/Bybit/internal/exchange"
	"github.com/shopspring/decimal"
)

// State is one stage of the trade cycle. The string value is what gets
// persisted in the bot_state table.
type State string

const (
	StateConfigured  State = "configured"
	StateOpening     State = "opening"
	StateMonitoring  State = "monitoring"
	StateClosing     State = "closing"
	StateConverting  State = "converting"
	StateWithdrawing State = "withdrawing"
	StateResetting   State = "resetting"
	StateFailed      State = "failed"
	StateLiquidated  State = "liquidated"
)

var validStates = map[State]struct{}{
	StateConfigured:  {},
	StateOpening:     {},
	StateMonitoring:  {},
	StateClosing:     {},
	StateConverting:  {},
	StateWithdrawing: {},
	StateResetting:   {},
	StateFailed:      {},
	StateLiquidated:  {},
}

// ParseState validates a persisted state name.
func ParseState(s string) (State, error) {
	state := State(s)
	if _, ok := validStates[state]; !ok {
		return "", fmt.Errorf("unknown bot state %q", s)
	}
	return state, nil
}

// Terminal reports whether the cycle has halted and needs an operator.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateLiquidated
}

// TradingConfig is the validated per-cycle configuration, serialized
// into every bot state snapshot.
type TradingConfig struct {
	Symbol          string          `json:"symbol"`
	Side            string          `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Leverage        int             `json:"leverage"`
	MarginMode      string          `json:"margin_mode"`
	ProfitThreshold decimal.Decimal `json:"profit_threshold"`
}

// NewTradingConfig builds and validates the cycle configuration from
// the application settings.
func NewTradingConfig(cfg *config.Trading) (TradingConfig, error) {
	tc := TradingConfig{
		Symbol:          cfg.Symbol,
		Side:            cfg.Side,
		Quantity:        decimal.NewFromFloat(cfg.Quantity),
		Leverage:        cfg.Leverage,
		MarginMode:      cfg.MarginMode,
		ProfitThreshold: decimal.NewFromFloat(cfg.ProfitThreshold),
	}
	if err := tc.Validate(); err != nil {
		return TradingConfig{}, err
	}
	return tc, nil
}

// Validate checks the invariants a cycle cannot start without.
func (c TradingConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("trading config: symbol is required")
	}
	if c.Side != exchange.SideLong && c.Side != exchange.SideShort {
		return fmt.Errorf("trading config: side must be %q or %q, got %q", exchange.SideLong, exchange.SideShort, c.Side)
	}
	if c.Quantity.Sign() <= 0 {
		return fmt.Errorf("trading config: quantity must be positive")
	}
	if c.Leverage < 1 {
		return fmt.Errorf("trading config: leverage must be at least 1")
	}
	if c.MarginMode != "isolated" && c.MarginMode != "cross" {
		return fmt.Errorf("trading config: margin mode must be isolated or cross, got %q", c.MarginMode)
	}
	if c.ProfitThreshold.Sign() <= 0 {
		return fmt.Errorf("trading config: profit threshold must be positive")
	}
	return nil
}

// Encode serializes the config for a snapshot row.
func (c TradingConfig) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode trading config: %w", err)
	}
	return string(data), nil
}

// DecodeTradingConfig deserializes a snapshot's config. Unknown fields
// fail closed rather than being silently dropped.
func DecodeTradingConfig(raw string) (TradingConfig, error) {
	var c TradingConfig
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return TradingConfig{}, fmt.Errorf("failed to decode trading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return TradingConfig{}, err
	}
	return c, nil
}

// ActivePosition is the in-flight position detail carried in snapshots
// while a trade is open.
type ActivePosition struct {
	TradeID    uint            `json:"trade_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Encode serializes the position for a snapshot row.
func (p ActivePosition) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode active position: %w", err)
	}
	return string(data), nil
}

// DecodeActivePosition deserializes a snapshot's position, failing
// closed on unknown fields or a missing trade reference.
func DecodeActivePosition(raw string) (ActivePosition, error) {
	var p ActivePosition
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return ActivePosition{}, fmt.Errorf("failed to decode active position: %w", err)
	}
	if p.TradeID == 0 {
		return ActivePosition{}, fmt.Errorf("active position: trade reference is required")
	}
	if p.Symbol == "" {
		return ActivePosition{}, fmt.Errorf("active position: symbol is required")
	}
	return p, nil
}
