// Package notify is the outbound alerting port. Delivery is best-effort:
// a failed send never blocks a stage transition, it is only recorded for
// auditing.
package notify

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Event types, mirroring the notifications table.
const (
	EventPositionOpened      = "position_opened"
	EventPositionClosed      = "position_closed"
	EventLiquidation         = "liquidation"
	EventConversionCompleted = "conversion_completed"
	EventWithdrawalCompleted = "withdrawal_completed"
	EventCycleFailed         = "cycle_failed"
)

// Event is one notification to deliver.
type Event struct {
	Type    string
	Subject string
	Body    string
}

// Notifier delivers events to the operator.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Nop is a Notifier that drops every event. Used when email is disabled
// and in tests.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// PositionOpened builds the alert for a freshly opened position.
func PositionOpened(tradeID uint, symbol, side string, quantity, entryPrice decimal.Decimal, leverage int) Event {
	return Event{
		Type:    EventPositionOpened,
		Subject: fmt.Sprintf("Position Opened - Trade #%d %s", tradeID, symbol),
		Body: fmt.Sprintf("Opened %s %s %s at %s with %dx leverage.",
			side, quantity.String(), symbol, entryPrice.String(), leverage),
	}
}

// PositionClosed builds the alert for a profitably closed position.
func PositionClosed(tradeID uint, symbol string, exitPrice, profit decimal.Decimal) Event {
	return Event{
		Type:    EventPositionClosed,
		Subject: fmt.Sprintf("Position Closed - Trade #%d %s", tradeID, symbol),
		Body: fmt.Sprintf("Closed %s at %s with profit %s USDT.",
			symbol, exitPrice.String(), profit.String()),
	}
}

// Liquidation builds the urgent alert for a liquidated position.
func Liquidation(tradeID uint, symbol string, entryPrice decimal.Decimal, leverage int) Event {
	return Event{
		Type:    EventLiquidation,
		Subject: fmt.Sprintf("URGENT: Liquidation Detected - Trade #%d %s", tradeID, symbol),
		Body: fmt.Sprintf("The %s position entered at %s with %dx leverage was liquidated by the exchange.",
			symbol, entryPrice.String(), leverage),
	}
}

// ConversionCompleted builds the alert for a completed conversion.
func ConversionCompleted(tradeID uint, fromAsset, toAsset string, fromAmount, toAmount decimal.Decimal) Event {
	return Event{
		Type:    EventConversionCompleted,
		Subject: fmt.Sprintf("Conversion Completed - Trade #%d", tradeID),
		Body: fmt.Sprintf("Converted %s %s to %s %s.",
			fromAmount.String(), fromAsset, toAmount.String(), toAsset),
	}
}

// WithdrawalCompleted builds the alert for a confirmed withdrawal.
func WithdrawalCompleted(tradeID uint, asset string, amount decimal.Decimal, address, txID string) Event {
	return Event{
		Type:    EventWithdrawalCompleted,
		Subject: fmt.Sprintf("Withdrawal Completed - Trade #%d", tradeID),
		Body: fmt.Sprintf("Withdrew %s %s to %s (tx %s).",
			amount.String(), asset, address, txID),
	}
}

// CycleFailed builds the alert for a cycle halted at a failed stage.
func CycleFailed(tradeID uint, stage, reason string) Event {
	return Event{
		Type:    EventCycleFailed,
		Subject: fmt.Sprintf("Trade Cycle Halted - Trade #%d at %s", tradeID, stage),
		Body:    fmt.Sprintf("The cycle stopped at stage %q and needs operator attention: %s", stage, reason),
	}
}
