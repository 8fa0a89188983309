package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Position sides as reported through the port.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Position is a live position as reported by the exchange.
type Position struct {
	Symbol           string
	Side             string // "long" or "short"
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// OrderResult is the acknowledgement of a placed entry order.
type OrderResult struct {
	OrderID string
}

// FillResult is the confirmed fill of a close order.
type FillResult struct {
	OrderID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// ConvertQuote is a priced conversion offer. The quote id is the
// external identifier used to execute and later reconcile the
// conversion after a crash.
type ConvertQuote struct {
	QuoteID  string
	ToAmount decimal.Decimal
	Rate     decimal.Decimal
}

// Conversion outcome states reported by the exchange.
const (
	ConvertStateProcessing = "processing"
	ConvertStateSuccess    = "success"
	ConvertStateFailure    = "failure"
	ConvertStateUnknown    = "unknown" // exchange has no record of the quote
)

// ConvertStatus is the exchange-side outcome of a conversion quote.
type ConvertStatus struct {
	QuoteID  string
	State    string
	ToAmount decimal.Decimal
	Rate     decimal.Decimal
}

// WithdrawResult is the acknowledgement of a submitted withdrawal.
type WithdrawResult struct {
	ID string // exchange withdrawal id, not the chain tx id
}

// Withdrawal record states reported by the exchange.
const (
	WithdrawStatePending = "pending"
	WithdrawStateSuccess = "success"
	WithdrawStateFailed  = "failed"
)

// WithdrawalRecord is one entry of the exchange's withdrawal history,
// used to reconcile an in-flight withdrawal after a crash.
type WithdrawalRecord struct {
	ID        string
	TxID      string
	Asset     string
	Amount    decimal.Decimal
	Address   string
	Status    string
	Fee       decimal.Decimal
	CreatedAt time.Time
}

// Client is the port the orchestrator trades through. All failures are
// returned as *Error carrying the {transient, rejected, ambiguous}
// classification.
type Client interface {
	// GetBalance returns the available balance of an asset.
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// GetPosition returns the open position for symbol, or nil if the
	// exchange reports none.
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// PlaceOrder opens a leveraged market position with the given
	// margin mode.
	PlaceOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, leverage int, marginMode string) (*OrderResult, error)

	// ClosePosition market-closes the open position for symbol with a
	// reduce-only order. Returns nil if there is nothing to close.
	ClosePosition(ctx context.Context, symbol string) (*FillResult, error)

	// RequestConvertQuote prices a conversion without executing it.
	RequestConvertQuote(ctx context.Context, fromAsset, toAsset string, amount decimal.Decimal) (*ConvertQuote, error)

	// ConfirmConvert executes a previously obtained quote.
	ConfirmConvert(ctx context.Context, quoteID string) error

	// GetConvertStatus re-queries the outcome of a quote by its id.
	GetConvertStatus(ctx context.Context, quoteID string) (*ConvertStatus, error)

	// Withdraw sends amount of asset to an external address.
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address, network string) (*WithdrawResult, error)

	// ListWithdrawals returns withdrawal records for asset created at or
	// after since, newest first.
	ListWithdrawals(ctx context.Context, asset string, since time.Time) ([]WithdrawalRecord, error)
}
