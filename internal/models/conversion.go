package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Conversion and Withdrawal status values.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Conversion represents an asset conversion of closed-trade proceeds.
// TradeID is nullable so that ad-hoc manual conversions can share the
// table, but the automated cycle always links one.
type Conversion struct {
	gorm.Model
	TradeID      *uint               `gorm:"index" json:"trade_id"`
	FromAsset    string              `gorm:"not null" json:"from_asset"`
	ToAsset      string              `gorm:"not null" json:"to_asset"`
	FromAmount   decimal.Decimal     `gorm:"type:decimal(32,16);not null" json:"from_amount"`
	ToAmount     decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"to_amount"`
	ExchangeRate decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"exchange_rate"`
	QuoteID      string              `gorm:"index" json:"quote_id"`
	Status       string              `gorm:"not null;default:pending" json:"status"`
	ExecutedAt   *time.Time          `json:"executed_at"`
}
