package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade status values.
const (
	TradeStatusOpen       = "open"
	TradeStatusClosed     = "closed"
	TradeStatusLiquidated = "liquidated"
)

// Trade represents one leveraged position over its full lifecycle.
// ExitPrice, Profit and ClosedAt stay null while the position is open.
type Trade struct {
	gorm.Model
	Symbol     string              `gorm:"not null;index" json:"symbol"`
	Side       string              `gorm:"not null" json:"side"` // "long" or "short"
	EntryPrice decimal.Decimal     `gorm:"type:decimal(32,16);not null" json:"entry_price"`
	ExitPrice  decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"exit_price"`
	Quantity   decimal.Decimal     `gorm:"type:decimal(32,16);not null" json:"quantity"`
	Leverage   int                 `gorm:"not null;default:10" json:"leverage"`
	Profit     decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"profit"`
	Status     string              `gorm:"not null;default:open;index" json:"status"`
	OpenedAt   time.Time           `gorm:"not null" json:"opened_at"`
	ClosedAt   *time.Time          `json:"closed_at"`
	Notes      string              `json:"notes,omitempty"`
}
