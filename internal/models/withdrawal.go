package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Withdrawal represents a transfer of converted proceeds to an external
// address. TxID stays empty until the exchange confirms the broadcast.
type Withdrawal struct {
	gorm.Model
	TradeID      *uint               `gorm:"index" json:"trade_id"`
	ConversionID *uint               `gorm:"index" json:"conversion_id"`
	Asset        string              `gorm:"not null" json:"asset"`
	Amount       decimal.Decimal     `gorm:"type:decimal(32,16);not null" json:"amount"`
	Address      string              `gorm:"not null" json:"address"`
	Network      string              `gorm:"not null" json:"network"`
	TxID         string              `json:"tx_id"`
	Status       string              `gorm:"not null;default:pending" json:"status"`
	Fee          decimal.NullDecimal `gorm:"type:decimal(32,16)" json:"fee"`
	ExecutedAt   *time.Time          `json:"executed_at"`
}
