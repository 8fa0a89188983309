package models

import (
	"time"

	"gorm.io/gorm"
)

// BotState is the durable snapshot of the orchestrator. One row per
// trade cycle; transitions within a cycle update the row in place, a new
// cycle inserts a fresh one so old cycles remain replayable. Recovery
// reads the most recent row by id.
type BotState struct {
	gorm.Model
	CycleID        string    `gorm:"not null;index" json:"cycle_id"`
	CurrentState   string    `gorm:"not null" json:"current_state"`
	TradingConfig  string    `json:"trading_config"`  // JSON
	ActivePosition string    `json:"active_position"` // JSON, empty when flat
	LastUpdated    time.Time `gorm:"not null" json:"last_updated"`
}
