package database

import (
	"fmt"

	"github.com/damozycodes/Bybit/internal/config"
	"github.com/damozycodes/Bybit/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema. Existing rows are never
// dropped: trade history and state snapshots must survive restarts for
// crash recovery and forensic replay.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Trade{},
		&models.Conversion{},
		&models.Withdrawal{},
		&models.BotState{},
		&models.ErrorLog{},
		&models.Notification{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
