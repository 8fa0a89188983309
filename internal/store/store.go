// Package store is the persistence gateway for the trade cycle. Every
// stage transition commits its domain record and the bot state snapshot
// in one transaction, so the recovery loader can never observe a
// snapshot that claims a stage whose record does not exist.
package store

import (
	"errors"
	"fmt"

	"github.com/damozycodes/Bybit/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Store wraps the database for the orchestrator and the operator API.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store on top of an opened database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// saveSnapshot inserts or updates a bot state row inside tx.
func saveSnapshot(tx *gorm.DB, snap *models.BotState) error {
	if err := tx.Save(snap).Error; err != nil {
		return fmt.Errorf("failed to save bot state snapshot: %w", err)
	}
	return nil
}

// SaveSnapshot persists a snapshot on its own, outside any stage record.
// Used for transitions that touch no domain record (reset, halt).
func (s *Store) SaveSnapshot(snap *models.BotState) error {
	return saveSnapshot(s.db, snap)
}

// CreateTradeWithSnapshot records a newly opened trade and the snapshot
// pointing at the next stage, atomically. The snapshot is built by the
// callback after the insert so it can reference the assigned trade id.
func (s *Store) CreateTradeWithSnapshot(trade *models.Trade, snapFor func(trade *models.Trade) (*models.BotState, error)) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return fmt.Errorf("failed to create trade: %w", err)
		}
		snap, err := snapFor(trade)
		if err != nil {
			return err
		}
		return saveSnapshot(tx, snap)
	})
}

// UpdateTradeWithSnapshot persists a mutated trade (close, liquidation)
// together with the snapshot for the next stage.
func (s *Store) UpdateTradeWithSnapshot(trade *models.Trade, snap *models.BotState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(trade).Error; err != nil {
			return fmt.Errorf("failed to update trade: %w", err)
		}
		return saveSnapshot(tx, snap)
	})
}

// CreateConversionWithSnapshot records a pending conversion before the
// exchange call that executes it.
func (s *Store) CreateConversionWithSnapshot(conv *models.Conversion, snap *models.BotState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return fmt.Errorf("failed to create conversion: %w", err)
		}
		return saveSnapshot(tx, snap)
	})
}

// UpdateConversionWithSnapshot persists a conversion outcome together
// with the snapshot for the next stage.
func (s *Store) UpdateConversionWithSnapshot(conv *models.Conversion, snap *models.BotState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(conv).Error; err != nil {
			return fmt.Errorf("failed to update conversion: %w", err)
		}
		return saveSnapshot(tx, snap)
	})
}

// CreateWithdrawalWithSnapshot records a pending withdrawal before the
// exchange call that executes it.
func (s *Store) CreateWithdrawalWithSnapshot(w *models.Withdrawal, snap *models.BotState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(w).Error; err != nil {
			return fmt.Errorf("failed to create withdrawal: %w", err)
		}
		return saveSnapshot(tx, snap)
	})
}

// UpdateWithdrawalWithSnapshot persists a withdrawal outcome together
// with the snapshot for the next stage.
func (s *Store) UpdateWithdrawalWithSnapshot(w *models.Withdrawal, snap *models.BotState) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(w).Error; err != nil {
			return fmt.Errorf("failed to update withdrawal: %w", err)
		}
		return saveSnapshot(tx, snap)
	})
}

// LatestSnapshot returns the most recent bot state row, or nil when the
// bot has never run.
func (s *Store) LatestSnapshot() (*models.BotState, error) {
	var snap models.BotState
	err := s.db.Order("id DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return &snap, nil
}

// OpenTrade returns the most recent trade with status open, or nil.
func (s *Store) OpenTrade() (*models.Trade, error) {
	var trade models.Trade
	err := s.db.Where("status = ?", models.TradeStatusOpen).Order("id DESC").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open trade: %w", err)
	}
	return &trade, nil
}

// LatestClosedTrade returns the most recent closed trade, or nil. The
// recovery loader uses it to re-link the convert/withdraw stages to
// their trade after a crash, since the snapshot's active position is
// cleared once the position closes.
func (s *Store) LatestClosedTrade() (*models.Trade, error) {
	var trade models.Trade
	err := s.db.Where("status = ?", models.TradeStatusClosed).Order("id DESC").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest closed trade: %w", err)
	}
	return &trade, nil
}

// TradeByID loads a trade by primary key, or nil when absent.
func (s *Store) TradeByID(id uint) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.First(&trade, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade %d: %w", id, err)
	}
	return &trade, nil
}

// PendingConversion returns the pending conversion linked to a trade, or nil.
func (s *Store) PendingConversion(tradeID uint) (*models.Conversion, error) {
	var conv models.Conversion
	err := s.db.Where("trade_id = ? AND status = ?", tradeID, models.StatusPending).
		Order("id DESC").First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending conversion for trade %d: %w", tradeID, err)
	}
	return &conv, nil
}

// CompletedConversion returns the completed conversion linked to a trade, or nil.
func (s *Store) CompletedConversion(tradeID uint) (*models.Conversion, error) {
	var conv models.Conversion
	err := s.db.Where("trade_id = ? AND status = ?", tradeID, models.StatusCompleted).
		Order("id DESC").First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load completed conversion for trade %d: %w", tradeID, err)
	}
	return &conv, nil
}

// PendingWithdrawal returns the pending withdrawal linked to a trade, or nil.
func (s *Store) PendingWithdrawal(tradeID uint) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := s.db.Where("trade_id = ? AND status = ?", tradeID, models.StatusPending).
		Order("id DESC").First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending withdrawal for trade %d: %w", tradeID, err)
	}
	return &w, nil
}

// LogError appends an error log entry. Never fails the caller's stage:
// errors here are logged by the caller and swallowed.
func (s *Store) LogError(entry *models.ErrorLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append error log: %w", err)
	}
	return nil
}

// RecentErrors returns the newest error log entries, up to limit.
func (s *Store) RecentErrors(limit int) ([]models.ErrorLog, error) {
	var entries []models.ErrorLog
	if err := s.db.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent errors: %w", err)
	}
	return entries, nil
}

// CreateNotification appends a notification delivery record.
func (s *Store) CreateNotification(n *models.Notification) error {
	if err := s.db.Create(n).Error; err != nil {
		return fmt.Errorf("failed to create notification record: %w", err)
	}
	return nil
}

// UpdateNotification persists the delivery outcome of a notification.
func (s *Store) UpdateNotification(n *models.Notification) error {
	if err := s.db.Save(n).Error; err != nil {
		return fmt.Errorf("failed to update notification record: %w", err)
	}
	return nil
}

// HasSentNotification reports whether a notification of this type and
// subject already went out. Used after recovery to avoid duplicate alerts.
func (s *Store) HasSentNotification(notificationType, subject string) (bool, error) {
	var count int64
	err := s.db.Model(&models.Notification{}).
		Where("notification_type = ? AND subject = ? AND status = ?",
			notificationType, subject, models.NotificationSent).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check sent notifications: %w", err)
	}
	return count > 0, nil
}

// TradeStats summarizes finished trades for the operator API.
type TradeStats struct {
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	AverageProfit decimal.Decimal `json:"average_profit"`
	WinRate       decimal.Decimal `json:"win_rate"` // percent
}

// Statistics aggregates all closed and liquidated trades. Sums are done
// in Go because the decimal columns are stored as text.
func (s *Store) Statistics() (*TradeStats, error) {
	var trades []models.Trade
	err := s.db.Where("status IN ?", []string{models.TradeStatusClosed, models.TradeStatusLiquidated}).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load finished trades: %w", err)
	}

	stats := &TradeStats{TotalProfit: decimal.Zero, AverageProfit: decimal.Zero, WinRate: decimal.Zero}
	for _, t := range trades {
		stats.TotalTrades++
		if !t.Profit.Valid {
			stats.LosingTrades++
			continue
		}
		stats.TotalProfit = stats.TotalProfit.Add(t.Profit.Decimal)
		if t.Profit.Decimal.Sign() > 0 {
			stats.WinningTrades++
		} else {
			stats.LosingTrades++
		}
	}
	if stats.TotalTrades > 0 {
		total := decimal.NewFromInt(int64(stats.TotalTrades))
		stats.AverageProfit = stats.TotalProfit.Div(total)
		stats.WinRate = decimal.NewFromInt(int64(stats.WinningTrades)).
			Div(total).Mul(decimal.NewFromInt(100))
	}
	return stats, nil
}
