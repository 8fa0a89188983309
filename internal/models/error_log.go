package models

import (
	"time"

	"gorm.io/gorm"
)

// ErrorLog is an append-only record of failures, kept with enough
// context to replay what the bot was doing at the time.
type ErrorLog struct {
	gorm.Model
	Timestamp      time.Time `gorm:"not null;index" json:"timestamp"`
	ErrorType      string    `gorm:"not null" json:"error_type"`
	ErrorMessage   string    `gorm:"not null" json:"error_message"`
	State          string    `json:"state"`
	ActivePosition string    `json:"active_position"` // JSON
	StackTrace     string    `json:"stack_trace,omitempty"`
}
