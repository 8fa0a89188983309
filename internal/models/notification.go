package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification status values.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Notification is an append-only delivery record. Recovery consults it
// to avoid re-sending an alert that already went out before a crash.
type Notification struct {
	gorm.Model
	NotificationType string     `gorm:"not null;index" json:"notification_type"`
	Recipient        string     `gorm:"not null" json:"recipient"`
	Subject          string     `gorm:"not null" json:"subject"`
	Message          string     `json:"message"`
	Status           string     `gorm:"not null;default:pending" json:"status"`
	SentAt           *time.Time `json:"sent_at"`
}
