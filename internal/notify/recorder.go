package notify

import (
	"context"
	"time"

	"github.com/damozycodes/Bybit/internal/models"
	"github.com/damozycodes/Bybit/internal/store"
	"go.uber.org/zap"
)

// Recorder wraps a Notifier and tracks every delivery attempt in the
// notifications table. A (type, subject) pair that was already sent is
// suppressed, which keeps recovered cycles from re-alerting.
type Recorder struct {
	next      Notifier
	store     *store.Store
	recipient string
	logger    *zap.Logger
}

var _ Notifier = (*Recorder)(nil)

// NewRecorder creates a recording decorator around next.
func NewRecorder(next Notifier, st *store.Store, recipient string, logger *zap.Logger) *Recorder {
	return &Recorder{next: next, store: st, recipient: recipient, logger: logger.Named("notify")}
}

// Notify records the attempt, skips duplicates, and forwards the event.
func (r *Recorder) Notify(ctx context.Context, event Event) error {
	sent, err := r.store.HasSentNotification(event.Type, event.Subject)
	if err != nil {
		r.logger.Warn("Could not check notification history", zap.Error(err))
	} else if sent {
		r.logger.Info("Skipping duplicate notification", zap.String("subject", event.Subject))
		return nil
	}

	record := &models.Notification{
		NotificationType: event.Type,
		Recipient:        r.recipient,
		Subject:          event.Subject,
		Message:          event.Body,
		Status:           models.NotificationPending,
	}
	if err := r.store.CreateNotification(record); err != nil {
		r.logger.Warn("Could not record notification", zap.Error(err))
	}

	sendErr := r.next.Notify(ctx, event)

	if sendErr != nil {
		record.Status = models.NotificationFailed
	} else {
		now := time.Now()
		record.Status = models.NotificationSent
		record.SentAt = &now
	}
	if record.ID != 0 {
		if err := r.store.UpdateNotification(record); err != nil {
			r.logger.Warn("Could not update notification record", zap.Error(err))
		}
	}
	return sendErr
}
