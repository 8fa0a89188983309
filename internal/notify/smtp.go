package notify

import (
	"context"

	"github.com/damozycodes/Bybit/internal/config"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// EmailNotifier delivers events over SMTP.
type EmailNotifier struct {
	dialer    *gomail.Dialer
	from      string
	recipient string
	logger    *zap.Logger
}

var _ Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier creates an SMTP notifier from config.
func NewEmailNotifier(cfg *config.Email, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:      cfg.Username,
		recipient: cfg.Recipient,
		logger:    logger.Named("email"),
	}
}

// Notify sends the event as a plain-text email. The ctx deadline is not
// plumbed into gomail; the SMTP dial carries its own network timeouts.
func (n *EmailNotifier) Notify(_ context.Context, event Event) error {
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.recipient)
	m.SetHeader("Subject", event.Subject)
	m.SetBody("text/plain", event.Body)

	if err := n.dialer.DialAndSend(m); err != nil {
		n.logger.Error("Failed to send email", zap.String("subject", event.Subject), zap.Error(err))
		return err
	}
	n.logger.Info("Email sent", zap.String("subject", event.Subject))
	return nil
}
