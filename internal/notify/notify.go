// Package notify delivers completion notices to customers. Delivery
// is best effort: an order stays completed even when every notifier
// attempt fails.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	gomail "gopkg.in/gomail.v2"

	"github.com/storypress/storypress/internal/store"
)

// Notifier tells a customer their book is ready.
type Notifier interface {
	NotifyReady(ctx context.Context, order *store.Order) error
}

// SMTPConfig configures the mail notifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// New returns a mail notifier when SMTP is configured, otherwise a
// log-only notifier.
func New(cfg SMTPConfig, logger *slog.Logger) Notifier {
	if cfg.Host == "" {
		return &LogNotifier{logger: logger}
	}
	return &MailNotifier{cfg: cfg, logger: logger}
}

// MailNotifier sends the completion notice over SMTP.
type MailNotifier struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NotifyReady emails the customer, retrying transient SMTP failures.
func (n *MailNotifier) NotifyReady(ctx context.Context, order *store.Order) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", n.cfg.From)
	msg.SetHeader("To", order.CustomerEmail)
	msg.SetHeader("Subject", "Your illustrated book is ready")
	msg.SetBody("text/plain", fmt.Sprintf(
		"Hi %s,\n\nYour %d-page illustrated book (order %s) has finished generating and is ready for download.\n\nThank you!\n",
		order.CustomerName, order.PageCount, order.ID))

	dialer := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)

	err := retry.Do(
		func() error { return dialer.DialAndSend(msg) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(attempt uint, err error) {
			n.logger.Warn("notification send failed, retrying",
				"order_id", order.ID, "attempt", attempt+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("notify order %s: %w", order.ID, err)
	}
	n.logger.Info("completion notice sent", "order_id", order.ID, "to", order.CustomerEmail)
	return nil
}

// LogNotifier records the notice in the log. Used when SMTP is not
// configured, and in tests.
type LogNotifier struct {
	logger *slog.Logger
}

func (n *LogNotifier) NotifyReady(_ context.Context, order *store.Order) error {
	n.logger.Info("order ready (no SMTP configured, notice logged only)",
		"order_id", order.ID, "customer", order.CustomerName, "email", order.CustomerEmail)
	return nil
}
