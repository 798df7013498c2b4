// Package notify deduplicates outbound player notifications against durable
// per-wallet marks, so a restart never re-sends what was already delivered.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arcaded/storage"
)

// TopicLowTime warns a player their purchased play time is nearly exhausted.
const TopicLowTime = "low_time"

// Sender delivers one notification. Delivery mechanics live outside this
// service.
type Sender interface {
	Send(ctx context.Context, wallet, topic, message string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, wallet, topic, message string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, wallet, topic, message string) error {
	return f(ctx, wallet, topic, message)
}

// Notifier sends at most one notification per wallet/topic per window.
type Notifier struct {
	store  *storage.Store
	sender Sender
	window time.Duration
	logger *slog.Logger
}

// New constructs a notifier. A nil sender falls back to logging the message.
func New(store *storage.Store, sender Sender, window time.Duration, logger *slog.Logger) *Notifier {
	if window <= 0 {
		window = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = SenderFunc(func(ctx context.Context, wallet, topic, message string) error {
			logger.Info("notification", "wallet", wallet, "topic", topic, "message", message)
			return nil
		})
	}
	return &Notifier{store: store, sender: sender, window: window, logger: logger}
}

// LowTimeWarning notifies a player their remaining play time is low. Repeat
// calls inside the window are absorbed by the durable mark.
func (n *Notifier) LowTimeWarning(ctx context.Context, wallet string, remainingSeconds int64) error {
	send, err := n.store.MarkNotified(ctx, wallet, TopicLowTime, n.window)
	if err != nil {
		return fmt.Errorf("notify: mark low time: %w", err)
	}
	if !send {
		return nil
	}
	msg := fmt.Sprintf("Only %d seconds of play time left. Top up to keep playing.", remainingSeconds)
	if err := n.sender.Send(ctx, wallet, TopicLowTime, msg); err != nil {
		return fmt.Errorf("notify: send low time warning: %w", err)
	}
	return nil
}
