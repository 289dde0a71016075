// Package notify holds notification senders that do not need a broker.
package notify

import (
	"context"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// LogSender writes notifications to the log instead of handing them to the
// email service. It is used when no notification topic is configured.
type LogSender struct {
	logger *logger.Logger
}

var _ booking.NotificationSender = (*LogSender)(nil)

// NewLogSender creates a LogSender.
func NewLogSender(logger *logger.Logger) *LogSender {
	return &LogSender{logger: logger.With("component", "log_notification_sender")}
}

// Send logs the notification. It never fails.
func (s *LogSender) Send(ctx context.Context, n booking.Notification) error {
	s.logger.Info(ctx, "notification",
		"event_id", n.EventID,
		"owner", n.Owner,
		"session_id", n.SessionID,
		"category", n.Category,
		"detail", n.Detail,
	)
	return nil
}
