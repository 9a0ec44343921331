package sip

import (
	"context"
	"log/slog"

	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

// Notification error codes surfaced to operators.
const (
	codeUnreachableCallee  = 11001
	codeMissingProxyConfig = 11004
	codeRoutingMiss        = 11005
	codeUnregisteredClient = 11008
	codeProxySwitch        = 14110
)

// Monitor receives live signaling events. Implementations must not block;
// the signaling path calls these inline.
type Monitor interface {
	// RegistrationEvent fires on every binding add, refresh, or removal.
	RegistrationEvent(event, user, address string, active bool)

	// NotificationEvent fires whenever an operator notification is posted.
	NotificationEvent(level string, errorCode int, message string)
}

// Registration event names passed to Monitor.RegistrationEvent.
const (
	regEventAdded   = "registered"
	regEventUpdated = "refreshed"
	regEventRemoved = "unregistered"
)

// NopMonitor discards all events.
type NopMonitor struct{}

func (NopMonitor) RegistrationEvent(string, string, string, bool) {}
func (NopMonitor) NotificationEvent(string, int, string)          {}

// Notifier posts operator notifications: persisted, logged, and forwarded to
// the live monitor.
type Notifier struct {
	store   database.NotificationRepository
	monitor Monitor
	logger  *slog.Logger
}

// NewNotifier creates a notification emitter. A nil monitor is replaced with
// a NopMonitor.
func NewNotifier(store database.NotificationRepository, monitor Monitor, logger *slog.Logger) *Notifier {
	if monitor == nil {
		monitor = NopMonitor{}
	}
	return &Notifier{
		store:   store,
		monitor: monitor,
		logger:  logger.With("subsystem", "notify"),
	}
}

// Warn posts a warning-level notification.
func (n *Notifier) Warn(ctx context.Context, errorCode int, message string) {
	n.post(ctx, models.NotificationWarning, errorCode, message)
}

// Error posts an error-level notification.
func (n *Notifier) Error(ctx context.Context, errorCode int, message string) {
	n.post(ctx, models.NotificationError, errorCode, message)
}

func (n *Notifier) post(ctx context.Context, level string, errorCode int, message string) {
	note := &models.Notification{
		Level:     level,
		ErrorCode: errorCode,
		Message:   message,
	}
	if n.store != nil {
		if err := n.store.Create(ctx, note); err != nil {
			n.logger.Error("failed to persist notification",
				"error_code", errorCode,
				"error", err,
			)
		}
	}

	n.monitor.NotificationEvent(level, errorCode, message)

	if level == models.NotificationError {
		n.logger.Error(message, "error_code", errorCode)
	} else {
		n.logger.Warn(message, "error_code", errorCode)
	}
}
