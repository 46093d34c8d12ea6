// Package notify sends series-completion notifications. Delivery is best
// effort on every channel: a broken notification path never affects runs.
package notify

import (
	"fmt"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Series  int // Optional series reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromConfig assembles the configured notification channels.
func FromConfig(cfg config.NotificationsConfig) Notifier {
	var notifiers []Notifier
	if cfg.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if cfg.Webhook != "" {
		notifiers = append(notifiers, NewWebhookNotifier(cfg.Webhook))
	}
	switch len(notifiers) {
	case 0:
		return NoopNotifier{}
	case 1:
		return notifiers[0]
	}
	return NewMultiNotifier(notifiers...)
}

// SeriesFinished builds the notification for a completed series.
func SeriesFinished(seriesID, passed, failed, cancelled int) Notification {
	n := Notification{
		Title:   fmt.Sprintf("Series %07d finished", seriesID),
		Message: fmt.Sprintf("%d passed, %d failed, %d cancelled", passed, failed, cancelled),
		Type:    NotifySuccess,
		Series:  seriesID,
	}
	if failed > 0 {
		n.Type = NotifyError
	} else if cancelled > 0 {
		n.Type = NotifyWarning
	}
	return n
}
