// Package notify tells the user when a run ends.
package notify

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/domain"
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
	// Run is the run the notification is about, when there is one.
	Run *domain.Run
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// ForRun builds the end-of-run notification for run.
func ForRun(run *domain.Run) Notification {
	n := Notification{Run: run}
	switch run.Status {
	case domain.RunCompleted:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("ftrun %s completed", run.Mode)
		n.Message = fmt.Sprintf("Output written to %s", run.OutputDir)
	case domain.RunInterrupted:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("ftrun %s interrupted", run.Mode)
		n.Message = fmt.Sprintf("Model saved to %s", run.OutputDir)
	case domain.RunFailed:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("ftrun %s failed", run.Mode)
		n.Message = run.Error
	default:
		n.Title = fmt.Sprintf("ftrun %s %s", run.Mode, run.Status)
	}
	return n
}

// FromSettings builds the notifier the settings ask for. With nothing
// enabled it returns a NoopNotifier.
func FromSettings(s config.NotificationsSettings) Notifier {
	var notifiers []Notifier
	if s.Desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if s.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(s.SlackWebhook))
	}
	switch len(notifiers) {
	case 0:
		return NoopNotifier{}
	case 1:
		return notifiers[0]
	}
	return NewMultiNotifier(notifiers...)
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers n to every notifier and joins their errors.
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
