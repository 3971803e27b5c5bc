package pulsewatch

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides a generic interface for sending notifications to the user
type Notifier interface {
	Notify(title string, message string)
}

type desktopNotifier struct {
	logger *zap.SugaredLogger
}

func NewDesktopNotifier(logger *zap.SugaredLogger) (Notifier, error) {
	notifier := &desktopNotifier{logger: logger.Named("notifier")}

	notifier.logger.Debug("Created desktop notifier instance")

	return notifier, nil
}

func (dn *desktopNotifier) Notify(title string, message string) {
	dn.logger.Infow("Sending notification", "title", title, "message", message)

	// a notification failure is never worth more than a log line; the daemon
	// may well be running on a headless session
	if err := beeep.Notify(title, message, ""); err != nil {
		dn.logger.Warnw("Failed to send desktop notification", "error", err)
	}
}
