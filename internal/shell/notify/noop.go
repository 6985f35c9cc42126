package notify

import (
	"context"
	"log/slog"
)

// NoopNotifier drops notices.
type NoopNotifier struct{}

// NewNoop returns a notifier that logs its reason once and does nothing
// thereafter.
func NewNoop(logger *slog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Info(reason)
	}
	return &NoopNotifier{}
}

// Notify implements Notifier.
func (*NoopNotifier) Notify(context.Context, DeploymentNotice) error {
	return nil
}
