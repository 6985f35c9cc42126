package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// WebhookNotifier posts the raw notice JSON to a generic webhook endpoint.
type WebhookNotifier struct {
	logger *slog.Logger
	poster *poster
}

// NewWebhookNotifier creates a webhook notifier, or a noop when the URL is
// empty.
func NewWebhookNotifier(logger *slog.Logger, webhookURL string) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "webhook url not configured; webhook notifications disabled")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		logger: logger,
		poster: newPoster(logger, "webhook", webhookURL, defaultTiming),
	}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, notice DeploymentNotice) error {
	if err := n.poster.waitForRateLimit(ctx, notice.EnvironmentID); err != nil {
		return err
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	if err := n.poster.postWithRetry(ctx, payload); err != nil {
		return err
	}

	n.logger.Debug("webhook notification sent",
		"kind", notice.Kind,
		"environment_id", notice.EnvironmentID)
	return nil
}
