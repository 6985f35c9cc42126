package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// Attachment colors keyed by outcome family.
const (
	colorGood    = "#2eb67d"
	colorWarning = "#ecb22e"
	colorDanger  = "#e01e5a"
)

// SlackNotifier posts deployment notices to a Slack incoming webhook.
type SlackNotifier struct {
	logger *slog.Logger
	poster *poster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides delivery timing, primarily for tests.
func WithSlackTiming(timeout, rateInterval, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(n *SlackNotifier) {
		n.poster.timing.timeout = timeout
		n.poster.timing.rateInterval = rateInterval
		n.poster.timing.backoffInitial = backoffInitial
		n.poster.timing.backoffMax = backoffMax
		n.poster.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier, or a noop when the webhook URL
// is empty.
func NewSlackNotifier(logger *slog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; slack notifications disabled")
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &SlackNotifier{
		logger: logger,
		poster: newPoster(logger, "slack", webhookURL, defaultTiming),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, notice DeploymentNotice) error {
	if err := n.poster.waitForRateLimit(ctx, notice.EnvironmentID); err != nil {
		return err
	}

	payload, err := json.Marshal(buildSlackMessage(notice))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := n.poster.postWithRetry(ctx, payload); err != nil {
		return err
	}

	n.logger.Debug("slack notification sent",
		"kind", notice.Kind,
		"environment_id", notice.EnvironmentID)
	return nil
}

func buildSlackMessage(notice DeploymentNotice) slack.WebhookMessage {
	fields := []slack.AttachmentField{
		{Title: "Environment", Value: notice.EnvironmentID, Short: true},
		{Title: "Status", Value: notice.Status, Short: true},
	}
	if notice.StackName != "" {
		fields = append(fields, slack.AttachmentField{Title: "Stack", Value: notice.StackName, Short: true})
	}
	if notice.ProductName != "" {
		fields = append(fields, slack.AttachmentField{Title: "Product", Value: notice.ProductName, Short: true})
	}
	if notice.Version != "" {
		version := notice.Version
		if notice.PreviousVersion != "" {
			version = fmt.Sprintf("%s → %s", notice.PreviousVersion, notice.Version)
		}
		fields = append(fields, slack.AttachmentField{Title: "Version", Value: version, Short: true})
	}
	if notice.Message != "" {
		fields = append(fields, slack.AttachmentField{Title: "Detail", Value: notice.Message})
	}

	attachment := slack.Attachment{
		Color:  noticeColor(notice),
		Title:  noticeTitle(notice),
		Fields: fields,
		Ts:     json.Number(fmt.Sprintf("%d", notice.OccurredAt.Unix())),
	}

	return slack.WebhookMessage{
		Text:        noticeTitle(notice),
		Attachments: []slack.Attachment{attachment},
	}
}

func noticeTitle(notice DeploymentNotice) string {
	subject := notice.StackName
	if notice.ProductName != "" {
		subject = notice.ProductName
	}

	switch notice.Kind {
	case NoticeDeploymentStarted:
		return fmt.Sprintf("Deploying %s", subject)
	case NoticeDeploymentRunning:
		return fmt.Sprintf("%s is running", subject)
	case NoticeDeploymentFailed:
		return fmt.Sprintf("%s failed", subject)
	case NoticeDeploymentRemoved:
		return fmt.Sprintf("%s removed", subject)
	case NoticeProductDeployed:
		return fmt.Sprintf("Product %s deployed", subject)
	case NoticeProductUpgraded:
		return fmt.Sprintf("Product %s upgraded", subject)
	case NoticeProductRemoved:
		return fmt.Sprintf("Product %s removed", subject)
	default:
		return fmt.Sprintf("%s: %s", notice.Kind, subject)
	}
}

func noticeColor(notice DeploymentNotice) string {
	switch notice.Status {
	case "running":
		return colorGood
	case "failed":
		return colorDanger
	case "partially_running":
		return colorWarning
	default:
		return colorWarning
	}
}
