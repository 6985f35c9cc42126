package notify

import "context"

// MultiNotifier fans one notice out to several notifiers. Every notifier is
// attempted; the first error is returned.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that dispatches to all provided
// notifiers, skipping nil entries.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		filtered = append(filtered, n)
	}
	return &MultiNotifier{notifiers: filtered}
}

// Notify implements Notifier.
func (m *MultiNotifier) Notify(ctx context.Context, notice DeploymentNotice) error {
	var firstErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, notice); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
