package notify

import (
	"context"
	"log"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/issue"
)

// Notifier sends notifications about routing results.
type Notifier interface {
	Notify(ctx context.Context, result issue.RoutingResult) error
}

// MultiNotifier sends notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a MultiNotifier from the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify sends the routing result to all configured notifiers.
// It logs errors from individual notifiers but continues to the rest.
// Returns the last error encountered, if any.
func (m *MultiNotifier) Notify(ctx context.Context, result issue.RoutingResult) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, result); err != nil {
			log.Printf("notifier error: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// FromConfig builds a notifier from the configured webhook URLs.
// Returns nil when no webhook is configured.
func FromConfig(cfg config.NotifyConfig) Notifier {
	var notifiers []Notifier
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook))
	}
	if cfg.DiscordWebhook != "" {
		notifiers = append(notifiers, NewDiscordNotifier(cfg.DiscordWebhook))
	}

	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return NewMultiNotifier(notifiers...)
	}
}
