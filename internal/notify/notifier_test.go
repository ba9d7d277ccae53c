package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/issue"
)

// mockNotifier is a test implementation of Notifier.
type mockNotifier struct {
	called bool
	err    error
}

func (m *mockNotifier) Notify(ctx context.Context, result issue.RoutingResult) error {
	m.called = true
	return m.err
}

func routedResult() issue.RoutingResult {
	return issue.RoutingResult{
		Issue: issue.Issue{
			Number:     5,
			Title:      "Sync requests time out",
			URL:        "https://github.com/org/inbox/issues/5",
			SourceRepo: "org/inbox",
		},
		Success:  true,
		Decision: issue.DecisionImmediate,
		Classification: &issue.Classification{
			Repository: "org/backend",
			Labels:     []string{"bug", "api"},
			Priority:   issue.PriorityHigh,
			Confidence: 0.85,
			Reasoning:  "backend timeout symptoms",
		},
		GitHub: issue.GitHubOutcome{
			Created: true,
			Number:  42,
			URL:     "https://github.com/org/backend/issues/42",
		},
	}
}

func TestMultiNotifier_NotifyAll(t *testing.T) {
	n1 := &mockNotifier{}
	n2 := &mockNotifier{}

	multi := NewMultiNotifier(n1, n2)

	err := multi.Notify(context.Background(), routedResult())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n1.called {
		t.Error("expected first notifier to be called")
	}
	if !n2.called {
		t.Error("expected second notifier to be called")
	}
}

func TestMultiNotifier_ContinuesOnError(t *testing.T) {
	n1 := &mockNotifier{err: errors.New("n1 failed")}
	n2 := &mockNotifier{}

	multi := NewMultiNotifier(n1, n2)

	err := multi.Notify(context.Background(), routedResult())
	if err == nil {
		t.Fatal("expected error from failing notifier")
	}
	if !n1.called {
		t.Error("expected first notifier to be called")
	}
	if !n2.called {
		t.Error("expected second notifier to be called despite first failing")
	}
}

func TestMultiNotifier_ReturnsLastError(t *testing.T) {
	n1 := &mockNotifier{err: errors.New("n1 failed")}
	n2 := &mockNotifier{err: errors.New("n2 failed")}

	multi := NewMultiNotifier(n1, n2)

	err := multi.Notify(context.Background(), issue.RoutingResult{})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "n2 failed" {
		t.Errorf("expected last error 'n2 failed', got %q", err.Error())
	}
}

func TestFromConfig_Slack(t *testing.T) {
	n := FromConfig(config.NotifyConfig{SlackWebhook: "https://hooks.slack.com/test"})
	if _, ok := n.(*SlackNotifier); !ok {
		t.Errorf("expected *SlackNotifier, got %T", n)
	}
}

func TestFromConfig_Discord(t *testing.T) {
	n := FromConfig(config.NotifyConfig{DiscordWebhook: "https://discord.com/api/webhooks/test"})
	if _, ok := n.(*DiscordNotifier); !ok {
		t.Errorf("expected *DiscordNotifier, got %T", n)
	}
}

func TestFromConfig_Both(t *testing.T) {
	n := FromConfig(config.NotifyConfig{
		SlackWebhook:   "https://hooks.slack.com/test",
		DiscordWebhook: "https://discord.com/api/webhooks/test",
	})
	multi, ok := n.(*MultiNotifier)
	if !ok {
		t.Fatalf("expected *MultiNotifier, got %T", n)
	}
	if len(multi.notifiers) != 2 {
		t.Errorf("expected 2 notifiers, got %d", len(multi.notifiers))
	}
}

func TestFromConfig_None(t *testing.T) {
	if n := FromConfig(config.NotifyConfig{}); n != nil {
		t.Errorf("expected nil notifier, got %T", n)
	}
}
