package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jacklau/dispatch/internal/issue"
)

// SlackNotifier sends routing notifications to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a SlackNotifier with the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

// slackText represents a text object in Slack Block Kit.
type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// slackPayload is the top-level Slack message payload.
type slackPayload struct {
	Blocks []slackBlock `json:"blocks"`
}

func headerText(res issue.RoutingResult) string {
	switch {
	case res.Error != "":
		return "Issue Routing Failed"
	case res.Decision == issue.DecisionBlocked:
		return "Issue Blocked"
	case res.Decision == issue.DecisionBatch || res.Decision == issue.DecisionDeferred:
		return "Issue Queued"
	default:
		return "Issue Routed"
	}
}

func mrkdwnSection(text string) slackBlock {
	return slackBlock{
		Type: "section",
		Text: &slackText{Type: "mrkdwn", Text: text},
	}
}

// BuildSlackPayload creates the Slack Block Kit message payload for a
// routing result.
func BuildSlackPayload(res issue.RoutingResult) slackPayload {
	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: headerText(res)},
		},
		mrkdwnSection(Headline(res)),
	}

	if res.Issue.URL != "" {
		blocks = append(blocks, mrkdwnSection(fmt.Sprintf(":link: Source: <%s|%s>", res.Issue.URL, res.Issue.Key())))
	}

	if res.GitHub.URL != "" {
		blocks = append(blocks, mrkdwnSection(fmt.Sprintf("*Destination:* <%s|#%d>", res.GitHub.URL, res.GitHub.Number)))
	}

	if cls := res.Classification; cls != nil {
		blocks = append(blocks, mrkdwnSection(fmt.Sprintf(
			"*Labels:* %s\n*Priority:* %s\n*Confidence:* %s",
			FormatLabels(cls.Labels), cls.Priority, FormatConfidence(cls.Confidence),
		)))
		if cls.Reasoning != "" {
			blocks = append(blocks, mrkdwnSection(fmt.Sprintf("*Reasoning:*\n%s", cls.Reasoning)))
		}
	}

	if res.Error != "" {
		blocks = append(blocks, mrkdwnSection(fmt.Sprintf("*Error:*\n```%s```", res.Error)))
	}

	return slackPayload{Blocks: blocks}
}

// Notify sends a Slack notification for the given routing result.
// Callers are expected to wrap this with retry logic if needed.
func (s *SlackNotifier) Notify(ctx context.Context, result issue.RoutingResult) error {
	payload := BuildSlackPayload(result)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	return s.post(ctx, body)
}

func (s *SlackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
