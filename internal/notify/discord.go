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

// Embed colors: green for routed, amber for queued or blocked, red for
// failures.
const (
	colorRouted = 3066993
	colorQueued = 15105570
	colorFailed = 15158332
)

// DiscordNotifier sends routing notifications to a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a DiscordNotifier with the given webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// discordEmbed represents a Discord embed object.
type discordEmbed struct {
	Title  string         `json:"title"`
	URL    string         `json:"url,omitempty"`
	Color  int            `json:"color"`
	Fields []discordField `json:"fields"`
	Footer *discordFooter `json:"footer,omitempty"`
}

// discordField represents a field in a Discord embed.
type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// discordFooter represents the footer of a Discord embed.
type discordFooter struct {
	Text string `json:"text"`
}

// discordPayload is the top-level Discord webhook payload.
type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

func embedColor(res issue.RoutingResult) int {
	switch {
	case res.Error != "":
		return colorFailed
	case res.Decision == issue.DecisionBlocked,
		res.Decision == issue.DecisionBatch,
		res.Decision == issue.DecisionDeferred:
		return colorQueued
	default:
		return colorRouted
	}
}

// BuildDiscordPayload creates the Discord embed message payload for a
// routing result.
func BuildDiscordPayload(res issue.RoutingResult) discordPayload {
	fields := []discordField{
		{Name: "Decision", Value: string(res.Decision), Inline: true},
	}

	if cls := res.Classification; cls != nil {
		fields = append(fields,
			discordField{Name: "Destination", Value: cls.Repository, Inline: true},
			discordField{Name: "Priority", Value: string(cls.Priority), Inline: true},
			discordField{Name: "Labels", Value: FormatLabels(cls.Labels), Inline: false},
		)
	}

	if res.Duplicate.IsDuplicate {
		fields = append(fields, discordField{
			Name:   "Duplicate",
			Value:  fmt.Sprintf("%s (matched %s)", res.Duplicate.Reason, res.Duplicate.MatchedKey),
			Inline: false,
		})
	}

	if res.Error != "" {
		fields = append(fields, discordField{Name: "Error", Value: res.Error, Inline: false})
	}

	embed := discordEmbed{
		Title:  Headline(res),
		URL:    res.GitHub.URL,
		Color:  embedColor(res),
		Fields: fields,
		Footer: &discordFooter{
			Text: fmt.Sprintf("dispatch - %s", res.Issue.SourceRepo),
		},
	}

	return discordPayload{
		Embeds: []discordEmbed{embed},
	}
}

// Notify sends a Discord notification for the given routing result.
// Callers are expected to wrap this with retry logic if needed.
func (d *DiscordNotifier) Notify(ctx context.Context, result issue.RoutingResult) error {
	payload := BuildDiscordPayload(result)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	return d.post(ctx, body)
}

func (d *DiscordNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
