package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/provider"
)

// FallbackLabel is appended to the default labels when the classifier
// is unavailable, so a human can find unrouted issues.
const FallbackLabel = "triage-needed"

// Usage reports the request/response size of completed LLM calls so
// the budget meter can account for them. Tokens are estimated from
// character counts (chars/4), not provider-reported.
type Usage struct {
	Calls        int
	InputTokens  int
	OutputTokens int
}

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// Options configures a Classifier.
type Options struct {
	Timeout            time.Duration
	MaxTokens          int
	Temperature        float64
	DefaultDestination string
	DefaultLabels      []string
}

// Classifier uses an LLM completer to route issues to destinations.
type Classifier struct {
	completer provider.Completer
	opts      Options
}

// NewClassifier creates a new Classifier with the given completer.
// A zero timeout defaults to 30 seconds.
func NewClassifier(completer provider.Completer, opts Options) *Classifier {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	return &Classifier{completer: completer, opts: opts}
}

// llmResponse is the expected JSON structure from the LLM.
type llmResponse struct {
	Repository string   `json:"repository"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Labels     []string `json:"labels"`
	Assignees  []string `json:"assignees"`
	Priority   string   `json:"priority"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// codeFenceRe matches markdown code fences around JSON.
var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\\s*```")

// parseResponse parses the LLM's JSON response, stripping markdown fences if present.
func parseResponse(raw string) (*llmResponse, error) {
	cleaned := strings.TrimSpace(raw)

	if matches := codeFenceRe.FindStringSubmatch(cleaned); len(matches) > 1 {
		cleaned = strings.TrimSpace(matches[1])
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrInvalidResponse, err)
	}

	resp.Confidence = issue.Clamp(resp.Confidence)
	return &resp, nil
}

// resolveDestination maps an LLM-returned destination onto the
// candidate list: exact match first, then case-insensitive substring,
// else the configured default.
func resolveDestination(returned string, candidates []string, fallback string) string {
	if returned == "" {
		return fallback
	}
	for _, c := range candidates {
		if c == returned {
			return c
		}
	}
	lower := strings.ToLower(returned)
	for _, c := range candidates {
		cl := strings.ToLower(c)
		if strings.Contains(cl, lower) || strings.Contains(lower, cl) {
			return c
		}
	}
	return fallback
}

const retryPromptSuffix = `

IMPORTANT: You MUST respond with ONLY valid JSON. No markdown, no code fences, no extra text.
Example: {"repository": "owner/repo", "labels": ["bug"], "priority": "medium", "confidence": 0.8, "reasoning": "Bug report for the app"}`

// Fallback returns the classification used when the LLM is
// unavailable or returns garbage: default destination, content
// unchanged, default labels plus the triage marker, minimal confidence.
func (c *Classifier) Fallback(iss issue.Issue) *issue.Classification {
	labels := append([]string(nil), c.opts.DefaultLabels...)
	labels = append(labels, FallbackLabel)
	return &issue.Classification{
		Repository: c.opts.DefaultDestination,
		Title:      iss.Title,
		Body:       iss.Body,
		Labels:     labels,
		Priority:   issue.PriorityMedium,
		Confidence: 0.1,
		Reasoning:  "fallback: classifier unavailable",
	}
}

// Classify routes an issue across all candidate destinations. It never
// returns an error: any provider or parse failure yields the fallback
// classification. Usage reports the calls actually completed.
func (c *Classifier) Classify(ctx context.Context, iss issue.Issue, destinations []config.DestinationConfig, orgContext string) (*issue.Classification, Usage) {
	prompt, err := BuildPrompt(iss, destinations, orgContext)
	if err != nil {
		return c.Fallback(iss), Usage{}
	}

	names := make([]string, len(destinations))
	for i, d := range destinations {
		names[i] = d.Name
	}

	resp, usage := c.completeAndParse(ctx, prompt)
	if resp == nil {
		return c.Fallback(iss), usage
	}

	result := c.fromResponse(iss, resp)
	result.Repository = resolveDestination(resp.Repository, names, c.opts.DefaultDestination)
	return result, usage
}

// Enhance refines a rule-matched classification, restricted to the
// already-chosen destination. Unlike Classify, failures are returned
// to the caller: the router treats them as non-fatal and keeps the
// rule result as-is.
func (c *Classifier) Enhance(ctx context.Context, iss issue.Issue, base *issue.Classification, destLabels []string) (*issue.Classification, Usage, error) {
	prompt, err := BuildEnhancePrompt(iss, base.Repository, destLabels)
	if err != nil {
		return nil, Usage{}, err
	}

	resp, usage := c.completeAndParse(ctx, prompt)
	if resp == nil {
		return nil, usage, fmt.Errorf("enhancing classification: %w", provider.ErrInvalidResponse)
	}

	enhanced := *base
	if resp.Title != "" {
		enhanced.Title = resp.Title
	}
	if len(resp.Labels) > 0 {
		enhanced.Labels = mergeLabels(base.Labels, resp.Labels)
	}
	if resp.Reasoning != "" {
		enhanced.Reasoning = base.Reasoning + "; " + resp.Reasoning
	}
	// The rule owns destination and priority; enhancement never
	// overrides them.
	return &enhanced, usage, nil
}

// completeAndParse runs the prompt with a timeout, retrying once with a
// stricter suffix on parse failure. Returns nil on unrecoverable failure.
func (c *Classifier) completeAndParse(ctx context.Context, prompt string) (*llmResponse, Usage) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var usage Usage

	req := provider.Request{
		Prompt:      prompt,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	}
	raw, err := c.completer.Complete(ctx, req)
	if err != nil {
		return nil, usage
	}
	usage.Calls++
	usage.InputTokens += EstimateTokens(prompt)
	usage.OutputTokens += EstimateTokens(raw)

	resp, err := parseResponse(raw)
	if err == nil {
		return resp, usage
	}

	// Retry once with stricter prompt
	req.Prompt = prompt + retryPromptSuffix
	raw, retryErr := c.completer.Complete(ctx, req)
	if retryErr != nil {
		return nil, usage
	}
	usage.Calls++
	usage.InputTokens += EstimateTokens(req.Prompt)
	usage.OutputTokens += EstimateTokens(raw)

	resp, err = parseResponse(raw)
	if err != nil {
		return nil, usage
	}
	return resp, usage
}

// fromResponse converts a parsed LLM response into a classification,
// keeping original title/body when the LLM omitted them.
func (c *Classifier) fromResponse(iss issue.Issue, resp *llmResponse) *issue.Classification {
	title := resp.Title
	if title == "" {
		title = iss.Title
	}
	body := resp.Body
	if body == "" {
		body = iss.Body
	}

	return &issue.Classification{
		Title:      title,
		Body:       body,
		Labels:     resp.Labels,
		Assignees:  resp.Assignees,
		Priority:   issue.ParsePriority(resp.Priority),
		Confidence: issue.Clamp(resp.Confidence),
		Reasoning:  resp.Reasoning,
	}
}

// mergeLabels unions two label sets, preserving order of first
// occurrence (case-insensitive).
func mergeLabels(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var merged []string
	for _, l := range append(append([]string(nil), a...), b...) {
		key := strings.ToLower(l)
		if !seen[key] {
			seen[key] = true
			merged = append(merged, l)
		}
	}
	return merged
}
