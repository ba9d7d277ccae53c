package notify

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jacklau/dispatch/internal/issue"
)

// Headline summarizes a routing result in one line.
func Headline(res issue.RoutingResult) string {
	source := res.Issue.Key()
	if source == "" {
		source = res.Issue.Title
	}

	switch {
	case res.Error != "":
		return fmt.Sprintf("Routing failed for %s: %s", source, res.Error)
	case res.Decision == issue.DecisionBlocked:
		return fmt.Sprintf("%s blocked by budget limits", source)
	case res.Decision == issue.DecisionBatch || res.Decision == issue.DecisionDeferred:
		return fmt.Sprintf("%s queued (%s)", source, res.Decision)
	case res.GitHub.Updated:
		return fmt.Sprintf("%s merged into existing issue #%d (%s)", source, res.GitHub.Number, res.Duplicate.Reason)
	case res.GitHub.Created && res.Classification != nil:
		return fmt.Sprintf("%s routed to %s#%d", source, res.Classification.Repository, res.GitHub.Number)
	case res.Duplicate.IsDuplicate:
		return fmt.Sprintf("%s skipped, duplicate of %s", source, res.Duplicate.MatchedKey)
	default:
		return fmt.Sprintf("%s processed", source)
	}
}

// FormatLabels formats label names as a readable string.
// Example: "`bug`, `crash`"
func FormatLabels(labels []string) string {
	if len(labels) == 0 {
		return "None"
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("`%s`", l)
	}
	return strings.Join(parts, ", ")
}

// FormatConfidence renders a confidence fraction as a percentage.
func FormatConfidence(confidence float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(confidence*100)))
}

// TimeAgo returns a human-readable relative time string.
func TimeAgo(t time.Time) string {
	d := time.Since(t)

	switch {
	case d < time.Minute:
		secs := int(d.Seconds())
		if secs <= 1 {
			return "just now"
		}
		return fmt.Sprintf("%d sec ago", secs)
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min ago"
		}
		return fmt.Sprintf("%d min ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}
