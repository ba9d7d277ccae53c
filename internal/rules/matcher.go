package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/issue"
)

// ruleMatchConfidence is the fixed confidence assigned to static rule
// matches.
const ruleMatchConfidence = 0.95

// Match evaluates routing rules in declaration order against an issue
// and returns the classification from the first rule whose every
// specified predicate group is satisfied. Returns nil when no rule
// matches. Pure function of its inputs; never errors (rule regexes are
// validated at config load).
func Match(iss issue.Issue, ruleSet []config.Rule) *issue.Classification {
	for _, rule := range ruleSet {
		if matches(iss, rule.When) {
			return classificationFor(iss, rule)
		}
	}
	return nil
}

// matches reports whether every specified predicate group holds.
func matches(iss issue.Issue, when config.RuleWhen) bool {
	if len(when.Keywords) > 0 && !keywordsMatch(iss, when.Keywords) {
		return false
	}
	if when.TitleRegex != "" && !regexMatch(when.TitleRegex, iss.Title) {
		return false
	}
	if when.BodyRegex != "" && !regexMatch(when.BodyRegex, iss.Body) {
		return false
	}
	if len(when.Labels) > 0 && !labelsMatch(iss, when.Labels) {
		return false
	}
	if when.Channel != "" && !channelMatch(iss, when.Channel) {
		return false
	}
	return true
}

// keywordsMatch requires every keyword to appear (case-insensitive
// substring) in the title+body concatenation.
func keywordsMatch(iss issue.Issue, keywords []string) bool {
	haystack := strings.ToLower(iss.Title + "\n" + iss.Body)
	for _, kw := range keywords {
		if !strings.Contains(haystack, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

func regexMatch(pattern, text string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		// Validated at config load; an invalid pattern here means the
		// rule was built programmatically. Treat as non-matching.
		return false
	}
	return re.MatchString(text)
}

// labelsMatch requires every rule label to be present on the issue
// (case-insensitive exact match).
func labelsMatch(iss issue.Issue, labels []string) bool {
	for _, want := range labels {
		if !iss.HasLabel(want) {
			return false
		}
	}
	return true
}

func channelMatch(iss issue.Issue, channel string) bool {
	return strings.Contains(strings.ToLower(iss.Channel()), strings.ToLower(channel))
}

// classificationFor builds the routing decision for a matched rule.
func classificationFor(iss issue.Issue, rule config.Rule) *issue.Classification {
	priority := issue.PriorityMedium
	if rule.Route.Priority != "" {
		priority = issue.ParsePriority(rule.Route.Priority)
	}

	return &issue.Classification{
		Repository:    rule.Route.Repository,
		Title:         iss.Title,
		Body:          iss.Body,
		Labels:        append([]string(nil), rule.Route.Labels...),
		Assignees:     append([]string(nil), rule.Route.Assignees...),
		Priority:      priority,
		Confidence:    ruleMatchConfidence,
		Reasoning:     "matched rule: " + describeWhen(rule),
		ProjectFields: rule.Route.ProjectFields,
	}
}

// describeWhen serializes the matched predicate for the reasoning field.
func describeWhen(rule config.Rule) string {
	var parts []string
	if rule.Name != "" {
		parts = append(parts, rule.Name)
	}
	w := rule.When
	if len(w.Keywords) > 0 {
		parts = append(parts, fmt.Sprintf("keywords=%s", strings.Join(w.Keywords, ",")))
	}
	if w.TitleRegex != "" {
		parts = append(parts, fmt.Sprintf("title=~%s", w.TitleRegex))
	}
	if w.BodyRegex != "" {
		parts = append(parts, fmt.Sprintf("body=~%s", w.BodyRegex))
	}
	if len(w.Labels) > 0 {
		parts = append(parts, fmt.Sprintf("labels=%s", strings.Join(w.Labels, ",")))
	}
	if w.Channel != "" {
		parts = append(parts, fmt.Sprintf("channel=%s", w.Channel))
	}
	return strings.Join(parts, " ")
}
