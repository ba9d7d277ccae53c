package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/jacklau/dispatch/internal/issue"
)

var (
	urlRe        = regexp.MustCompile(`https?://\S+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// normalizeText lowercases, strips URLs, and collapses whitespace so
// that trivial formatting differences hash identically.
func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = urlRe.ReplaceAllString(s, "<url>")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ContentHash computes a stable SHA-256 digest of an issue's normalized
// title, body, and sorted label set.
func ContentHash(iss issue.Issue) string {
	labels := make([]string, len(iss.Labels))
	for i, l := range iss.Labels {
		labels[i] = strings.ToLower(strings.TrimSpace(l))
	}
	sort.Strings(labels)

	content := normalizeText(iss.Title) + "\n" + normalizeText(iss.Body) + "\n" + strings.Join(labels, ",")
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IssueKey returns the identity key for ledger lookups: source repo and
// number when available, else an author plus title-hash fallback for
// issues ingested without a numeric identity.
func IssueKey(iss issue.Issue) string {
	if key := iss.Key(); key != "" {
		return key
	}
	sum := sha256.Sum256([]byte(normalizeText(iss.Title)))
	return iss.Author + "#" + hex.EncodeToString(sum[:8])
}
