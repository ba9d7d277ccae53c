package issue

import (
	"fmt"
	"strings"
	"time"
)

// Issue is the unit of work flowing through the routing pipeline.
// It is transport-agnostic: the same value is built from GitHub
// webhooks, chat exports, or brain-dump files. Issues are treated as
// immutable once ingested; only classified copies diverge.
type Issue struct {
	Number          int
	Title           string
	Body            string
	URL             string
	Author          string
	Labels          []string
	Assignees       []string
	CreatedAt       time.Time
	ThreadPermalink string
	// SourceRepo is the owner/repo the issue was reported in, when known.
	SourceRepo string
	// Metadata carries opaque source-specific fields (e.g. "channel").
	Metadata map[string]string
}

// Key returns the stable identity used by the duplicate ledger:
// sourceRepo#number when both are known. Empty otherwise; callers fall
// back to an author+title-hash key (see dedup.IssueKey).
func (i Issue) Key() string {
	if i.SourceRepo != "" && i.Number > 0 {
		return fmt.Sprintf("%s#%d", i.SourceRepo, i.Number)
	}
	return ""
}

// HasLabel reports whether the issue carries the given label,
// case-insensitively.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// Channel returns the source-channel metadata field, if present.
func (i Issue) Channel() string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata["channel"]
}
