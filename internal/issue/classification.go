package issue

// Priority is the routing priority assigned to an issue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority coerces a free-form priority string to one of the four
// allowed values. Anything unrecognized becomes medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Classification is the routing decision for one issue. It is produced
// once per routing attempt and never mutated; re-classification yields
// a new value.
type Classification struct {
	// Repository is the destination in owner/repo form.
	Repository string
	// Title and Body may be lightly rewritten by the classifier.
	Title      string
	Body       string
	Labels     []string
	Assignees  []string
	Priority   Priority
	Confidence float64
	Reasoning  string
	// ProjectFields maps destination project-board field names to values.
	ProjectFields map[string]string
}

// Clamp returns confidence bounded to [0, 1].
func Clamp(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
