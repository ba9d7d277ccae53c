package issue

import "time"

// DuplicateInfo describes the outcome of a duplicate-ledger check.
type DuplicateInfo struct {
	IsDuplicate bool
	Reason      string
	// MatchedKey identifies the ledger record that matched, if any.
	MatchedKey string
	// DestinationNumber is the existing destination issue to update.
	DestinationNumber int
	DestinationURL    string
}

// GitHubOutcome records what happened at the destination repository.
type GitHubOutcome struct {
	Created bool
	Updated bool
	Number  int
	URL     string
	// NodeID is the GraphQL node of the destination issue, used for
	// project-board placement.
	NodeID string
	Error  string
}

// Decision is the admission-control outcome for an issue.
type Decision string

const (
	DecisionImmediate Decision = "immediate"
	DecisionBatch     Decision = "batch"
	DecisionDeferred  Decision = "deferred"
	DecisionBlocked   Decision = "blocked"
)

// RoutingResult is the structured outcome of one router invocation.
// The router never panics or returns errors past its boundary; callers
// build CLI, dashboard, and notification behavior atop this value.
type RoutingResult struct {
	Issue          Issue
	Success        bool
	Classification *Classification
	Duplicate      DuplicateInfo
	Decision       Decision
	GitHub         GitHubOutcome
	BoardItemID    string
	Elapsed        time.Duration
	// Log is the ordered record of pipeline steps for this issue.
	Log []string
	// Error is set when the routing attempt failed; partial results
	// above remain populated so a human can act manually.
	Error string
}

// Event is published by ingestion adapters (e.g. the GitHub poller)
// when an issue is created or meaningfully edited.
type Event struct {
	SourceRepo string
	Issue      Issue
	// Change is "new" or "edited".
	Change string
}
