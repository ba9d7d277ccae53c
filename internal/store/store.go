package store

import "time"

// Store defines the storage operations used by the router, the dedup
// engine, and the usage meter. It is satisfied by *DB and can be
// replaced with a mock for testing.
type Store interface {
	// UpsertProcessed inserts or replaces a processed-issue record.
	UpsertProcessed(p *ProcessedIssue) error

	// GetProcessed retrieves a processed-issue record by its key.
	GetProcessed(issueKey string) (*ProcessedIssue, error)

	// GetProcessedByHash retrieves the newest record with the given content hash.
	GetProcessedByHash(contentHash string) (*ProcessedIssue, error)

	// GetProcessedByPermalink retrieves the newest record with the given permalink.
	GetProcessedByPermalink(permalink string) (*ProcessedIssue, error)

	// CountProcessed returns the duplicate ledger size.
	CountProcessed() (int, error)

	// PruneProcessed drops records older than cutoff and trims to maxEntries.
	PruneProcessed(cutoff time.Time, maxEntries int) (int, error)

	// GetUsagePeriod retrieves the current counter for a period kind.
	GetUsagePeriod(kind string) (*UsagePeriod, error)

	// PutUsagePeriod inserts or replaces the counter for a period kind.
	PutUsagePeriod(p *UsagePeriod) error

	// ArchiveUsagePeriod moves a finished counter into history.
	ArchiveUsagePeriod(p *UsagePeriod, keep int) error

	// ListUsageHistory returns archived periods for a kind, newest first.
	ListUsageHistory(kind string, limit int) ([]UsagePeriod, error)

	// LogRouting inserts a new routing log entry.
	LogRouting(log *RoutingLog) error
}

// Compile-time check that *DB satisfies the Store interface.
var _ Store = (*DB)(nil)
