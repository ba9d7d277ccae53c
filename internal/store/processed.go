package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: not found")

// ProcessedIssue is one entry in the duplicate ledger: an issue the
// router has already handled, keyed by its source identity.
type ProcessedIssue struct {
	IssueKey          string
	SourceRepo        string
	Number            int
	ContentHash       string
	ContentLength     int
	Permalink         string
	Destination       string
	DestinationNumber int
	DestinationURL    string
	Labels            []string
	Priority          string
	Confidence        float64
	ProcessedAt       time.Time
	LastEditedAt      *time.Time
	EditCount         int
	APICalls          int
	Outcome           string
}

// UpsertProcessed inserts or replaces a processed-issue record.
func (d *DB) UpsertProcessed(p *ProcessedIssue) error {
	var lastEdited sql.NullString
	if p.LastEditedAt != nil {
		lastEdited = sql.NullString{String: p.LastEditedAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := d.db.Exec(`
		INSERT INTO processed_issues (
			issue_key, source_repo, number, content_hash, content_length,
			permalink, destination, destination_number, destination_url,
			labels, priority, confidence, processed_at, last_edited_at,
			edit_count, api_calls, outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			content_hash = excluded.content_hash,
			content_length = excluded.content_length,
			permalink = excluded.permalink,
			destination = excluded.destination,
			destination_number = excluded.destination_number,
			destination_url = excluded.destination_url,
			labels = excluded.labels,
			priority = excluded.priority,
			confidence = excluded.confidence,
			processed_at = excluded.processed_at,
			last_edited_at = excluded.last_edited_at,
			edit_count = excluded.edit_count,
			api_calls = excluded.api_calls,
			outcome = excluded.outcome`,
		p.IssueKey, nullStr(p.SourceRepo), p.Number, p.ContentHash,
		p.ContentLength,
		nullStr(p.Permalink), nullStr(p.Destination), p.DestinationNumber,
		nullStr(p.DestinationURL), nullStr(joinLabels(p.Labels)),
		nullStr(p.Priority), p.Confidence,
		p.ProcessedAt.UTC().Format(time.RFC3339), lastEdited,
		p.EditCount, p.APICalls, p.Outcome,
	)
	if err != nil {
		return fmt.Errorf("upserting processed issue: %w", err)
	}
	return nil
}

// GetProcessed retrieves a processed-issue record by its key.
func (d *DB) GetProcessed(issueKey string) (*ProcessedIssue, error) {
	row := d.db.QueryRow(processedSelect+` WHERE issue_key = ?`, issueKey)
	return scanProcessed(row)
}

// GetProcessedByHash retrieves the most recently processed issue with
// the given content hash, if any.
func (d *DB) GetProcessedByHash(contentHash string) (*ProcessedIssue, error) {
	row := d.db.QueryRow(
		processedSelect+` WHERE content_hash = ? ORDER BY processed_at DESC LIMIT 1`,
		contentHash,
	)
	return scanProcessed(row)
}

// GetProcessedByPermalink retrieves the most recently processed issue
// with the given thread permalink, if any.
func (d *DB) GetProcessedByPermalink(permalink string) (*ProcessedIssue, error) {
	if permalink == "" {
		return nil, ErrNotFound
	}
	row := d.db.QueryRow(
		processedSelect+` WHERE permalink = ? ORDER BY processed_at DESC LIMIT 1`,
		permalink,
	)
	return scanProcessed(row)
}

// ListProcessed returns processed issues ordered newest first, up to limit.
// A limit of 0 returns everything.
func (d *DB) ListProcessed(limit int) ([]ProcessedIssue, error) {
	q := processedSelect + ` ORDER BY processed_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing processed issues: %w", err)
	}
	defer rows.Close()

	var out []ProcessedIssue
	for rows.Next() {
		p, err := scanProcessedRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountProcessed returns the number of entries in the duplicate ledger.
func (d *DB) CountProcessed() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM processed_issues`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting processed issues: %w", err)
	}
	return n, nil
}

// PruneProcessed removes entries older than cutoff, then trims the
// ledger down to maxEntries by dropping the oldest records. Returns
// the number of rows removed.
func (d *DB) PruneProcessed(cutoff time.Time, maxEntries int) (int, error) {
	res, err := d.db.Exec(
		`DELETE FROM processed_issues WHERE processed_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning processed issues by age: %w", err)
	}
	removed, _ := res.RowsAffected()

	if maxEntries > 0 {
		res, err = d.db.Exec(`
			DELETE FROM processed_issues WHERE issue_key NOT IN (
				SELECT issue_key FROM processed_issues
				ORDER BY processed_at DESC LIMIT ?
			)`, maxEntries)
		if err != nil {
			return int(removed), fmt.Errorf("pruning processed issues by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return int(removed), nil
}

const processedSelect = `
	SELECT issue_key, source_repo, number, content_hash, content_length,
	       permalink, destination, destination_number, destination_url,
	       labels, priority, confidence, processed_at, last_edited_at,
	       edit_count, api_calls, outcome
	FROM processed_issues`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcessed(row *sql.Row) (*ProcessedIssue, error) {
	p, err := scanProcessedFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanProcessedRows(rows *sql.Rows) (*ProcessedIssue, error) {
	return scanProcessedFrom(rows)
}

func scanProcessedFrom(s rowScanner) (*ProcessedIssue, error) {
	var p ProcessedIssue
	var sourceRepo, permalink, destination, destURL, labels, priority, lastEdited sql.NullString
	var processedAt string

	err := s.Scan(
		&p.IssueKey, &sourceRepo, &p.Number, &p.ContentHash, &p.ContentLength,
		&permalink, &destination, &p.DestinationNumber, &destURL, &labels,
		&priority, &p.Confidence, &processedAt, &lastEdited, &p.EditCount,
		&p.APICalls, &p.Outcome,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning processed issue: %w", err)
	}

	p.SourceRepo = sourceRepo.String
	p.Permalink = permalink.String
	p.Destination = destination.String
	p.DestinationURL = destURL.String
	p.Labels = splitLabels(labels.String)
	p.Priority = priority.String
	p.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt)
	if lastEdited.Valid {
		t, _ := time.Parse(time.RFC3339, lastEdited.String)
		p.LastEditedAt = &t
	}

	return &p, nil
}

func joinLabels(labels []string) string {
	return strings.Join(labels, ",")
}

func splitLabels(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
