package store

import (
	"database/sql"
	"fmt"
	"time"
)

// RoutingLog represents one routing action log entry.
type RoutingLog struct {
	ID          int64
	IssueKey    string
	Destination string
	Action      string
	Decision    string
	Reasoning   string
	Success     bool
	Error       string
	CreatedAt   time.Time
}

// LogRouting inserts a new routing log entry.
func (d *DB) LogRouting(log *RoutingLog) error {
	_, err := d.db.Exec(`
		INSERT INTO routing_log (issue_key, destination, action, decision, reasoning, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.IssueKey, nullStr(log.Destination), log.Action,
		nullStr(log.Decision), nullStr(log.Reasoning),
		boolInt(log.Success), nullStr(log.Error),
	)
	if err != nil {
		return fmt.Errorf("logging routing action: %w", err)
	}
	return nil
}

// GetRoutingLog retrieves routing log entries for an issue key, newest first.
func (d *DB) GetRoutingLog(issueKey string) ([]RoutingLog, error) {
	rows, err := d.db.Query(`
		SELECT id, issue_key, destination, action, decision, reasoning, success, error, created_at
		FROM routing_log WHERE issue_key = ?
		ORDER BY created_at DESC, id DESC`,
		issueKey,
	)
	if err != nil {
		return nil, fmt.Errorf("querying routing log: %w", err)
	}
	defer rows.Close()

	var logs []RoutingLog
	for rows.Next() {
		log, err := scanRoutingLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

// RecentRouting returns the latest routing log entries across all issues.
func (d *DB) RecentRouting(limit int) ([]RoutingLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(`
		SELECT id, issue_key, destination, action, decision, reasoning, success, error, created_at
		FROM routing_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent routing: %w", err)
	}
	defer rows.Close()

	var logs []RoutingLog
	for rows.Next() {
		log, err := scanRoutingLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *log)
	}
	return logs, rows.Err()
}

func scanRoutingLog(rows *sql.Rows) (*RoutingLog, error) {
	var log RoutingLog
	var destination, decision, reasoning, errMsg sql.NullString
	var success int
	var createdAt string

	err := rows.Scan(
		&log.ID, &log.IssueKey, &destination, &log.Action,
		&decision, &reasoning, &success, &errMsg, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning routing log: %w", err)
	}

	log.Destination = destination.String
	log.Decision = decision.String
	log.Reasoning = reasoning.String
	log.Success = success != 0
	log.Error = errMsg.String
	log.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &log, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
