package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Period kinds stored in the usage ledger.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// UsagePeriod is the running counter for the current daily or monthly
// window. PeriodID identifies the window ("2026-09-01" for daily,
// "2026-09" for monthly).
type UsagePeriod struct {
	Kind         string
	PeriodID     string
	Calls        int
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// GetUsagePeriod retrieves the current counter for a period kind.
// Returns ErrNotFound when no counter exists yet.
func (d *DB) GetUsagePeriod(kind string) (*UsagePeriod, error) {
	row := d.db.QueryRow(`
		SELECT kind, period_id, calls, input_tokens, output_tokens, cost
		FROM usage_periods WHERE kind = ?`, kind)

	var p UsagePeriod
	err := row.Scan(&p.Kind, &p.PeriodID, &p.Calls, &p.InputTokens, &p.OutputTokens, &p.Cost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning usage period: %w", err)
	}
	return &p, nil
}

// PutUsagePeriod inserts or replaces the counter for a period kind.
func (d *DB) PutUsagePeriod(p *UsagePeriod) error {
	_, err := d.db.Exec(`
		INSERT INTO usage_periods (kind, period_id, calls, input_tokens, output_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			period_id = excluded.period_id,
			calls = excluded.calls,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cost = excluded.cost`,
		p.Kind, p.PeriodID, p.Calls, p.InputTokens, p.OutputTokens, p.Cost,
	)
	if err != nil {
		return fmt.Errorf("saving usage period: %w", err)
	}
	return nil
}

// ArchiveUsagePeriod moves a finished counter into the history table,
// then trims the history for that kind down to keep entries.
func (d *DB) ArchiveUsagePeriod(p *UsagePeriod, keep int) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO usage_history (kind, period_id, calls, input_tokens, output_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Kind, p.PeriodID, p.Calls, p.InputTokens, p.OutputTokens, p.Cost,
	)
	if err != nil {
		return fmt.Errorf("archiving usage period: %w", err)
	}

	if keep > 0 {
		_, err = tx.Exec(`
			DELETE FROM usage_history WHERE kind = ? AND id NOT IN (
				SELECT id FROM usage_history WHERE kind = ?
				ORDER BY id DESC LIMIT ?
			)`, p.Kind, p.Kind, keep)
		if err != nil {
			return fmt.Errorf("trimming usage history: %w", err)
		}
	}

	return tx.Commit()
}

// ListUsageHistory returns archived periods for a kind, newest first.
func (d *DB) ListUsageHistory(kind string, limit int) ([]UsagePeriod, error) {
	q := `
		SELECT kind, period_id, calls, input_tokens, output_tokens, cost
		FROM usage_history WHERE kind = ? ORDER BY id DESC`
	args := []any{kind}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing usage history: %w", err)
	}
	defer rows.Close()

	var out []UsagePeriod
	for rows.Next() {
		var p UsagePeriod
		if err := rows.Scan(&p.Kind, &p.PeriodID, &p.Calls, &p.InputTokens, &p.OutputTokens, &p.Cost); err != nil {
			return nil, fmt.Errorf("scanning usage history: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
