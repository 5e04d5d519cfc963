package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RuleRow is the stored access rule of one credential. Days is a comma separated list of
// weekday numbers (0 = Sunday).
type RuleRow struct {
	CredentialID int64
	Enabled      bool
	Days         string
	StartTime    string
	EndTime      string
	Action       string
}

// UpsertRule stores the single rule of a credential, replacing any previous one.
func (d *DB) UpsertRule(ctx context.Context, r RuleRow) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO access_rules (credential_id, enabled, days, start_time, end_time, action)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(credential_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   days = excluded.days,
		   start_time = excluded.start_time,
		   end_time = excluded.end_time,
		   action = excluded.action`,
		r.CredentialID, r.Enabled, r.Days, r.StartTime, r.EndTime, r.Action,
	)
	if err != nil {
		return fmt.Errorf("upsert access rule: %w", err)
	}
	return nil
}

// GetRule returns the rule of a credential or sql.ErrNoRows.
func (d *DB) GetRule(ctx context.Context, credentialID int64) (RuleRow, error) {
	var r RuleRow
	err := d.sql.QueryRowContext(ctx,
		`SELECT credential_id, enabled, days, start_time, end_time, action
		   FROM access_rules WHERE credential_id = ?`, credentialID,
	).Scan(&r.CredentialID, &r.Enabled, &r.Days, &r.StartTime, &r.EndTime, &r.Action)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("select access rule: %w", err)
	}
	return r, nil
}

// ListRules returns every stored rule.
func (d *DB) ListRules(ctx context.Context) ([]RuleRow, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT credential_id, enabled, days, start_time, end_time, action FROM access_rules ORDER BY credential_id`)
	if err != nil {
		return nil, fmt.Errorf("select access rules: %w", err)
	}
	defer rows.Close()

	var out []RuleRow
	for rows.Next() {
		var r RuleRow
		if err := rows.Scan(&r.CredentialID, &r.Enabled, &r.Days, &r.StartTime, &r.EndTime, &r.Action); err != nil {
			return nil, fmt.Errorf("scan access rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRule removes the rule of a credential. Deleting a missing rule is not an error.
func (d *DB) DeleteRule(ctx context.Context, credentialID int64) error {
	if _, err := d.sql.ExecContext(ctx, `DELETE FROM access_rules WHERE credential_id = ?`, credentialID); err != nil {
		return fmt.Errorf("delete access rule: %w", err)
	}
	return nil
}
