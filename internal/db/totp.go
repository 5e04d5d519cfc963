package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TOTPRow is a stored second-factor entry; the base32 secret is sealed.
type TOTPRow struct {
	ID         int64
	Name       string
	Issuer     string
	Ciphertext string
	IV         string
	Algorithm  string
	Digits     int
	Period     int
	CreatedAt  time.Time
}

// InsertTOTP stores a new TOTP entry and returns its id.
func (d *DB) InsertTOTP(ctx context.Context, r TOTPRow) (int64, error) {
	res, err := d.sql.ExecContext(ctx,
		`INSERT INTO totp_entries (name, issuer, ciphertext, iv, algorithm, digits, period, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Issuer, r.Ciphertext, r.IV, r.Algorithm, r.Digits, r.Period, formatTime(r.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert totp entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetch insert id: %w", err)
	}
	return id, nil
}

// GetTOTP returns one entry by id.
func (d *DB) GetTOTP(ctx context.Context, id int64) (TOTPRow, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT id, name, issuer, ciphertext, iv, algorithm, digits, period, created_at
		   FROM totp_entries WHERE id = ?`, id)
	r, err := scanTOTP(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("select totp entry: %w", err)
	}
	return r, nil
}

// ListTOTP returns every entry ordered by issuer and name.
func (d *DB) ListTOTP(ctx context.Context) ([]TOTPRow, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, name, issuer, ciphertext, iv, algorithm, digits, period, created_at
		   FROM totp_entries ORDER BY issuer COLLATE NOCASE, name COLLATE NOCASE, id`)
	if err != nil {
		return nil, fmt.Errorf("select totp entries: %w", err)
	}
	defer rows.Close()

	var out []TOTPRow
	for rows.Next() {
		r, err := scanTOTP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan totp row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate totp rows: %w", err)
	}
	return out, nil
}

// DeleteTOTP removes one entry. It returns sql.ErrNoRows if nothing was deleted.
func (d *DB) DeleteTOTP(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM totp_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete totp entry: %w", err)
	}
	return expectOneRow(res)
}

func scanTOTP(s scanner) (TOTPRow, error) {
	var r TOTPRow
	var created string
	if err := s.Scan(&r.ID, &r.Name, &r.Issuer, &r.Ciphertext, &r.IV, &r.Algorithm, &r.Digits, &r.Period, &created); err != nil {
		return r, err
	}
	var err error
	r.CreatedAt, err = parseTime(created)
	return r, err
}
