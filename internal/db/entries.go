package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialRow is a credential as stored: metadata in clear, password as ciphertext + iv.
type CredentialRow struct {
	ID         int64
	Title      string
	Username   string
	Ciphertext string
	IV         string
	Category   string
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InsertCredential stores a new credential row and returns its database ID.
func (d *DB) InsertCredential(ctx context.Context, r CredentialRow) (int64, error) {
	res, err := d.sql.ExecContext(ctx,
		`INSERT INTO credentials (title, username, ciphertext, iv, category, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Username, r.Ciphertext, r.IV, r.Category, r.Notes, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert credential: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("fetch insert id: %w", err)
	}
	return id, nil
}

// UpdateCredential rewrites every mutable column of an existing credential.
// It returns sql.ErrNoRows if the id does not exist.
func (d *DB) UpdateCredential(ctx context.Context, r CredentialRow) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE credentials
		    SET title = ?, username = ?, ciphertext = ?, iv = ?, category = ?, notes = ?, updated_at = ?
		  WHERE id = ?`,
		r.Title, r.Username, r.Ciphertext, r.IV, r.Category, r.Notes, formatTime(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return expectOneRow(res)
}

// DeleteCredential removes a credential and its access rule.
// It returns sql.ErrNoRows if nothing was deleted.
func (d *DB) DeleteCredential(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return expectOneRow(res)
}

// GetCredential returns a single credential by id.
func (d *DB) GetCredential(ctx context.Context, id int64) (CredentialRow, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT id, title, username, ciphertext, iv, category, notes, created_at, updated_at
		   FROM credentials WHERE id = ?`, id)
	r, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("select credential: %w", err)
	}
	return r, nil
}

// ListCredentials returns all credentials ordered by title.
func (d *DB) ListCredentials(ctx context.Context) ([]CredentialRow, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, title, username, ciphertext, iv, category, notes, created_at, updated_at
		   FROM credentials ORDER BY title COLLATE NOCASE, id`)
	if err != nil {
		return nil, fmt.Errorf("select credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialRow
	for rows.Next() {
		r, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (CredentialRow, error) {
	var r CredentialRow
	var created, updated string
	if err := s.Scan(&r.ID, &r.Title, &r.Username, &r.Ciphertext, &r.IV, &r.Category, &r.Notes, &created, &updated); err != nil {
		return r, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, err
	}
	return r, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
