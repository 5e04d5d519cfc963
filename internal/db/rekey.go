package db

import (
	"context"
	"fmt"
)

// RecordKind selects the table a CipherUpdate applies to.
type RecordKind int

const (
	KindCredential RecordKind = iota
	KindTOTP
)

// CipherUpdate replaces the sealed column pair of one record.
type CipherUpdate struct {
	Kind       RecordKind
	ID         int64
	Ciphertext string
	IV         string
}

// ApplyCipherUpdates writes every update in a single transaction: either all rows carry the
// new ciphertexts or none do.
func (d *DB) ApplyCipherUpdates(ctx context.Context, updates []CipherUpdate) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rekey: %w", err)
	}
	defer tx.Rollback()

	credStmt, err := tx.PrepareContext(ctx, `UPDATE credentials SET ciphertext = ?, iv = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare credential rekey: %w", err)
	}
	defer credStmt.Close()

	totpStmt, err := tx.PrepareContext(ctx, `UPDATE totp_entries SET ciphertext = ?, iv = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare totp rekey: %w", err)
	}
	defer totpStmt.Close()

	for _, u := range updates {
		stmt := credStmt
		if u.Kind == KindTOTP {
			stmt = totpStmt
		}
		res, err := stmt.ExecContext(ctx, u.Ciphertext, u.IV, u.ID)
		if err != nil {
			return fmt.Errorf("rekey record %d: %w", u.ID, err)
		}
		if err := expectOneRow(res); err != nil {
			return fmt.Errorf("rekey record %d: %w", u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rekey: %w", err)
	}
	return nil
}
