package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "ns", "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "vault.db")

	d, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("expected database file to exist at %q: %v", dbPath, err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	for _, table := range []string{"credentials", "totp_entries", "access_rules"} {
		var name string
		err = d.sql.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("query table %s existence: %v", table, err)
		}
	}
}

func TestCredentialCRUD(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := d.InsertCredential(ctx, CredentialRow{
		Title: "mail", Username: "alice", Ciphertext: "ct", IV: "iv", Category: "work", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	got, err := d.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, now.Equal(got.CreatedAt))

	got.Notes = "rotated"
	got.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, d.UpdateCredential(ctx, got))

	list, err := d.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rotated", list[0].Notes)

	require.NoError(t, d.DeleteCredential(ctx, id))
	assert.ErrorIs(t, d.DeleteCredential(ctx, id), sql.ErrNoRows)
	_, err = d.GetCredential(ctx, id)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRulesCascadeWithCredential(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	now := time.Now()

	id, err := d.InsertCredential(ctx, CredentialRow{Title: "bank", Ciphertext: "c", IV: "i", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	require.NoError(t, d.UpsertRule(ctx, RuleRow{CredentialID: id, Enabled: true, Days: "1,2", StartTime: "09:00", EndTime: "17:00", Action: "hide"}))
	require.NoError(t, d.UpsertRule(ctx, RuleRow{CredentialID: id, Enabled: false, Days: "3", StartTime: "10:00", EndTime: "11:00", Action: "hide"}))

	rule, err := d.GetRule(ctx, id)
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
	assert.Equal(t, "3", rule.Days)

	rules, err := d.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, d.DeleteCredential(ctx, id))
	_, err = d.GetRule(ctx, id)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestTOTPEntries(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)

	id, err := d.InsertTOTP(ctx, TOTPRow{Name: "alice", Issuer: "Example", Ciphertext: "c", IV: "i", Algorithm: "SHA256", Digits: 8, Period: 60, CreatedAt: time.Now()})
	require.NoError(t, err)

	got, err := d.GetTOTP(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Digits)
	assert.Equal(t, "SHA256", got.Algorithm)

	list, err := d.ListTOTP(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, d.DeleteTOTP(ctx, id))
	assert.ErrorIs(t, d.DeleteTOTP(ctx, id), sql.ErrNoRows)
}

func TestApplyCipherUpdatesIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	now := time.Now()

	id, err := d.InsertCredential(ctx, CredentialRow{Title: "a", Ciphertext: "old", IV: "old-iv", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	tid, err := d.InsertTOTP(ctx, TOTPRow{Name: "t", Ciphertext: "old", IV: "old-iv", Algorithm: "SHA1", Digits: 6, Period: 30, CreatedAt: now})
	require.NoError(t, err)

	err = d.ApplyCipherUpdates(ctx, []CipherUpdate{
		{Kind: KindCredential, ID: id, Ciphertext: "new", IV: "new-iv"},
		{Kind: KindCredential, ID: id + 100, Ciphertext: "new", IV: "new-iv"},
	})
	require.Error(t, err)

	got, err := d.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "old", got.Ciphertext, "failed batch must not leave partial updates")

	require.NoError(t, d.ApplyCipherUpdates(ctx, []CipherUpdate{
		{Kind: KindCredential, ID: id, Ciphertext: "new", IV: "new-iv"},
		{Kind: KindTOTP, ID: tid, Ciphertext: "new-t", IV: "new-t-iv"},
	}))
	got, err = d.GetCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Ciphertext)
	gotT, err := d.GetTOTP(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, "new-t", gotT.Ciphertext)
}

func TestApplyCipherUpdatesRollsBackOnExecError(t *testing.T) {
	handle, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer handle.Close()

	d := New(handle, "mock")

	mock.ExpectBegin()
	credPrep := mock.ExpectPrepare(`UPDATE credentials SET ciphertext`)
	mock.ExpectPrepare(`UPDATE totp_entries SET ciphertext`)
	credPrep.ExpectExec().WithArgs("c1", "iv1", int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	credPrep.ExpectExec().WithArgs("c2", "iv2", int64(2)).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = d.ApplyCipherUpdates(context.Background(), []CipherUpdate{
		{Kind: KindCredential, ID: 1, Ciphertext: "c1", IV: "iv1"},
		{Kind: KindCredential, ID: 2, Ciphertext: "c2", IV: "iv2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rekey record 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	d := openTemp(t)
	now := time.Now()

	id, err := d.InsertCredential(ctx, CredentialRow{Title: "x", Ciphertext: "c", IV: "i", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, d.UpsertRule(ctx, RuleRow{CredentialID: id, Enabled: true, Days: "1", StartTime: "00:00", EndTime: "23:59", Action: "hide"}))

	require.NoError(t, d.Clear(ctx))
	list, err := d.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
