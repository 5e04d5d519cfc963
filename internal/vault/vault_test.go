package vault

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hussein-Mazeh/duressvault/internal/db"
	"github.com/Hussein-Mazeh/duressvault/internal/totp"
	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

const (
	masterA = "correct horse battery staple"
	masterB = "another vault, another key"
)

func newRegistry(t *testing.T, open Opener) *Registry {
	t.Helper()
	reg, err := NewRegistry(store.Paths{Dir: t.TempDir()}, krypto.DefaultArgon2Params(), open)
	require.NoError(t, err)
	return reg
}

func newUnlocked(t *testing.T, open Opener) *Session {
	t.Helper()
	s := NewSession(newRegistry(t, open))
	require.NoError(t, s.SetMaster(context.Background(), DefaultVaultID, masterA))
	t.Cleanup(func() { s.Lock() })
	return s
}

func addCredentials(t *testing.T, s *Session, n int) []int64 {
	t.Helper()
	var ids []int64
	require.NoError(t, s.With(func(ns Namespace, key *krypto.SessionKey) error {
		for i := 0; i < n; i++ {
			c, err := SealCredential(PlainCredential{
				Title:    "site",
				Username: "user",
				Password: "secret-" + string(rune('a'+i)),
			}, key)
			if err != nil {
				return err
			}
			id, err := ns.InsertCredential(context.Background(), c.Row())
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	}))
	return ids
}

func readAll(t *testing.T, s *Session) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.With(func(ns Namespace, key *krypto.SessionKey) error {
		rows, err := ns.ListCredentials(context.Background())
		if err != nil {
			return err
		}
		for _, r := range rows {
			pw, err := OpenCredential(CredentialFromRow(r), key)
			if err != nil {
				return err
			}
			out = append(out, pw)
		}
		return nil
	}))
	return out
}

func TestRegistryDefaultsAndNavigation(t *testing.T) {
	reg := newRegistry(t, nil)

	vaults := reg.Vaults()
	require.Len(t, vaults, 1)
	assert.Equal(t, DefaultVaultID, vaults[0].ID)
	assert.True(t, vaults[0].IsDefault)
	assert.Equal(t, DefaultVaultID, reg.Current().ID)

	next, err := reg.Adjacent(DefaultVaultID, 1)
	require.NoError(t, err)
	assert.Equal(t, DefaultVaultID, next.ID, "a single vault is its own neighbour")

	work, err := reg.CreateVault("Work")
	require.NoError(t, err)
	travel, err := reg.CreateVault("Travel")
	require.NoError(t, err)
	assert.Equal(t, palette[1], work.ColorTag)
	assert.Equal(t, palette[2], travel.ColorTag)
	assert.NotEqual(t, work.ID, travel.ID)
	assert.FileExists(t, reg.Paths().DatabasePath(work.ID))

	next, err = reg.Adjacent(travel.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, DefaultVaultID, next.ID)
	prev, err := reg.Adjacent(DefaultVaultID, -1)
	require.NoError(t, err)
	assert.Equal(t, travel.ID, prev.ID)

	_, err = reg.Adjacent("missing", 1)
	assert.ErrorIs(t, err, ErrVaultNotFound)

	reloaded, err := NewRegistry(reg.Paths(), reg.Params(), nil)
	require.NoError(t, err)
	assert.Len(t, reloaded.Vaults(), 3)
}

func TestDeleteVault(t *testing.T) {
	s := newUnlocked(t, nil)
	reg := s.Registry()
	ctx := context.Background()

	err := reg.DeleteVault(ctx, DefaultVaultID)
	assert.ErrorIs(t, err, ErrDefaultVaultDeletion)
	assert.FileExists(t, reg.Paths().HeaderPath(DefaultVaultID), "refused before any destruction")

	work, err := reg.CreateVault("Work")
	require.NoError(t, err)
	require.NoError(t, s.SetMaster(ctx, work.ID, masterB))
	assert.Equal(t, work.ID, reg.Current().ID)
	require.NoError(t, s.Lock())

	require.NoError(t, reg.DeleteVault(ctx, work.ID))
	_, err = os.Stat(reg.Paths().VaultDir(work.ID))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, DefaultVaultID, reg.Current().ID)
	_, err = reg.Get(work.ID)
	assert.ErrorIs(t, err, ErrVaultNotFound)
}

func TestWipeAllKeepsFilesOutsideVaults(t *testing.T) {
	s := newUnlocked(t, nil)
	reg := s.Registry()
	addCredentials(t, s, 2)
	_, err := reg.CreateVault("Work")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(reg.Paths().DuressPath(), []byte("log"), 0o600))
	require.NoError(t, s.Lock())

	require.NoError(t, reg.WipeAll(context.Background()))

	vaults := reg.Vaults()
	require.Len(t, vaults, 1)
	assert.Equal(t, DefaultVaultID, vaults[0].ID)
	hdr, err := reg.Header(DefaultVaultID)
	require.NoError(t, err)
	assert.False(t, hdr.Initialised())
	assert.FileExists(t, reg.Paths().DuressPath())
}

func TestAcquireIsExclusivePerVault(t *testing.T) {
	reg := newRegistry(t, nil)

	release, err := reg.Acquire(context.Background(), "a")
	require.NoError(t, err)

	other, err := reg.Acquire(context.Background(), "b")
	require.NoError(t, err)
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := reg.Acquire(context.Background(), "a")
	require.NoError(t, err)
	again()
}

func TestSessionHoldsOneKey(t *testing.T) {
	ctx := context.Background()
	s := newUnlocked(t, nil)
	reg := s.Registry()
	addCredentials(t, s, 1)

	keyA, err := s.Key()
	require.NoError(t, err)
	var sealedA Credential
	require.NoError(t, s.With(func(ns Namespace, _ *krypto.SessionKey) error {
		rows, err := ns.ListCredentials(ctx)
		sealedA = CredentialFromRow(rows[0])
		return err
	}))

	work, err := reg.CreateVault("Work")
	require.NoError(t, err)
	require.NoError(t, s.SetMaster(ctx, work.ID, masterB))
	assert.Equal(t, work.ID, s.VaultID())

	_, err = OpenCredential(sealedA, keyA)
	assert.ErrorIs(t, err, krypto.ErrKeyDestroyed, "switching drops the previous key")

	keyB, err := s.Key()
	require.NoError(t, err)
	_, err = OpenCredential(sealedA, keyB)
	assert.ErrorIs(t, err, krypto.ErrAuthentication, "vault keys are isolated")

	err = s.Switch(ctx, DefaultVaultID, masterB)
	assert.ErrorIs(t, err, ErrWrongPassword)
	assert.False(t, s.IsUnlocked())
	assert.ErrorIs(t, s.With(func(Namespace, *krypto.SessionKey) error { return nil }), ErrLocked)

	assert.ErrorIs(t, s.Switch(ctx, "missing", masterA), ErrVaultNotFound)

	require.NoError(t, s.Switch(ctx, DefaultVaultID, masterA))
	assert.Equal(t, []string{"secret-a"}, readAll(t, s))
	assert.Equal(t, DefaultVaultID, reg.Current().ID)

	assert.ErrorIs(t, s.SetMaster(ctx, DefaultVaultID, masterB), ErrAlreadyInitialised)

	ok, err := s.VerifyMaster(work.ID, masterB)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCredentialCodec(t *testing.T) {
	s := newUnlocked(t, nil)
	key, err := s.Key()
	require.NoError(t, err)

	c, err := SealCredential(PlainCredential{Title: " mail ", Username: "alice", Password: "pw", Category: "work", Notes: "n"}, key)
	require.NoError(t, err)
	assert.Equal(t, "mail", c.Title)
	assert.Equal(t, "alice", c.Username)
	assert.False(t, c.CreatedAt.IsZero())

	pw, err := OpenCredential(c, key)
	require.NoError(t, err)
	assert.Equal(t, "pw", pw)

	round := CredentialFromRow(c.Row())
	assert.Equal(t, c, round)

	_, err = SealCredential(PlainCredential{Title: "x"}, key)
	assert.Error(t, err)
	_, err = SealCredential(PlainCredential{Password: "x"}, key)
	assert.Error(t, err)

	row, err := SealTOTP(totp.Entry{Name: "bob", Secret: "GEZDGNBVGY3TQOJQ"}, key)
	require.NoError(t, err)
	assert.Equal(t, "SHA1", row.Algorithm)
	entry, err := OpenTOTP(row, key)
	require.NoError(t, err)
	assert.Equal(t, "GEZDGNBVGY3TQOJQ", entry.Secret)
	assert.Equal(t, 6, entry.Digits)

	row, err = SealTOTP(totp.Entry{Name: "carol", Secret: "GEZDGNBVGY3TQOJQ", Algorithm: "sha-256"}, key)
	require.NoError(t, err)
	assert.Equal(t, "SHA256", row.Algorithm)
}

func TestRotateReSealsEverything(t *testing.T) {
	ctx := context.Background()
	s := newUnlocked(t, nil)
	addCredentials(t, s, 3)
	require.NoError(t, s.With(func(ns Namespace, key *krypto.SessionKey) error {
		row, err := SealTOTP(totp.Entry{Name: "bob", Secret: "GEZDGNBVGY3TQOJQ"}, key)
		if err != nil {
			return err
		}
		_, err = ns.InsertTOTP(ctx, row)
		return err
	}))

	assert.ErrorIs(t, s.Rotate(ctx, "not the password", masterB), ErrWrongPassword)

	require.NoError(t, s.Rotate(ctx, masterA, masterB))
	assert.Equal(t, []string{"secret-a", "secret-b", "secret-c"}, readAll(t, s))

	require.NoError(t, s.Lock())
	assert.ErrorIs(t, s.Unlock(ctx, DefaultVaultID, masterA), ErrWrongPassword)
	require.NoError(t, s.Unlock(ctx, DefaultVaultID, masterB))
	assert.Equal(t, []string{"secret-a", "secret-b", "secret-c"}, readAll(t, s))

	require.NoError(t, s.With(func(ns Namespace, key *krypto.SessionKey) error {
		rows, err := ns.ListTOTP(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		e, err := OpenTOTP(rows[0], key)
		require.NoError(t, err)
		assert.Equal(t, "GEZDGNBVGY3TQOJQ", e.Secret)
		return nil
	}))
}

func assertOriginalKeyIntact(t *testing.T, s *Session, want []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Lock())
	assert.ErrorIs(t, s.Unlock(ctx, DefaultVaultID, masterB), ErrWrongPassword)
	require.NoError(t, s.Unlock(ctx, DefaultVaultID, masterA))
	assert.Equal(t, want, readAll(t, s))
}

func TestRotateSealFailureRollsBack(t *testing.T) {
	s := newUnlocked(t, nil)
	addCredentials(t, s, 5)

	calls := 0
	s.seal = func(pt, key []byte) (krypto.Blob, error) {
		calls++
		if calls == 3 {
			return krypto.Blob{}, errors.New("entropy source failed")
		}
		return krypto.Encrypt(pt, key)
	}

	err := s.Rotate(context.Background(), masterA, masterB)
	var aborted *RotationAbortedError
	require.True(t, errors.As(err, &aborted))
	assert.ErrorContains(t, err, "entropy source failed")

	s.seal = nil
	assertOriginalKeyIntact(t, s, []string{"secret-a", "secret-b", "secret-c", "secret-d", "secret-e"})
}

// partialNamespace applies cipher updates one row at a time, like a store without
// transactions, and fails the first batch at row failAt.
type partialNamespace struct {
	Namespace
	failAt  int
	batches int
}

func (p *partialNamespace) ApplyCipherUpdates(ctx context.Context, updates []db.CipherUpdate) error {
	p.batches++
	for i, u := range updates {
		if p.batches == 1 && i+1 == p.failAt {
			return errors.New("disk full")
		}
		if err := p.Namespace.ApplyCipherUpdates(ctx, []db.CipherUpdate{u}); err != nil {
			return err
		}
	}
	return nil
}

func TestRotateCommitFailureRestoresOriginals(t *testing.T) {
	var partial *partialNamespace
	open := func(path string) (Namespace, error) {
		ns, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		partial = &partialNamespace{Namespace: ns, failAt: 4}
		return partial, nil
	}
	s := newUnlocked(t, open)
	addCredentials(t, s, 6)

	err := s.Rotate(context.Background(), masterA, masterB)
	var aborted *RotationAbortedError
	require.True(t, errors.As(err, &aborted))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 2, partial.batches, "staged commit then restore")

	assertOriginalKeyIntact(t, s, []string{"secret-a", "secret-b", "secret-c", "secret-d", "secret-e", "secret-f"})
}

func TestRotateCancelledRollsBack(t *testing.T) {
	s := newUnlocked(t, nil)
	addCredentials(t, s, 3)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s.seal = func(pt, key []byte) (krypto.Blob, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return krypto.Encrypt(pt, key)
	}

	err := s.Rotate(ctx, masterA, masterB)
	var aborted *RotationAbortedError
	require.True(t, errors.As(err, &aborted))
	assert.ErrorIs(t, err, context.Canceled)

	s.seal = nil
	assertOriginalKeyIntact(t, s, []string{"secret-a", "secret-b", "secret-c"})
}
