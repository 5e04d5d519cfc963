package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/duressvault/internal/db"
	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

// RotationAbortedError reports a master password change that was rolled back. Every record is
// still sealed under the original key and the original password still unlocks the vault.
type RotationAbortedError struct {
	Cause error
}

func (e *RotationAbortedError) Error() string {
	return fmt.Sprintf("master password rotation aborted: %v", e.Cause)
}

func (e *RotationAbortedError) Unwrap() error { return e.Cause }

// Rotate changes the master password of the unlocked vault and re-seals every credential
// password and TOTP secret under the new key.
//
// Behavior:
//  1. Verifies oldPassword and derives the new verifier and key from a fresh salt.
//  2. Decrypts every record under the old key and stages its new ciphertext in memory.
//  3. Commits all staged ciphertexts in one namespace call.
//  4. Replaces the stored verifier, then swaps the session key.
//
// Any failure or cancellation in steps 2-4 restores the original ciphertexts and returns a
// *RotationAbortedError. A wrong oldPassword returns ErrWrongPassword and touches nothing.
func (s *Session) Rotate(ctx context.Context, oldPassword, newPassword string) error {
	if newPassword == "" {
		return errors.New("new master password cannot be empty")
	}

	id := s.VaultID()
	if id == "" {
		return ErrLocked
	}
	release, err := s.reg.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil || s.vaultID != id {
		return ErrLocked
	}
	ns := s.ns

	hdr, err := s.reg.Header(id)
	if err != nil {
		return err
	}
	oldKey, ok, err := s.verify(id, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}
	defer krypto.Wipe(oldKey)

	params := s.reg.Params()
	npw := []byte(newPassword)
	defer krypto.Wipe(npw)
	newSalt, newKeys, err := krypto.CreateVerifier(npw, params)
	if err != nil {
		return &RotationAbortedError{Cause: fmt.Errorf("derive new key: %w", err)}
	}
	defer newKeys.Wipe()

	staged, originals, err := s.stage(ctx, ns, oldKey, newKeys.Encryption)
	if err != nil {
		return &RotationAbortedError{Cause: err}
	}

	if err := ns.ApplyCipherUpdates(ctx, staged); err != nil {
		return s.rollback(ctx, ns, originals, fmt.Errorf("commit re-sealed records: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return s.rollback(ctx, ns, originals, err)
	}

	newHdr := store.NewVaultHeader(newSalt, newKeys.Verifier, params, hdr.CreatedAt)
	if err := store.SaveVaultHeader(s.reg.Paths(), id, newHdr); err != nil {
		return s.rollback(ctx, ns, originals, fmt.Errorf("save header: %w", err))
	}

	key, err := krypto.NewSessionKey(append([]byte(nil), newKeys.Encryption...))
	if err != nil {
		// Records and header already moved; put both back so the old key stays valid.
		if herr := store.SaveVaultHeader(s.reg.Paths(), id, hdr); herr != nil {
			err = errors.Join(err, herr)
		}
		return s.rollback(ctx, ns, originals, err)
	}
	s.key.Destroy()
	s.key = key
	return nil
}

// stage decrypts every record under oldKey and seals it under newKey without persisting.
func (s *Session) stage(ctx context.Context, ns Namespace, oldKey, newKey []byte) (staged, originals []db.CipherUpdate, err error) {
	seal := s.seal
	if seal == nil {
		seal = krypto.Encrypt
	}

	creds, err := ns.ListCredentials(ctx)
	if err != nil {
		return nil, nil, err
	}
	totps, err := ns.ListTOTP(ctx)
	if err != nil {
		return nil, nil, err
	}

	records := make([]db.CipherUpdate, 0, len(creds)+len(totps))
	for _, c := range creds {
		records = append(records, db.CipherUpdate{Kind: db.KindCredential, ID: c.ID, Ciphertext: c.Ciphertext, IV: c.IV})
	}
	for _, t := range totps {
		records = append(records, db.CipherUpdate{Kind: db.KindTOTP, ID: t.ID, Ciphertext: t.Ciphertext, IV: t.IV})
	}

	staged = make([]db.CipherUpdate, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		pt, err := krypto.Decrypt(krypto.Blob{Ciphertext: rec.Ciphertext, IV: rec.IV}, oldKey)
		if err != nil {
			return nil, nil, fmt.Errorf("open record %d: %w", rec.ID, err)
		}
		blob, err := seal(pt, newKey)
		krypto.Wipe(pt)
		if err != nil {
			return nil, nil, fmt.Errorf("re-seal record %d: %w", rec.ID, err)
		}
		staged = append(staged, db.CipherUpdate{Kind: rec.Kind, ID: rec.ID, Ciphertext: blob.Ciphertext, IV: blob.IV})
	}
	return staged, records, nil
}

// rollback writes the original ciphertexts back. It runs even when ctx is cancelled.
func (s *Session) rollback(ctx context.Context, ns Namespace, originals []db.CipherUpdate, cause error) error {
	if err := ns.ApplyCipherUpdates(context.WithoutCancel(ctx), originals); err != nil {
		cause = errors.Join(cause, fmt.Errorf("restore original records: %w", err))
	}
	return &RotationAbortedError{Cause: cause}
}
