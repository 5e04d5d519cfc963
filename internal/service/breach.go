package service

import (
	"context"
	"fmt"
	"os"

	"github.com/Hussein-Mazeh/duressvault/auth"
	"github.com/Hussein-Mazeh/duressvault/internal/duress"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// CheckBreaches looks every password of the unlocked vault up in the breach corpus, one
// request at a time. On cancellation the results gathered so far are returned with the error.
func (s *Service) CheckBreaches(ctx context.Context, progress func(done, total int)) ([]auth.BatchResult, error) {
	var items []auth.BatchItem
	err := s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		rows, err := ns.ListCredentials(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			c := vault.CredentialFromRow(r)
			pw, err := vault.OpenCredential(c, key)
			if err != nil {
				return fmt.Errorf("open credential %d: %w", r.ID, err)
			}
			items = append(items, auth.BatchItem{ID: c.ID, Label: c.Title, Password: pw})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.batch.Run(ctx, items, progress)
}

// PasswordStrength returns the zxcvbn score of pw.
func (s *Service) PasswordStrength(pw string) int { return auth.Strength(pw) }

// ExportBackup builds a backup package of every initialised vault. Records stay sealed; those of
// the unlocked vault are test-opened first and unreadable ones are listed in problems.
func (s *Service) ExportBackup(ctx context.Context) (data []byte, problems []string, err error) {
	key, err := s.session.Key()
	if err != nil {
		return nil, nil, err
	}
	snaps, err := duress.RegistrySnapshot(s.reg)(ctx)
	if err != nil {
		return nil, nil, err
	}
	pkg, problems, err := duress.BuildBackup(snaps, key, s.session.VaultID(), s.now().UTC())
	if err != nil {
		return nil, problems, err
	}
	data, err = pkg.Marshal()
	return data, problems, err
}

// RestoreBackup reads a backup file and copies the credentials of sourceVaultID, opened with
// that vault's master password, into the unlocked vault. It returns the number imported.
func (s *Service) RestoreBackup(ctx context.Context, path, sourceVaultID, password string) (int, error) {
	if !s.session.IsUnlocked() {
		return 0, vault.ErrLocked
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read backup: %w", err)
	}
	pkg, err := duress.ParseBackup(raw)
	if err != nil {
		return 0, err
	}
	plain, err := duress.RestoreVault(pkg, sourceVaultID, password)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		for _, p := range plain {
			c, err := vault.SealCredential(p, key)
			if err != nil {
				return err
			}
			if _, err := ns.InsertCredential(ctx, c.Row()); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err == nil {
		s.log.Info("backup restored", "source", sourceVaultID, "records", n)
	}
	return n, err
}
