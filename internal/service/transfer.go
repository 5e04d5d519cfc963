package service

import (
	"context"
	"fmt"

	"github.com/Hussein-Mazeh/duressvault/auth"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// ExportTransfer packs the credentials named by ids (every credential when ids is empty) into
// transfer chunks sealed under password. The password must pass the transfer policy and differ
// from the master password.
func (s *Service) ExportTransfer(ctx context.Context, password string, ids []int64) ([]string, error) {
	if err := s.validate(ctx, password, auth.TransferValidateOptions()); err != nil {
		return nil, fmt.Errorf("validate transfer password: %w", err)
	}
	id := s.session.VaultID()
	if id == "" {
		return nil, vault.ErrLocked
	}
	same, err := s.session.VerifyMaster(id, password)
	if err != nil {
		return nil, err
	}
	if same {
		return nil, ErrPasswordCollision
	}

	want := make(map[int64]bool, len(ids))
	for _, cid := range ids {
		want[cid] = true
	}

	var records []transfer.Record
	err = s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		rows, err := ns.ListCredentials(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if len(want) > 0 && !want[r.ID] {
				continue
			}
			c := vault.CredentialFromRow(r)
			pw, err := vault.OpenCredential(c, key)
			if err != nil {
				return fmt.Errorf("open credential %d: %w", r.ID, err)
			}
			records = append(records, transfer.Record{
				Title:    c.Title,
				Username: c.Username,
				Password: pw,
				Category: c.Category,
				Notes:    c.Notes,
			})
			delete(want, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(want) > 0 {
		return nil, fmt.Errorf("%d requested credentials: %w", len(want), ErrNotFound)
	}

	chunks, err := s.codec.Encode(records, password)
	if err != nil {
		return nil, err
	}
	s.log.Info("transfer exported", "records", len(records), "chunks", len(chunks))
	return chunks, nil
}

// ImportTransfer decodes chunks and stores every record as a new credential in the unlocked
// vault. Nothing is stored when decoding fails.
func (s *Service) ImportTransfer(ctx context.Context, chunks []string, password string) (int, error) {
	if !s.session.IsUnlocked() {
		return 0, vault.ErrLocked
	}
	records, err := s.codec.Decode(chunks, password)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		for _, r := range records {
			c, err := vault.SealCredential(vault.PlainCredential(r), key)
			if err != nil {
				return fmt.Errorf("import %q: %w", r.Title, err)
			}
			if _, err := ns.InsertCredential(ctx, c.Row()); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	s.log.Info("transfer imported", "records", n)
	return n, nil
}

// CollectTransfer reads frames from source until a complete chunk set is seen, bounded by the
// configured scan timeout and attempt cap.
func (s *Service) CollectTransfer(ctx context.Context, source transfer.FrameSource, progress func(have, want int)) ([]string, error) {
	c := &transfer.Collector{
		Source:      source,
		Timeout:     s.cfg.Transfer.ScanTimeout,
		MaxAttempts: s.cfg.Transfer.MaxAttempts,
		OnProgress:  progress,
	}
	return c.Collect(ctx)
}
