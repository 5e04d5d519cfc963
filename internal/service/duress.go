package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Hussein-Mazeh/duressvault/auth"
	"github.com/Hussein-Mazeh/duressvault/internal/duress"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// SetPanicPassword configures the password that triggers the duress sequence. It must follow
// the master password rules and differ from the master password of every vault.
func (s *Service) SetPanicPassword(ctx context.Context, password string) error {
	if err := auth.ValidateMasterPassword(password); err != nil {
		return fmt.Errorf("validate panic password: %w", err)
	}
	for _, v := range s.reg.Vaults() {
		hdr, err := s.reg.Header(v.ID)
		if err != nil {
			return err
		}
		if !hdr.Initialised() {
			continue
		}
		match, err := s.session.VerifyMaster(v.ID, password)
		if err != nil {
			return err
		}
		if match {
			return ErrPasswordCollision
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if err := s.duress.SetPanicPassword(password, s.reg.Params()); err != nil {
		return err
	}
	s.log.Info("panic password configured")
	return nil
}

// ClearPanicPassword disables the duress trigger.
func (s *Service) ClearPanicPassword() error { return s.duress.ClearPanicPassword() }

// HasPanicPassword reports whether the duress trigger is armed.
func (s *Service) HasPanicPassword() (bool, error) { return s.duress.HasPanicPassword() }

// SetDecoys replaces the records planted in the decoy vault after a panic unlock.
func (s *Service) SetDecoys(decoys []transfer.Record) error {
	for i, d := range decoys {
		if d.Title == "" || d.Password == "" {
			return fmt.Errorf("decoy %d: title and password are required", i+1)
		}
	}
	return s.duress.SetDecoys(decoys)
}

// Decoys returns the configured decoy records.
func (s *Service) Decoys() ([]transfer.Record, error) { return s.duress.Decoys() }

// DuressLog returns the activation log, oldest first.
func (s *Service) DuressLog() ([]duress.Activation, error) { return s.duress.Log() }

// VerifyDuressLog checks the activation log hash chain. A broken chain yields duress.ErrLogTampered.
func (s *Service) VerifyDuressLog() error { return s.duress.VerifyLog() }

// TriggerDuress runs the duress sequence from an unlocked session, holding the current vault's
// lock throughout. The session key lets the backup verify the current vault's records before
// they are sent.
func (s *Service) TriggerDuress(ctx context.Context) (duress.Result, error) {
	if !s.session.IsUnlocked() {
		return duress.Result{}, vault.ErrLocked
	}
	id := s.session.VaultID()
	release, err := s.reg.Acquire(ctx, id)
	if err != nil {
		return duress.Result{}, err
	}
	defer release()

	key, err := s.session.Key()
	if err != nil {
		return duress.Result{}, err
	}
	if s.session.VaultID() != id {
		return duress.Result{}, vault.ErrLocked
	}
	return s.duress.Activate(ctx, s.activationOptions(), duress.RegistrySnapshot(s.reg), key, id)
}

func (s *Service) activationOptions() duress.Options {
	return duress.Options{
		Wipe:         true,
		SendBackup:   len(s.dests) > 0,
		Destinations: s.dests,
	}
}

// panicUnlock runs the duress sequence and then opens a freshly planted decoy vault under the
// panic password, so the caller sees an ordinary successful unlock.
func (s *Service) panicUnlock(ctx context.Context, id, password string) error {
	release, err := s.reg.Acquire(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.duress.Activate(ctx, s.activationOptions(), duress.RegistrySnapshot(s.reg), nil, "")
	release()
	if err != nil {
		s.log.Error("duress activation incomplete", "error", err)
	}
	if !res.Wiped {
		// Nothing was destroyed; refusing looks like a mistyped password.
		return vault.ErrWrongPassword
	}

	if err := s.installDecoys(ctx, password); err != nil {
		s.log.Error("decoy vault setup failed", "error", err)
		return vault.ErrWrongPassword
	}
	return nil
}

func (s *Service) installDecoys(ctx context.Context, password string) error {
	if err := s.session.SetMaster(ctx, vault.DefaultVaultID, password); err != nil {
		return err
	}
	if err := s.reg.MarkDecoy(vault.DefaultVaultID, true); err != nil {
		return err
	}
	decoys, err := s.duress.Decoys()
	if err != nil {
		return err
	}
	return s.session.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		var errs []error
		for _, d := range decoys {
			c, err := vault.SealCredential(vault.PlainCredential(d), key)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if _, err := ns.InsertCredential(ctx, c.Row()); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
