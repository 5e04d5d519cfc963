// Package service exposes high-level vault operations for the CLI. It wires the registry,
// the session, the duress controller and the peripheral checks together.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Hussein-Mazeh/duressvault/auth"
	"github.com/Hussein-Mazeh/duressvault/internal/config"
	"github.com/Hussein-Mazeh/duressvault/internal/duress"
	"github.com/Hussein-Mazeh/duressvault/internal/logger"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/store"
)

// ErrPasswordCollision is returned when a master, panic or transfer password would equal
// another password it must differ from.
var ErrPasswordCollision = errors.New("password is already in use for another purpose")

// Service exposes high-level vault operations.
type Service struct {
	cfg *config.Config
	log *logger.Logger

	reg     *vault.Registry
	session *vault.Session

	duressStore *duress.Store
	duress      *duress.Controller
	dests       []duress.Destination

	codec   *transfer.Codec
	checker auth.PasswordChecker
	batch   *auth.BatchChecker

	now func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithChecker replaces the breach checker built from config.
func WithChecker(c auth.PasswordChecker) Option {
	return func(s *Service) { s.checker = c }
}

// WithDestinations replaces the backup destinations built from config.
func WithDestinations(d ...duress.Destination) Option {
	return func(s *Service) { s.dests = d }
}

// WithClock replaces time.Now, for access window evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New opens the vault directory described by cfg.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = logger.NewNop()
	}
	paths := store.Paths{Dir: cfg.Dir}

	reg, err := vault.NewRegistry(paths, cfg.KDF.Params(), nil)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	ds, err := duress.OpenStore(paths.DuressPath())
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg,
		log:         log,
		reg:         reg,
		session:     vault.NewSession(reg),
		duressStore: ds,
		codec:       transfer.NewCodec(cfg.Transfer.ChunkSize),
		now:         time.Now,
	}
	s.duress = duress.NewController(ds, wiper{s}, log)
	s.checker = auth.NewHIBPClient(cfg.HIBP.URL)

	dests, err := destinationsFromConfig(cfg.Backup)
	if err != nil {
		ds.Close()
		return nil, err
	}
	s.dests = dests

	for _, opt := range opts {
		opt(s)
	}
	s.batch = auth.NewBatchChecker(s.checker, cfg.HIBP.Interval)
	return s, nil
}

func destinationsFromConfig(b config.Backup) ([]duress.Destination, error) {
	var dests []duress.Destination
	if b.Dir != "" {
		dests = append(dests, duress.DirDestination{Dir: b.Dir})
	}
	if b.WebhookURL != "" {
		dests = append(dests, duress.NewWebhookDestination(b.WebhookURL))
	}
	if b.Minio.Enabled() {
		m, err := duress.NewMinioDestination(b.Minio.Endpoint, b.Minio.AccessKey, b.Minio.SecretKey, b.Minio.Bucket, b.Minio.UseSSL)
		if err != nil {
			return nil, err
		}
		dests = append(dests, m)
	}
	return dests, nil
}

// Close locks the session and releases the duress store.
func (s *Service) Close() error {
	return errors.Join(s.session.Lock(), s.duressStore.Close())
}

// wiper locks the session before destroying every namespace so no handle stays open.
type wiper struct{ s *Service }

func (w wiper) WipeAll(ctx context.Context) error {
	lockErr := w.s.session.Lock()
	if err := w.s.reg.WipeAll(ctx); err != nil {
		return errors.Join(lockErr, err)
	}
	return nil
}

func (s *Service) validate(ctx context.Context, pw string, opts auth.ValidateOptions) error {
	opts.EnableHIBP = s.cfg.HIBP.Enabled
	opts.Checker = s.checker
	return auth.ValidatePassword(ctx, pw, opts)
}

// Vaults returns every vault in display order.
func (s *Service) Vaults() []store.Vault { return s.reg.Vaults() }

// CurrentVault returns the current vault.
func (s *Service) CurrentVault() store.Vault { return s.reg.Current() }

// IsUnlocked reports whether a vault key is held.
func (s *Service) IsUnlocked() bool { return s.session.IsUnlocked() }

// CreateVault adds a vault. It has no master password until SetMaster is called.
func (s *Service) CreateVault(name string) (store.Vault, error) {
	v, err := s.reg.CreateVault(name)
	if err != nil {
		return v, err
	}
	s.log.Info("vault created", "vault", v.ID)
	return v, nil
}

// RenameVault changes a vault display name.
func (s *Service) RenameVault(id, name string) error { return s.reg.Rename(id, name) }

// DeleteVault destroys a vault. The default vault is refused.
func (s *Service) DeleteVault(ctx context.Context, id string) error {
	if s.session.VaultID() == id {
		if err := s.session.Lock(); err != nil {
			return err
		}
	}
	if err := s.reg.DeleteVault(ctx, id); err != nil {
		return err
	}
	s.log.Info("vault deleted", "vault", id)
	return nil
}

// AdjacentVault returns the vault after (direction > 0) or before the current one, cyclically.
func (s *Service) AdjacentVault(direction int) (store.Vault, error) {
	return s.reg.Adjacent(s.reg.Current().ID, direction)
}

// NeedsMasterSetup reports whether vault id has no master password yet.
func (s *Service) NeedsMasterSetup(id string) (bool, error) {
	hdr, err := s.reg.Header(id)
	if err != nil {
		return false, err
	}
	return !hdr.Initialised(), nil
}

// SetMaster sets the first master password of vault id after the policy gate and unlocks it.
func (s *Service) SetMaster(ctx context.Context, id, master string) error {
	if err := s.validate(ctx, master, auth.DefaultValidateOptions()); err != nil {
		return fmt.Errorf("validate master password: %w", err)
	}
	isPanic, err := s.duress.IsPanicPassword(master)
	if err != nil {
		return err
	}
	if isPanic {
		return ErrPasswordCollision
	}
	if err := s.session.SetMaster(ctx, id, master); err != nil {
		return err
	}
	s.log.Info("master password set", "vault", id)
	return nil
}

// Unlock opens vault id. When the target is a real vault and password is the panic password,
// the duress sequence runs instead and the session ends up on a decoy vault.
func (s *Service) Unlock(ctx context.Context, id, password string) error {
	v, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if !v.IsDecoy {
		isPanic, err := s.duress.IsPanicPassword(password)
		if err != nil {
			return err
		}
		if isPanic {
			return s.panicUnlock(ctx, id, password)
		}
	}

	if err := s.session.Unlock(ctx, id, password); err != nil {
		if errors.Is(err, vault.ErrWrongPassword) {
			s.log.Warn("unlock failed", "vault", id)
		}
		return err
	}
	s.log.Info("vault unlocked", "vault", id)
	return nil
}

// Lock drops the session key.
func (s *Service) Lock() error { return s.session.Lock() }

// ChangeMaster rotates the master password of the unlocked vault.
func (s *Service) ChangeMaster(ctx context.Context, oldMaster, newMaster string) error {
	if oldMaster == "" || newMaster == "" {
		return errors.New("old and new master passwords are required")
	}
	if err := s.validate(ctx, newMaster, auth.DefaultValidateOptions()); err != nil {
		return fmt.Errorf("validate new master password: %w", err)
	}
	isPanic, err := s.duress.IsPanicPassword(newMaster)
	if err != nil {
		return err
	}
	if isPanic {
		return ErrPasswordCollision
	}

	id := s.session.VaultID()
	if err := s.session.Rotate(ctx, oldMaster, newMaster); err != nil {
		s.log.Error("master rotation failed", "vault", id, "error", err)
		return err
	}
	s.log.Info("master password rotated", "vault", id)
	return nil
}
