package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

var (
	ErrLocked             = errors.New("vault locked")
	ErrWrongPassword      = errors.New("wrong master password")
	ErrAlreadyInitialised = errors.New("vault already has a master password")
)

// Session is one unlocked vault: its id, its session key and its open namespace.
// At most one vault key is held at a time; unlocking another vault first locks this one.
//
// Record reads and writes run concurrently under With. Unlock, Lock and Rotate are exclusive.
type Session struct {
	reg *Registry

	mu      sync.RWMutex
	vaultID string
	key     *krypto.SessionKey
	ns      Namespace

	// seal re-encrypts one record during rotation; nil means krypto.Encrypt.
	seal func(plaintext, key []byte) (krypto.Blob, error)
}

// NewSession returns a locked session over reg.
func NewSession(reg *Registry) *Session {
	return &Session{reg: reg}
}

// Registry returns the registry the session was created with.
func (s *Session) Registry() *Registry { return s.reg }

// SetMaster sets the first master password of vault id and leaves the session unlocked on it.
func (s *Session) SetMaster(ctx context.Context, id, password string) error {
	if password == "" {
		return errors.New("master password cannot be empty")
	}
	release, err := s.reg.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	hdr, err := s.reg.Header(id)
	if err != nil {
		return err
	}
	if hdr.Initialised() {
		return ErrAlreadyInitialised
	}

	params := s.reg.Params()
	pw := []byte(password)
	defer krypto.Wipe(pw)
	salt, keys, err := krypto.CreateVerifier(pw, params)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	defer keys.Wipe()

	if err := store.SaveVaultHeader(s.reg.Paths(), id, store.NewVaultHeader(salt, keys.Verifier, params, hdr.CreatedAt)); err != nil {
		return err
	}
	return s.install(id, keys.Encryption)
}

// Unlock verifies password against vault id, makes it the current vault and holds its key.
// Any previously held key is dropped first, even when verification fails.
func (s *Session) Unlock(ctx context.Context, id, password string) error {
	release, err := s.reg.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if err := s.Lock(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	encKey, ok, err := s.verify(id, password)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWrongPassword
	}
	defer krypto.Wipe(encKey)

	if err := ctx.Err(); err != nil {
		return err
	}
	return s.install(id, encKey)
}

// Switch checks that id exists, then unlocks it. The current key is only dropped once the
// target is known.
func (s *Session) Switch(ctx context.Context, id, password string) error {
	if _, err := s.reg.Get(id); err != nil {
		return err
	}
	return s.Unlock(ctx, id, password)
}

// VerifyMaster reports whether password is the master password of vault id without
// changing the session.
func (s *Session) VerifyMaster(id, password string) (bool, error) {
	key, ok, err := s.verify(id, password)
	krypto.Wipe(key)
	return ok, err
}

func (s *Session) verify(id, password string) ([]byte, bool, error) {
	hdr, err := s.reg.Header(id)
	if err != nil {
		return nil, false, err
	}
	salt, verifier, params, err := hdr.Decode()
	if err != nil {
		return nil, false, err
	}
	pw := []byte(password)
	defer krypto.Wipe(pw)
	return krypto.VerifyAndDerive(pw, salt, verifier, params)
}

// install opens the namespace of id and moves encKey into a session key.
func (s *Session) install(id string, encKey []byte) error {
	ns, err := s.reg.OpenNamespace(id)
	if err != nil {
		return err
	}
	key, err := krypto.NewSessionKey(append([]byte(nil), encKey...))
	if err != nil {
		ns.Close()
		return err
	}
	if err := s.reg.SetCurrent(id); err != nil {
		key.Destroy()
		ns.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	s.vaultID, s.key, s.ns = id, key, ns
	return nil
}

// Lock closes the namespace and destroys the key.
func (s *Session) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

func (s *Session) dropLocked() error {
	var err error
	if s.ns != nil {
		err = s.ns.Close()
	}
	if s.key != nil {
		s.key.Destroy()
	}
	s.vaultID, s.key, s.ns = "", nil, nil
	return err
}

// IsUnlocked reports whether a key is held.
func (s *Session) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key != nil
}

// VaultID returns the unlocked vault id, or "" when locked.
func (s *Session) VaultID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vaultID
}

// Key returns the session key or ErrLocked.
func (s *Session) Key() (*krypto.SessionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrLocked
	}
	return s.key, nil
}

// With runs fn with the open namespace and session key. Concurrent calls are allowed;
// rotation and locking wait for them to finish.
func (s *Session) With(fn func(ns Namespace, key *krypto.SessionKey) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return ErrLocked
	}
	return fn(s.ns, s.key)
}
