package krypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrKeyDestroyed is returned when a destroyed SessionKey is used.
var ErrKeyDestroyed = errors.New("session key destroyed")

// SessionKey keeps an encryption key sealed in a memguard enclave. The raw bytes are only
// exposed inside Use and are never returned to callers.
type SessionKey struct {
	mu      sync.RWMutex
	enclave *memguard.Enclave
}

// NewSessionKey moves key into an enclave. The source slice is wiped.
func NewSessionKey(key []byte) (*SessionKey, error) {
	if len(key) != KeyLength {
		Wipe(key)
		return nil, fmt.Errorf("session key must be %d bytes", KeyLength)
	}
	return &SessionKey{enclave: memguard.NewEnclave(key)}, nil
}

// Use opens the enclave into locked memory for the duration of fn.
func (k *SessionKey) Use(fn func(key []byte) error) error {
	if k == nil {
		return ErrKeyDestroyed
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.enclave == nil {
		return ErrKeyDestroyed
	}

	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("open session key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Encrypt seals plaintext under the session key.
func (k *SessionKey) Encrypt(plaintext []byte) (Blob, error) {
	var out Blob
	err := k.Use(func(key []byte) error {
		var err error
		out, err = Encrypt(plaintext, key)
		return err
	})
	return out, err
}

// Decrypt opens a blob sealed under the session key.
func (k *SessionKey) Decrypt(b Blob) ([]byte, error) {
	var out []byte
	err := k.Use(func(key []byte) error {
		var err error
		out, err = Decrypt(b, key)
		return err
	})
	return out, err
}

// Destroy drops the enclave. Further use returns ErrKeyDestroyed.
func (k *SessionKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.enclave = nil
	k.mu.Unlock()
}

// Wipe zeroes buf in place.
func Wipe(buf []byte) {
	if len(buf) == 0 {
		return
	}
	memguard.WipeBytes(buf)
}
