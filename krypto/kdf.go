package krypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLengthBytes is the enforced salt length in bytes (128 bits).
	SaltLengthBytes = 16
	// KeyLength is the length of every derived key in bytes.
	KeyLength = 32

	// Floors for Argon2id. Parameters may be raised, never lowered.
	MinMemoryMB    = 64
	MinTime        = 3
	MinParallelism = 4
)

// KeyDerivationError reports a parameter or environment failure while deriving keys.
// A wrong password is never a KeyDerivationError.
type KeyDerivationError struct {
	Op  string
	Err error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("key derivation: %s: %v", e.Op, e.Err)
}

func (e *KeyDerivationError) Unwrap() error { return e.Err }

// Argon2Params captures tunable parameters for Argon2id.
type Argon2Params struct {
	MemoryMB    uint32 `json:"memoryMB"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     int    `json:"saltLen"`
	KeyLen      uint32 `json:"keyLen"`
}

// DefaultArgon2Params returns the floor configuration for deriving a 256-bit key.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryMB:    MinMemoryMB,
		Time:        MinTime,
		Parallelism: MinParallelism,
		SaltLen:     SaltLengthBytes,
		KeyLen:      KeyLength,
	}
}

// Validate rejects parameters below the Argon2id floors.
func (p Argon2Params) Validate() error {
	switch {
	case p.MemoryMB < MinMemoryMB:
		return &KeyDerivationError{Op: "validate", Err: fmt.Errorf("memory %d MiB below floor %d", p.MemoryMB, MinMemoryMB)}
	case p.Time < MinTime:
		return &KeyDerivationError{Op: "validate", Err: fmt.Errorf("time %d below floor %d", p.Time, MinTime)}
	case p.Parallelism < MinParallelism:
		return &KeyDerivationError{Op: "validate", Err: fmt.Errorf("parallelism %d below floor %d", p.Parallelism, MinParallelism)}
	case p.SaltLen < SaltLengthBytes:
		return &KeyDerivationError{Op: "validate", Err: fmt.Errorf("salt length %d below floor %d", p.SaltLen, SaltLengthBytes)}
	case p.KeyLen != KeyLength:
		return &KeyDerivationError{Op: "validate", Err: fmt.Errorf("key length must be %d", KeyLength)}
	}
	return nil
}

// DeriveKeyArgon2id derives a key using Argon2id with the provided parameters.
func DeriveKeyArgon2id(password []byte, salt []byte, p Argon2Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) < p.SaltLen {
		return nil, &KeyDerivationError{Op: "derive", Err: fmt.Errorf("salt must be at least %d bytes", p.SaltLen)}
	}

	memoryKB := p.MemoryMB * 1024
	key := argon2.IDKey(password, salt, p.Time, memoryKB, p.Parallelism, p.KeyLen)
	if uint32(len(key)) != p.KeyLen {
		return nil, &KeyDerivationError{Op: "derive", Err: fmt.Errorf("derived key has unexpected length %d", len(key))}
	}
	return key, nil
}

// NewRandomSalt returns a cryptographically secure random salt of at least SaltLengthBytes.
func NewRandomSalt(n int) ([]byte, error) {
	if n < SaltLengthBytes {
		n = SaltLengthBytes
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, &KeyDerivationError{Op: "salt", Err: err}
	}
	return salt, nil
}
