package krypto

import (
	"crypto/subtle"
	"fmt"
)

const (
	verifierInfo   = "duressvault/verifier/v1"
	encryptionInfo = "duressvault/encryption/v1"
)

// MasterKeys holds the two domain-separated sub-keys expanded from one Argon2id root.
// Leaking Verifier never yields Encryption.
type MasterKeys struct {
	Verifier   []byte
	Encryption []byte
}

// Wipe zeroes both sub-keys.
func (m *MasterKeys) Wipe() {
	if m == nil {
		return
	}
	Wipe(m.Verifier)
	Wipe(m.Encryption)
}

// DeriveMasterKeys runs Argon2id once and expands the root into verifier and encryption keys.
func DeriveMasterKeys(password, salt []byte, p Argon2Params) (*MasterKeys, error) {
	root, err := DeriveKeyArgon2id(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer Wipe(root)

	verifier, err := HKDFSHA256(root, salt, []byte(verifierInfo), KeyLength)
	if err != nil {
		return nil, &KeyDerivationError{Op: "expand verifier", Err: err}
	}
	enc, err := HKDFSHA256(root, salt, []byte(encryptionInfo), KeyLength)
	if err != nil {
		Wipe(verifier)
		return nil, &KeyDerivationError{Op: "expand encryption key", Err: err}
	}
	return &MasterKeys{Verifier: verifier, Encryption: enc}, nil
}

// CreateVerifier generates a fresh salt and derives the stored verifier plus the encryption key.
func CreateVerifier(password []byte, p Argon2Params) ([]byte, *MasterKeys, error) {
	salt, err := NewRandomSalt(p.SaltLen)
	if err != nil {
		return nil, nil, err
	}
	keys, err := DeriveMasterKeys(password, salt, p)
	if err != nil {
		return nil, nil, err
	}
	return salt, keys, nil
}

// Verify re-derives the verifier and compares it in constant time.
// A mismatch is reported as false, never as an error.
func Verify(password, salt, verifier []byte, p Argon2Params) (bool, error) {
	key, ok, err := VerifyAndDerive(password, salt, verifier, p)
	Wipe(key)
	return ok, err
}

// VerifyAndDerive behaves like Verify and additionally returns the encryption key on success.
func VerifyAndDerive(password, salt, verifier []byte, p Argon2Params) ([]byte, bool, error) {
	if len(password) == 0 {
		return nil, false, nil
	}
	keys, err := DeriveMasterKeys(password, salt, p)
	if err != nil {
		return nil, false, fmt.Errorf("derive master keys: %w", err)
	}
	defer Wipe(keys.Verifier)

	if subtle.ConstantTimeCompare(keys.Verifier, verifier) != 1 {
		Wipe(keys.Encryption)
		return nil, false, nil
	}
	return keys.Encryption, true, nil
}
