package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const gcmNonceSize = 12

// ErrAuthentication is returned whenever an AEAD tag check fails. Callers must not try to
// distinguish a wrong key from tampered data.
var ErrAuthentication = errors.New("wrong password or corrupted data")

// Blob is the at-rest form of one AEAD call. Both fields are standard base64.
type Blob struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// IsZero reports whether the blob carries no ciphertext.
func (b Blob) IsZero() bool { return b.Ciphertext == "" && b.IV == "" }

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext, key []byte) (Blob, error) {
	nonce, ciphertext, err := EncryptAESGCM(key, plaintext, nil)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a blob. Malformed encodings are treated like a failed tag check.
func Decrypt(b Blob, key []byte) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(b.IV)
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, ErrAuthentication
	}
	ciphertext, err := base64.StdEncoding.DecodeString(b.Ciphertext)
	if err != nil {
		return nil, ErrAuthentication
	}
	return DecryptAESGCM(key, nonce, ciphertext, nil)
}

// SealPacked encrypts plaintext and returns nonce|ciphertext.
func SealPacked(key, plaintext, aad []byte) ([]byte, error) {
	nonce, ciphertext, err := EncryptAESGCM(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenPacked reverses SealPacked.
func OpenPacked(key, packed, aad []byte) ([]byte, error) {
	if len(packed) <= gcmNonceSize {
		return nil, ErrAuthentication
	}
	return DecryptAESGCM(key, packed[:gcmNonceSize], packed[gcmNonceSize:], aad)
}

// EncryptAESGCM encrypts plaintext using AES-256-GCM, returning the nonce and ciphertext.
func EncryptAESGCM(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// DecryptAESGCM decrypts the ciphertext using AES-256-GCM. Nothing is returned unless the tag verifies.
func DecryptAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcmNonceSize {
		return nil, ErrAuthentication
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, errors.New("aes-gcm requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
