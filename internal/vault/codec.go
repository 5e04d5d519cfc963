package vault

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hussein-Mazeh/duressvault/internal/db"
	"github.com/Hussein-Mazeh/duressvault/internal/totp"
	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// Credential is the at-rest form of a record. Only the password is sealed; title, username,
// category and notes stay in clear so they can be listed and searched without the key.
type Credential struct {
	ID                int64
	Title             string
	Username          string
	EncryptedPassword krypto.Blob
	Category          string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PlainCredential is the user-facing input for a credential.
type PlainCredential struct {
	Title    string
	Username string
	Password string
	Category string
	Notes    string
}

// SealCredential encrypts the password of plain under the session key.
//
// Args:
//
//	plain: the credential as entered by the user. Title and password are required.
//	key: session key of the unlocked vault.
//
// Returns:
//
//	Credential: metadata copied verbatim, password sealed into a fresh Blob, timestamps set to now.
//	err: non-nil when validation or encryption fails.
//
// The returned credential has no ID; the namespace assigns it on insert.
func SealCredential(plain PlainCredential, key *krypto.SessionKey) (Credential, error) {
	title := strings.TrimSpace(plain.Title)
	if title == "" {
		return Credential{}, errors.New("title is required")
	}
	if plain.Password == "" {
		return Credential{}, errors.New("password cannot be empty")
	}

	pw := []byte(plain.Password)
	defer krypto.Wipe(pw)
	blob, err := key.Encrypt(pw)
	if err != nil {
		return Credential{}, fmt.Errorf("seal password: %w", err)
	}

	now := time.Now().UTC()
	return Credential{
		Title:             title,
		Username:          strings.TrimSpace(plain.Username),
		EncryptedPassword: blob,
		Category:          strings.TrimSpace(plain.Category),
		Notes:             plain.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// OpenCredential returns the plaintext password of c. A wrong key or tampered blob yields
// krypto.ErrAuthentication and no data.
func OpenCredential(c Credential, key *krypto.SessionKey) (string, error) {
	pt, err := key.Decrypt(c.EncryptedPassword)
	if err != nil {
		return "", err
	}
	defer krypto.Wipe(pt)
	return string(pt), nil
}

// CredentialFromRow maps a stored row to a Credential.
func CredentialFromRow(r db.CredentialRow) Credential {
	return Credential{
		ID:                r.ID,
		Title:             r.Title,
		Username:          r.Username,
		EncryptedPassword: krypto.Blob{Ciphertext: r.Ciphertext, IV: r.IV},
		Category:          r.Category,
		Notes:             r.Notes,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// Row maps c to its stored form.
func (c Credential) Row() db.CredentialRow {
	return db.CredentialRow{
		ID:         c.ID,
		Title:      c.Title,
		Username:   c.Username,
		Ciphertext: c.EncryptedPassword.Ciphertext,
		IV:         c.EncryptedPassword.IV,
		Category:   c.Category,
		Notes:      c.Notes,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// SealTOTP seals the shared secret of e; the remaining fields are stored in clear.
func SealTOTP(e totp.Entry, key *krypto.SessionKey) (db.TOTPRow, error) {
	if err := e.Normalize(); err != nil {
		return db.TOTPRow{}, err
	}
	secret := []byte(e.Secret)
	defer krypto.Wipe(secret)
	blob, err := key.Encrypt(secret)
	if err != nil {
		return db.TOTPRow{}, fmt.Errorf("seal totp secret: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return db.TOTPRow{
		ID:         e.ID,
		Name:       e.Name,
		Issuer:     e.Issuer,
		Ciphertext: blob.Ciphertext,
		IV:         blob.IV,
		Algorithm:  string(e.Algorithm),
		Digits:     e.Digits,
		Period:     e.Period,
		CreatedAt:  created,
	}, nil
}

// OpenTOTP reverses SealTOTP.
func OpenTOTP(r db.TOTPRow, key *krypto.SessionKey) (totp.Entry, error) {
	secret, err := key.Decrypt(krypto.Blob{Ciphertext: r.Ciphertext, IV: r.IV})
	if err != nil {
		return totp.Entry{}, err
	}
	defer krypto.Wipe(secret)
	return totp.Entry{
		ID:        r.ID,
		Name:      r.Name,
		Issuer:    r.Issuer,
		Secret:    string(secret),
		Algorithm: totp.Algorithm(r.Algorithm),
		Digits:    r.Digits,
		Period:    r.Period,
		CreatedAt: r.CreatedAt,
	}, nil
}
