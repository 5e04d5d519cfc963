package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Hussein-Mazeh/duressvault/krypto"
)

// HeaderVersion is the current vault header version.
const HeaderVersion = 2

// ErrNotInitialised indicates the vault has no master password yet.
var ErrNotInitialised = errors.New("vault master password not set")

// KDFConfig describes the key-derivation parameters stored in the vault header.
type KDFConfig struct {
	Name        string `json:"name"`
	MemoryMB    uint32 `json:"memoryMB"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     int    `json:"saltLen"`
	KeyLen      uint32 `json:"keyLen"`
}

// NewKDFConfig records p as an argon2id configuration.
func NewKDFConfig(p krypto.Argon2Params) KDFConfig {
	return KDFConfig{
		Name:        "argon2id",
		MemoryMB:    p.MemoryMB,
		Time:        p.Time,
		Parallelism: p.Parallelism,
		SaltLen:     p.SaltLen,
		KeyLen:      p.KeyLen,
	}
}

// Params converts the stored configuration back to Argon2 parameters.
func (c KDFConfig) Params() (krypto.Argon2Params, error) {
	if c.Name != "argon2id" {
		return krypto.Argon2Params{}, fmt.Errorf("unsupported kdf %q", c.Name)
	}
	return krypto.Argon2Params{
		MemoryMB:    c.MemoryMB,
		Time:        c.Time,
		Parallelism: c.Parallelism,
		SaltLen:     c.SaltLen,
		KeyLen:      c.KeyLen,
	}, nil
}

// VaultHeader holds the salt and verifier of one vault. The encryption key itself is never stored.
type VaultHeader struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Salt      string    `json:"salt"`
	Verifier  string    `json:"verifier"`
	KDF       KDFConfig `json:"kdf"`
}

// Initialised reports whether a master password has been set.
func (h VaultHeader) Initialised() bool {
	return h.Salt != "" && h.Verifier != ""
}

// Decode returns the raw salt, verifier and Argon2 parameters.
func (h VaultHeader) Decode() (salt, verifier []byte, params krypto.Argon2Params, err error) {
	if !h.Initialised() {
		return nil, nil, params, ErrNotInitialised
	}
	if h.Version != HeaderVersion {
		return nil, nil, params, fmt.Errorf("unsupported header version %d", h.Version)
	}
	params, err = h.KDF.Params()
	if err != nil {
		return nil, nil, params, err
	}
	salt, err = base64.StdEncoding.DecodeString(h.Salt)
	if err != nil {
		return nil, nil, params, fmt.Errorf("decode salt: %w", err)
	}
	verifier, err = base64.StdEncoding.DecodeString(h.Verifier)
	if err != nil {
		return nil, nil, params, fmt.Errorf("decode verifier: %w", err)
	}
	return salt, verifier, params, nil
}

// NewVaultHeader builds an initialised header for salt and verifier.
func NewVaultHeader(salt, verifier []byte, p krypto.Argon2Params, createdAt time.Time) VaultHeader {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return VaultHeader{
		Version:   HeaderVersion,
		CreatedAt: createdAt,
		UpdatedAt: now,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Verifier:  base64.StdEncoding.EncodeToString(verifier),
		KDF:       NewKDFConfig(p),
	}
}

// LoadVaultHeader reads header.json of vault id. A missing header yields an empty, uninitialised header.
func LoadVaultHeader(p Paths, id string) (VaultHeader, error) {
	var hdr VaultHeader

	data, err := os.ReadFile(p.HeaderPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hdr, nil
		}
		return hdr, fmt.Errorf("read header: %w", err)
	}

	if err := json.Unmarshal(data, &hdr); err != nil {
		return hdr, fmt.Errorf("decode header: %w", err)
	}
	return hdr, nil
}

// SaveVaultHeader persists header.json of vault id atomically with restrictive permissions.
func SaveVaultHeader(p Paths, id string, hdr VaultHeader) error {
	data, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := writeFileAtomic(p.VaultDir(id), "header-*.json", p.HeaderPath(id), data); err != nil {
		return fmt.Errorf("save header: %w", err)
	}
	return nil
}
