package duress

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

const (
	// BackupFormat tags backup files.
	BackupFormat  = "duressvault-backup"
	BackupVersion = 1

	checksumLen = 16
)

// ErrChecksumMismatch is returned by ParseBackup when the stored checksum does not match.
var ErrChecksumMismatch = errors.New("backup checksum mismatch")

// VaultSnapshot is what a backup needs from one vault: its KDF salt and parameters and its
// credentials exactly as stored, password still sealed.
type VaultSnapshot struct {
	ID          string
	Name        string
	Header      store.VaultHeader
	Credentials []vault.Credential
}

// RecordProvider returns the vaults to back up.
type RecordProvider func(ctx context.Context) ([]VaultSnapshot, error)

// BackupVault carries what is needed to re-derive one vault key from its master password.
type BackupVault struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Salt string          `json:"salt"`
	KDF  store.KDFConfig `json:"kdf"`
}

// BackupCredential is one credential in a backup. The password stays sealed under the vault key.
type BackupCredential struct {
	VaultID   string      `json:"vaultId"`
	Title     string      `json:"title"`
	Username  string      `json:"username"`
	Password  krypto.Blob `json:"password"`
	Category  string      `json:"category,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Package is the backup file. Checksum is a truncated SHA-256 of the package JSON without the
// checksum, meant for display; the AEAD tags are what protect the passwords.
type Package struct {
	Version     int                `json:"version"`
	Timestamp   time.Time          `json:"timestamp"`
	Format      string             `json:"format"`
	Vaults      []BackupVault      `json:"vaults"`
	Credentials []BackupCredential `json:"credentials"`
	Checksum    string             `json:"checksum,omitempty"`
}

func (p Package) checksum() (string, error) {
	p.Checksum = ""
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:checksumLen], nil
}

// BuildBackup packages snapshots. When key is non-nil, credentials of the vault it belongs to
// are test-opened and unreadable ones are reported; they are still included.
func BuildBackup(snaps []VaultSnapshot, key *krypto.SessionKey, keyVaultID string, now time.Time) (Package, []string, error) {
	pkg := Package{
		Version:     BackupVersion,
		Timestamp:   now.UTC(),
		Format:      BackupFormat,
		Vaults:      []BackupVault{},
		Credentials: []BackupCredential{},
	}
	var problems []string

	for _, snap := range snaps {
		if !snap.Header.Initialised() {
			continue
		}
		pkg.Vaults = append(pkg.Vaults, BackupVault{
			ID:   snap.ID,
			Name: snap.Name,
			Salt: snap.Header.Salt,
			KDF:  snap.Header.KDF,
		})
		for _, c := range snap.Credentials {
			if key != nil && snap.ID == keyVaultID {
				if _, err := vault.OpenCredential(c, key); err != nil {
					problems = append(problems, fmt.Sprintf("credential %d of vault %s unreadable", c.ID, snap.ID))
				}
			}
			pkg.Credentials = append(pkg.Credentials, BackupCredential{
				VaultID:   snap.ID,
				Title:     c.Title,
				Username:  c.Username,
				Password:  c.EncryptedPassword,
				Category:  c.Category,
				Notes:     c.Notes,
				CreatedAt: c.CreatedAt.UTC(),
				UpdatedAt: c.UpdatedAt.UTC(),
			})
		}
	}

	sum, err := pkg.checksum()
	if err != nil {
		return Package{}, problems, err
	}
	pkg.Checksum = sum
	return pkg, problems, nil
}

// Marshal renders the package as indented JSON.
func (p Package) Marshal() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// ParseBackup decodes a backup and checks its format and checksum.
func ParseBackup(data []byte) (Package, error) {
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Package{}, fmt.Errorf("decode backup: %w", err)
	}
	if pkg.Format != BackupFormat || pkg.Version != BackupVersion {
		return Package{}, fmt.Errorf("unsupported backup %q version %d", pkg.Format, pkg.Version)
	}
	sum, err := pkg.checksum()
	if err != nil {
		return Package{}, err
	}
	if sum != pkg.Checksum {
		return Package{}, ErrChecksumMismatch
	}
	return pkg, nil
}

// RestoreVault opens every credential of vaultID with the key derived from password.
// A wrong password yields krypto.ErrAuthentication.
func RestoreVault(pkg Package, vaultID, password string) ([]vault.PlainCredential, error) {
	var bv *BackupVault
	for i := range pkg.Vaults {
		if pkg.Vaults[i].ID == vaultID {
			bv = &pkg.Vaults[i]
			break
		}
	}
	if bv == nil {
		return nil, fmt.Errorf("%w: %s", vault.ErrVaultNotFound, vaultID)
	}

	params, err := bv.KDF.Params()
	if err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(bv.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	if password == "" {
		return nil, krypto.ErrAuthentication
	}
	pw := []byte(password)
	defer krypto.Wipe(pw)
	keys, err := krypto.DeriveMasterKeys(pw, salt, params)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe()

	out := []vault.PlainCredential{}
	for _, c := range pkg.Credentials {
		if c.VaultID != vaultID {
			continue
		}
		pt, err := krypto.Decrypt(c.Password, keys.Encryption)
		if err != nil {
			return nil, err
		}
		out = append(out, vault.PlainCredential{
			Title:    c.Title,
			Username: c.Username,
			Password: string(pt),
			Category: c.Category,
			Notes:    c.Notes,
		})
		krypto.Wipe(pt)
	}
	return out, nil
}

// RegistrySnapshot reads every vault of reg without any key: headers and sealed credentials only.
func RegistrySnapshot(reg *vault.Registry) RecordProvider {
	return func(ctx context.Context) ([]VaultSnapshot, error) {
		var snaps []VaultSnapshot
		for _, v := range reg.Vaults() {
			hdr, err := reg.Header(v.ID)
			if err != nil {
				return snaps, err
			}
			if !hdr.Initialised() {
				continue
			}
			snap, err := snapshotVault(ctx, reg, v.ID, v.DisplayName, hdr)
			if err != nil {
				return snaps, err
			}
			snaps = append(snaps, snap)
		}
		return snaps, nil
	}
}

func snapshotVault(ctx context.Context, reg *vault.Registry, id, name string, hdr store.VaultHeader) (VaultSnapshot, error) {
	ns, err := reg.OpenNamespace(id)
	if err != nil {
		return VaultSnapshot{}, err
	}
	defer ns.Close()

	rows, err := ns.ListCredentials(ctx)
	if err != nil {
		return VaultSnapshot{}, fmt.Errorf("list credentials of %s: %w", id, err)
	}
	snap := VaultSnapshot{ID: id, Name: name, Header: hdr}
	for _, r := range rows {
		snap.Credentials = append(snap.Credentials, vault.CredentialFromRow(r))
	}
	return snap, nil
}
