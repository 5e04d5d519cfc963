package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	registryFilename = "registry.json"
	headerFilename   = "header.json"
	databaseFilename = "vault.db"
	duressFilename   = "duress.db"
	vaultsDirname    = "vaults"
)

// Paths locates vault artifacts on disk.
//
//	<Dir>/registry.json           vault list and current vault
//	<Dir>/duress.db               duress profile and activation log (never wiped)
//	<Dir>/vaults/<id>/header.json per-vault KDF salt and verifier
//	<Dir>/vaults/<id>/vault.db    per-vault record namespace
type Paths struct {
	Dir string
}

// RegistryPath resolves the registry JSON path.
func (p Paths) RegistryPath() string {
	return filepath.Join(p.Dir, registryFilename)
}

// DuressPath resolves the duress database path.
func (p Paths) DuressPath() string {
	return filepath.Join(p.Dir, duressFilename)
}

// VaultDir resolves the namespace directory of one vault.
func (p Paths) VaultDir(id string) string {
	return filepath.Join(p.Dir, vaultsDirname, id)
}

// HeaderPath resolves the header JSON path of one vault.
func (p Paths) HeaderPath(id string) string {
	return filepath.Join(p.VaultDir(id), headerFilename)
}

// DatabasePath resolves the record database of one vault.
func (p Paths) DatabasePath(id string) string {
	return filepath.Join(p.VaultDir(id), databaseFilename)
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("vault directory not specified")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	return nil
}

// writeFileAtomic persists data through a temp file and rename with restrictive permissions.
func writeFileAtomic(dir, pattern, dst string, data []byte) error {
	if err := ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}

// DestroyVaultDir overwrites every regular file of a vault namespace with random bytes and
// removes the directory. Missing directories are not an error.
func DestroyVaultDir(p Paths, id string) error {
	if id == "" {
		return errors.New("vault id is required")
	}
	dir := p.VaultDir(id)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			return shredFile(path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("shred vault files: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove vault directory: %w", err)
	}
	return nil
}

func shredFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, rand.Reader, info.Size()); err != nil {
		return err
	}
	return f.Sync()
}
