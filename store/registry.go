package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// RegistryVersion is the current registry file version.
const RegistryVersion = 1

// Vault is one named, isolated vault.
type Vault struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	ColorTag    string    `json:"colorTag"`
	CreatedAt   time.Time `json:"createdAt"`
	IsDefault   bool      `json:"isDefault"`
	IsDecoy     bool      `json:"isDecoy"`
}

// Registry is the persisted list of vaults in display order plus the current vault id.
type Registry struct {
	Version int     `json:"version"`
	Current string  `json:"current"`
	Vaults  []Vault `json:"vaults"`
	// Created counts vaults ever created; it drives the color palette index.
	Created int `json:"created"`
}

// LoadRegistry reads registry.json. A missing file is reported as os.ErrNotExist.
func LoadRegistry(p Paths) (Registry, error) {
	var reg Registry

	data, err := os.ReadFile(p.RegistryPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return reg, err
		}
		return reg, fmt.Errorf("read registry: %w", err)
	}

	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("decode registry: %w", err)
	}
	if reg.Version != RegistryVersion {
		return reg, fmt.Errorf("unsupported registry version %d", reg.Version)
	}
	return reg, nil
}

// SaveRegistry persists registry.json atomically.
func SaveRegistry(p Paths, reg Registry) error {
	reg.Version = RegistryVersion
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := writeFileAtomic(p.Dir, "registry-*.json", p.RegistryPath(), data); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}
