package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/duressvault/internal/db"
	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

// DefaultVaultID is the id of the vault that always exists.
const DefaultVaultID = "default"

const defaultVaultName = "Personal"

var palette = []string{
	"#4f46e5", "#059669", "#d97706", "#dc2626",
	"#7c3aed", "#0891b2", "#db2777", "#65a30d",
}

var (
	// ErrDefaultVaultDeletion is returned before any destructive step when the default vault
	// is targeted.
	ErrDefaultVaultDeletion = errors.New("the default vault cannot be deleted")
	ErrVaultNotFound        = errors.New("vault not found")
)

// Namespace is the record store of one vault. *db.DB satisfies it.
type Namespace interface {
	InsertCredential(ctx context.Context, r db.CredentialRow) (int64, error)
	UpdateCredential(ctx context.Context, r db.CredentialRow) error
	DeleteCredential(ctx context.Context, id int64) error
	GetCredential(ctx context.Context, id int64) (db.CredentialRow, error)
	ListCredentials(ctx context.Context) ([]db.CredentialRow, error)

	InsertTOTP(ctx context.Context, r db.TOTPRow) (int64, error)
	GetTOTP(ctx context.Context, id int64) (db.TOTPRow, error)
	ListTOTP(ctx context.Context) ([]db.TOTPRow, error)
	DeleteTOTP(ctx context.Context, id int64) error

	UpsertRule(ctx context.Context, r db.RuleRow) error
	GetRule(ctx context.Context, credentialID int64) (db.RuleRow, error)
	ListRules(ctx context.Context) ([]db.RuleRow, error)
	DeleteRule(ctx context.Context, credentialID int64) error

	ApplyCipherUpdates(ctx context.Context, updates []db.CipherUpdate) error
	Clear(ctx context.Context) error
	Close() error
}

// Opener opens the namespace stored at path, creating it if needed.
type Opener func(path string) (Namespace, error)

// OpenSQLite is the default Opener.
func OpenSQLite(path string) (Namespace, error) {
	d, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Registry tracks the vaults on disk, the current vault and one lock per vault.
type Registry struct {
	paths  store.Paths
	params krypto.Argon2Params
	open   Opener

	mu  sync.Mutex
	reg store.Registry

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewRegistry loads registry.json under paths, creating it with the default vault when missing.
// A nil opener selects OpenSQLite.
func NewRegistry(paths store.Paths, params krypto.Argon2Params, open Opener) (*Registry, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if open == nil {
		open = OpenSQLite
	}
	r := &Registry{
		paths:  paths,
		params: params,
		open:   open,
		locks:  make(map[string]chan struct{}),
	}

	reg, err := store.LoadRegistry(paths)
	switch {
	case errors.Is(err, os.ErrNotExist):
		reg = freshRegistry()
		if err := store.SaveRegistry(paths, reg); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if repairRegistry(&reg) {
		if err := store.SaveRegistry(paths, reg); err != nil {
			return nil, err
		}
	}
	r.reg = reg
	return r, nil
}

func freshRegistry() store.Registry {
	return store.Registry{
		Version: store.RegistryVersion,
		Current: DefaultVaultID,
		Created: 1,
		Vaults: []store.Vault{{
			ID:          DefaultVaultID,
			DisplayName: defaultVaultName,
			ColorTag:    palette[0],
			CreatedAt:   time.Now().UTC(),
			IsDefault:   true,
		}},
	}
}

// repairRegistry restores the default vault and a valid current id. It reports whether
// anything changed.
func repairRegistry(reg *store.Registry) bool {
	changed := false
	if indexOf(reg.Vaults, DefaultVaultID) < 0 {
		def := freshRegistry().Vaults[0]
		reg.Vaults = append([]store.Vault{def}, reg.Vaults...)
		changed = true
	}
	if indexOf(reg.Vaults, reg.Current) < 0 {
		reg.Current = DefaultVaultID
		changed = true
	}
	return changed
}

func indexOf(vaults []store.Vault, id string) int {
	for i, v := range vaults {
		if v.ID == id {
			return i
		}
	}
	return -1
}

// Paths returns the on-disk layout.
func (r *Registry) Paths() store.Paths { return r.paths }

// Params returns the Argon2 parameters used for new master passwords.
func (r *Registry) Params() krypto.Argon2Params { return r.params }

// Vaults returns the vaults in display order.
func (r *Registry) Vaults() []store.Vault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Vault(nil), r.reg.Vaults...)
}

// Current returns the current vault.
func (r *Registry) Current() store.Vault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.Vaults[indexOf(r.reg.Vaults, r.reg.Current)]
}

// Get returns the vault with id.
func (r *Registry) Get(id string) (store.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := indexOf(r.reg.Vaults, id)
	if i < 0 {
		return store.Vault{}, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	return r.reg.Vaults[i], nil
}

// CreateVault appends a new vault with a generated id and palette color. The namespace is
// created empty; the vault has no master password until one is set.
func (r *Registry) CreateVault(name string) (store.Vault, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Vault{}, errors.New("vault name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v := store.Vault{
		ID:          uuid.NewString(),
		DisplayName: name,
		ColorTag:    palette[r.reg.Created%len(palette)],
		CreatedAt:   time.Now().UTC(),
	}

	ns, err := r.open(r.paths.DatabasePath(v.ID))
	if err != nil {
		return store.Vault{}, fmt.Errorf("create namespace: %w", err)
	}
	if err := ns.Close(); err != nil {
		return store.Vault{}, fmt.Errorf("close namespace: %w", err)
	}

	next := r.reg
	next.Vaults = append(append([]store.Vault(nil), r.reg.Vaults...), v)
	next.Created++
	if err := store.SaveRegistry(r.paths, next); err != nil {
		_ = store.DestroyVaultDir(r.paths, v.ID)
		return store.Vault{}, err
	}
	r.reg = next
	return v, nil
}

// Rename changes the display name of a vault.
func (r *Registry) Rename(id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("vault name is required")
	}
	return r.update(id, func(v *store.Vault) { v.DisplayName = name })
}

// MarkDecoy flags a vault as holding decoy content.
func (r *Registry) MarkDecoy(id string, decoy bool) error {
	return r.update(id, func(v *store.Vault) { v.IsDecoy = decoy })
}

func (r *Registry) update(id string, fn func(v *store.Vault)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := indexOf(r.reg.Vaults, id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	next := r.reg
	next.Vaults = append([]store.Vault(nil), r.reg.Vaults...)
	fn(&next.Vaults[i])
	if err := store.SaveRegistry(r.paths, next); err != nil {
		return err
	}
	r.reg = next
	return nil
}

// SetCurrent records id as the current vault.
func (r *Registry) SetCurrent(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if indexOf(r.reg.Vaults, id) < 0 {
		return fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	if r.reg.Current == id {
		return nil
	}
	next := r.reg
	next.Current = id
	if err := store.SaveRegistry(r.paths, next); err != nil {
		return err
	}
	r.reg = next
	return nil
}

// Adjacent returns the vault at a cyclic offset of direction (+1 or -1) from id in display order.
func (r *Registry) Adjacent(id string, direction int) (store.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := indexOf(r.reg.Vaults, id)
	if i < 0 {
		return store.Vault{}, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	n := len(r.reg.Vaults)
	step := 1
	if direction < 0 {
		step = -1
	}
	return r.reg.Vaults[((i+step)%n+n)%n], nil
}

// DeleteVault destroys the namespace and header of id and removes it from the registry.
// The default vault is refused before anything is touched. The caller must have closed any
// open handle on the vault.
func (r *Registry) DeleteVault(ctx context.Context, id string) error {
	if id == DefaultVaultID {
		return ErrDefaultVaultDeletion
	}
	v, err := r.Get(id)
	if err != nil {
		return err
	}
	if v.IsDefault {
		return ErrDefaultVaultDeletion
	}

	release, err := r.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	ns, err := r.OpenNamespace(id)
	if err != nil {
		return err
	}
	clearErr := ns.Clear(ctx)
	ns.Close()
	if clearErr != nil {
		return fmt.Errorf("clear vault %s: %w", id, clearErr)
	}
	if err := store.DestroyVaultDir(r.paths, id); err != nil {
		return fmt.Errorf("destroy vault %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.reg
	next.Vaults = make([]store.Vault, 0, len(r.reg.Vaults))
	for _, v := range r.reg.Vaults {
		if v.ID != id {
			next.Vaults = append(next.Vaults, v)
		}
	}
	if next.Current == id {
		next.Current = DefaultVaultID
	}
	if err := store.SaveRegistry(r.paths, next); err != nil {
		return err
	}
	r.reg = next
	return nil
}

// WipeAll irreversibly destroys every vault namespace and leaves a single, empty, uninitialised
// default vault. Files outside the vaults directory, such as the duress log, are untouched.
// The caller must have closed open namespaces.
func (r *Registry) WipeAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, v := range r.reg.Vaults {
		if err := store.DestroyVaultDir(r.paths, v.ID); err != nil {
			errs = append(errs, fmt.Errorf("destroy vault %s: %w", v.ID, err))
		}
	}

	fresh := freshRegistry()
	if err := store.SaveRegistry(r.paths, fresh); err != nil {
		errs = append(errs, err)
	} else {
		r.reg = fresh
	}
	return errors.Join(errs...)
}

// Acquire takes the lock of vault id, waiting until it is free or ctx is done.
// The returned func releases it.
func (r *Registry) Acquire(ctx context.Context, id string) (func(), error) {
	r.locksMu.Lock()
	sem, ok := r.locks[id]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[id] = sem
	}
	r.locksMu.Unlock()

	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Header loads the header of vault id.
func (r *Registry) Header(id string) (store.VaultHeader, error) {
	if _, err := r.Get(id); err != nil {
		return store.VaultHeader{}, err
	}
	return store.LoadVaultHeader(r.paths, id)
}

// OpenNamespace opens the record store of vault id.
func (r *Registry) OpenNamespace(id string) (Namespace, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	ns, err := r.open(r.paths.DatabasePath(id))
	if err != nil {
		return nil, fmt.Errorf("open namespace %s: %w", id, err)
	}
	return ns, nil
}
