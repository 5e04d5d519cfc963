// Package duress recognises a panic password and runs the disclosure-safe response:
// an optional backup, then a wipe, then an entry in a tamper-evident activation log.
package duress

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Hussein-Mazeh/duressvault/internal/logger"
	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

// Wiper erases every vault namespace. The activation log must survive it.
type Wiper interface {
	WipeAll(ctx context.Context) error
}

// Options selects what an activation does.
type Options struct {
	Wipe         bool
	SendBackup   bool
	Destinations []Destination
}

// Result summarises an activation. Failures lists every caught problem in order.
type Result struct {
	BackupSent bool
	Delivered  []string
	Checksum   string
	Wiped      bool
	Failures   []string
	Entry      Activation
}

// Controller owns the duress profile and runs activations.
type Controller struct {
	store *Store
	wiper Wiper
	log   *logger.Logger
	now   func() time.Time
}

// NewController returns a controller over st that wipes through wiper.
func NewController(st *Store, wiper Wiper, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	return &Controller{store: st, wiper: wiper, log: log, now: time.Now}
}

func (c *Controller) profile() (Profile, error) {
	p, err := c.store.LoadProfile()
	if errors.Is(err, ErrNoProfile) {
		return Profile{}, nil
	}
	return p, err
}

// SetPanicPassword stores a fresh verifier for password. Callers are responsible for refusing
// a password equal to any master password.
func (c *Controller) SetPanicPassword(password string, params krypto.Argon2Params) error {
	if password == "" {
		return errors.New("panic password cannot be empty")
	}
	p, err := c.profile()
	if err != nil {
		return err
	}

	pw := []byte(password)
	defer krypto.Wipe(pw)
	salt, keys, err := krypto.CreateVerifier(pw, params)
	if err != nil {
		return fmt.Errorf("create panic verifier: %w", err)
	}
	defer keys.Wipe()

	p.PanicSalt = base64.StdEncoding.EncodeToString(salt)
	p.PanicVerifier = base64.StdEncoding.EncodeToString(keys.Verifier)
	p.KDF = store.NewKDFConfig(params)
	return c.store.SaveProfile(p)
}

// ClearPanicPassword removes the panic verifier and keeps the decoys.
func (c *Controller) ClearPanicPassword() error {
	p, err := c.profile()
	if err != nil {
		return err
	}
	p.PanicSalt, p.PanicVerifier = "", ""
	return c.store.SaveProfile(p)
}

// HasPanicPassword reports whether a panic password is configured.
func (c *Controller) HasPanicPassword() (bool, error) {
	p, err := c.profile()
	if err != nil {
		return false, err
	}
	return p.HasPanicPassword(), nil
}

// IsPanicPassword re-derives the panic verifier for candidate and compares it in constant time.
// Without a configured panic password it always reports false.
func (c *Controller) IsPanicPassword(candidate string) (bool, error) {
	p, err := c.profile()
	if err != nil {
		return false, err
	}
	if !p.HasPanicPassword() {
		return false, nil
	}
	params, err := p.KDF.Params()
	if err != nil {
		return false, err
	}
	salt, err := base64.StdEncoding.DecodeString(p.PanicSalt)
	if err != nil {
		return false, fmt.Errorf("decode panic salt: %w", err)
	}
	verifier, err := base64.StdEncoding.DecodeString(p.PanicVerifier)
	if err != nil {
		return false, fmt.Errorf("decode panic verifier: %w", err)
	}
	pw := []byte(candidate)
	defer krypto.Wipe(pw)
	return krypto.Verify(pw, salt, verifier, params)
}

// SetDecoys replaces the ordered decoy credentials.
func (c *Controller) SetDecoys(decoys []transfer.Record) error {
	p, err := c.profile()
	if err != nil {
		return err
	}
	p.Decoys = append([]transfer.Record(nil), decoys...)
	return c.store.SaveProfile(p)
}

// Decoys returns the decoy credentials in order.
func (c *Controller) Decoys() ([]transfer.Record, error) {
	p, err := c.profile()
	if err != nil {
		return nil, err
	}
	return p.Decoys, nil
}

// Log returns the activation log.
func (c *Controller) Log() ([]Activation, error) { return c.store.Activations() }

// VerifyLog checks the activation log hash chain.
func (c *Controller) VerifyLog() error { return c.store.VerifyLog() }

// Activate runs the duress sequence.
//
// Behavior:
//  1. With SendBackup and at least one destination, packages every vault from provider and
//     delivers to each destination. Failures are recorded and never stop the sequence.
//  2. Only after step 1 has finished, wipes every vault when Wipe is set.
//  3. Appends {timestamp, wiped, backupSent} to the activation log, even if ctx was cancelled.
//
// key may be nil; when set, credentials of keyVaultID are test-opened before packaging.
// The only returned error is a failure to write the log entry.
func (c *Controller) Activate(ctx context.Context, opts Options, provider RecordProvider, key *krypto.SessionKey, keyVaultID string) (Result, error) {
	var res Result
	now := c.now().UTC()

	if opts.SendBackup {
		c.backup(ctx, opts.Destinations, provider, key, keyVaultID, now, &res)
	}

	if opts.Wipe {
		switch {
		case ctx.Err() != nil:
			res.Failures = append(res.Failures, fmt.Sprintf("wipe skipped: %v", ctx.Err()))
		case c.wiper == nil:
			res.Failures = append(res.Failures, "wipe skipped: no wiper configured")
		default:
			if err := c.wiper.WipeAll(ctx); err != nil {
				res.Failures = append(res.Failures, fmt.Sprintf("wipe: %v", err))
			} else {
				res.Wiped = true
			}
		}
	}

	entry, err := c.store.AppendActivation(Activation{
		Timestamp:  now,
		Wiped:      res.Wiped,
		BackupSent: res.BackupSent,
		Failures:   res.Failures,
	})
	if err != nil {
		c.log.Error("failed to record duress activation", "error", err)
		return res, fmt.Errorf("append activation log: %w", err)
	}
	res.Entry = entry

	c.log.Warn("duress activated",
		"wiped", res.Wiped,
		"backupSent", res.BackupSent,
		"failures", len(res.Failures),
		"seq", entry.Seq,
	)
	return res, nil
}

func (c *Controller) backup(ctx context.Context, dests []Destination, provider RecordProvider, key *krypto.SessionKey, keyVaultID string, now time.Time, res *Result) {
	if len(dests) == 0 {
		res.Failures = append(res.Failures, "backup skipped: no destination configured")
		return
	}
	if provider == nil {
		res.Failures = append(res.Failures, "backup skipped: no record provider")
		return
	}

	snaps, err := provider(ctx)
	if err != nil {
		res.Failures = append(res.Failures, fmt.Sprintf("backup: collect records: %v", err))
		return
	}
	pkg, problems, err := BuildBackup(snaps, key, keyVaultID, now)
	res.Failures = append(res.Failures, problems...)
	if err != nil {
		res.Failures = append(res.Failures, fmt.Sprintf("backup: build package: %v", err))
		return
	}
	data, err := pkg.Marshal()
	if err != nil {
		res.Failures = append(res.Failures, fmt.Sprintf("backup: encode package: %v", err))
		return
	}
	res.Checksum = pkg.Checksum

	name := fmt.Sprintf("backup-%s-%s.json", now.Format("20060102T150405Z"), uuid.NewString()[:8])
	for _, d := range dests {
		if err := d.Deliver(ctx, name, data); err != nil {
			c.log.Warn("backup delivery failed", "destination", d.Name(), "error", err)
			res.Failures = append(res.Failures, fmt.Sprintf("deliver to %s: %v", d.Name(), err))
			continue
		}
		res.Delivered = append(res.Delivered, d.Name())
		res.BackupSent = true
	}
}
