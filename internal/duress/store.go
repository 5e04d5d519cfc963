package duress

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/store"
)

// Bucket names
var (
	profileBucket     = []byte("profile")
	activationsBucket = []byte("activations")
	profileKey        = []byte("current")
)

var (
	ErrNoProfile   = errors.New("duress profile not configured")
	ErrLogTampered = errors.New("activation log chain broken")
	errStoreClosed = errors.New("duress store closed")
)

// Profile is the persisted duress configuration. Decoys are fake credentials and are kept in
// clear so they can be installed without any vault key.
type Profile struct {
	PanicSalt     string            `json:"panicSalt,omitempty"`
	PanicVerifier string            `json:"panicVerifier,omitempty"`
	KDF           store.KDFConfig   `json:"kdf"`
	Decoys        []transfer.Record `json:"decoys"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// HasPanicPassword reports whether a panic verifier is stored.
func (p Profile) HasPanicPassword() bool {
	return p.PanicSalt != "" && p.PanicVerifier != ""
}

// Activation is one entry of the append-only activation log. Hash chains each entry to the
// previous one.
type Activation struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Wiped      bool      `json:"wiped"`
	BackupSent bool      `json:"backupSent"`
	Failures   []string  `json:"failures,omitempty"`
	PrevHash   string    `json:"prevHash"`
	Hash       string    `json:"hash"`
}

func (a Activation) digest() string {
	payload, _ := json.Marshal(struct {
		Seq        uint64   `json:"seq"`
		Timestamp  string   `json:"timestamp"`
		Wiped      bool     `json:"wiped"`
		BackupSent bool     `json:"backupSent"`
		Failures   []string `json:"failures"`
	}{a.Seq, a.Timestamp.UTC().Format(time.RFC3339Nano), a.Wiped, a.BackupSent, a.Failures})

	h := sha256.New()
	h.Write([]byte(a.PrevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Store keeps the duress profile and activation log in a bbolt file that lives outside every
// vault namespace, so wiping the vaults leaves it in place.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens or creates the duress database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create duress directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open duress database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{profileBucket, activationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveProfile replaces the stored profile.
func (s *Store) SaveProfile(p Profile) error {
	if s.db == nil {
		return errStoreClosed
	}
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal duress profile: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(profileBucket).Put(profileKey, data); err != nil {
			return fmt.Errorf("store duress profile: %w", err)
		}
		return nil
	})
}

// LoadProfile returns the stored profile or ErrNoProfile.
func (s *Store) LoadProfile() (Profile, error) {
	var p Profile
	if s.db == nil {
		return p, errStoreClosed
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(profileBucket).Get(profileKey)
		if data == nil {
			return ErrNoProfile
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal duress profile: %w", err)
		}
		return nil
	})
	return p, err
}

// AppendActivation assigns the next sequence number, chains a to the last entry and stores it.
func (s *Store) AppendActivation(a Activation) (Activation, error) {
	if s.db == nil {
		return a, errStoreClosed
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(activationsBucket)

		a.PrevHash = ""
		if _, last := b.Cursor().Last(); last != nil {
			var prev Activation
			if err := json.Unmarshal(last, &prev); err != nil {
				return fmt.Errorf("unmarshal last activation: %w", err)
			}
			a.PrevHash = prev.Hash
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next activation sequence: %w", err)
		}
		a.Seq = seq
		a.Hash = a.digest()

		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal activation: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
	return a, err
}

// Activations returns the log in append order.
func (s *Store) Activations() ([]Activation, error) {
	if s.db == nil {
		return nil, errStoreClosed
	}
	var out []Activation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(activationsBucket).ForEach(func(_, v []byte) error {
			var a Activation
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshal activation: %w", err)
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// VerifyLog recomputes the hash chain and returns ErrLogTampered on the first mismatch.
func (s *Store) VerifyLog() error {
	entries, err := s.Activations()
	if err != nil {
		return err
	}
	prev := ""
	for _, a := range entries {
		if a.PrevHash != prev || a.digest() != a.Hash {
			return fmt.Errorf("%w at entry %d", ErrLogTampered, a.Seq)
		}
		prev = a.Hash
	}
	return nil
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
