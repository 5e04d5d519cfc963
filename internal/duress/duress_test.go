package duress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	minioLib "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/Hussein-Mazeh/duressvault/internal/transfer"
	"github.com/Hussein-Mazeh/duressvault/internal/vault"
	"github.com/Hussein-Mazeh/duressvault/krypto"
	"github.com/Hussein-Mazeh/duressvault/store"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "duress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// recorder captures the order of backup deliveries and wipes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type fakeDestination struct {
	name string
	err  error
	rec  *recorder
	got  []byte
}

func (f *fakeDestination) Name() string { return f.name }

func (f *fakeDestination) Deliver(_ context.Context, _ string, data []byte) error {
	f.rec.add("deliver:" + f.name)
	if f.err != nil {
		return f.err
	}
	f.got = data
	return nil
}

type fakeWiper struct {
	rec *recorder
	err error
}

func (w *fakeWiper) WipeAll(context.Context) error {
	w.rec.add("wipe")
	return w.err
}

func staticProvider(snaps ...VaultSnapshot) RecordProvider {
	return func(context.Context) ([]VaultSnapshot, error) { return snaps, nil }
}

func TestStoreProfileRoundTrip(t *testing.T) {
	st := openStore(t)

	_, err := st.LoadProfile()
	assert.ErrorIs(t, err, ErrNoProfile)

	p := Profile{PanicSalt: "c2FsdA==", PanicVerifier: "dmVy", Decoys: []transfer.Record{{Title: "bank", Password: "1234"}}}
	require.NoError(t, st.SaveProfile(p))

	got, err := st.LoadProfile()
	require.NoError(t, err)
	assert.True(t, got.HasPanicPassword())
	assert.Equal(t, p.Decoys, got.Decoys)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestActivationLogChain(t *testing.T) {
	st := openStore(t)

	first, err := st.AppendActivation(Activation{Wiped: true})
	require.NoError(t, err)
	second, err := st.AppendActivation(Activation{BackupSent: true, Failures: []string{"deliver: boom"}})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	require.NoError(t, st.VerifyLog())

	entries, err := st.Activations()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Wiped)
	assert.Equal(t, []string{"deliver: boom"}, entries[1].Failures)

	// Flip the wiped flag of the first entry behind the store's back.
	entries[0].Wiped = false
	data, err := json.Marshal(entries[0])
	require.NoError(t, err)
	require.NoError(t, st.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(activationsBucket).Put(seqKey(1), data)
	}))
	assert.ErrorIs(t, st.VerifyLog(), ErrLogTampered)
}

func TestPanicPassword(t *testing.T) {
	c := NewController(openStore(t), nil, nil)

	ok, err := c.IsPanicPassword("anything")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetPanicPassword("red balloon 99", krypto.DefaultArgon2Params()))
	has, err := c.HasPanicPassword()
	require.NoError(t, err)
	assert.True(t, has)

	ok, err = c.IsPanicPassword("red balloon 99")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsPanicPassword("red balloon 98")
	require.NoError(t, err)
	assert.False(t, ok)

	decoys := []transfer.Record{{Title: "b"}, {Title: "a"}}
	require.NoError(t, c.SetDecoys(decoys))
	got, err := c.Decoys()
	require.NoError(t, err)
	assert.Equal(t, decoys, got, "order is kept")

	require.NoError(t, c.ClearPanicPassword())
	ok, err = c.IsPanicPassword("red balloon 99")
	require.NoError(t, err)
	assert.False(t, ok)
	got, err = c.Decoys()
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Error(t, c.SetPanicPassword("", krypto.DefaultArgon2Params()))
}

func sampleSnapshot() VaultSnapshot {
	return VaultSnapshot{
		ID:     "default",
		Name:   "Personal",
		Header: store.VaultHeader{Version: store.HeaderVersion, Salt: "c2FsdHNhbHRzYWx0c2FsdA==", Verifier: "dg==", KDF: store.NewKDFConfig(krypto.DefaultArgon2Params())},
		Credentials: []vault.Credential{
			{ID: 1, Title: "mail", Username: "alice", EncryptedPassword: krypto.Blob{Ciphertext: "Y3Q=", IV: "aXY="}},
		},
	}
}

func TestActivateBacksUpBeforeWipe(t *testing.T) {
	rec := &recorder{}
	st := openStore(t)
	good := &fakeDestination{name: "good", rec: rec}
	c := NewController(st, &fakeWiper{rec: rec}, nil)

	res, err := c.Activate(context.Background(), Options{
		Wipe:         true,
		SendBackup:   true,
		Destinations: []Destination{good},
	}, staticProvider(sampleSnapshot()), nil, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"deliver:good", "wipe"}, rec.events)
	assert.True(t, res.BackupSent)
	assert.True(t, res.Wiped)
	assert.Equal(t, []string{"good"}, res.Delivered)
	assert.Len(t, res.Checksum, 16)

	pkg, err := ParseBackup(good.got)
	require.NoError(t, err)
	assert.Equal(t, res.Checksum, pkg.Checksum)
	require.Len(t, pkg.Credentials, 1)
	assert.Equal(t, "mail", pkg.Credentials[0].Title)

	log, err := c.Log()
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].Wiped)
	assert.True(t, log[0].BackupSent)
}

func TestActivateDeliveryFailureStillWipesAndLogs(t *testing.T) {
	rec := &recorder{}
	bad := &fakeDestination{name: "bad", err: errors.New("connection refused"), rec: rec}
	c := NewController(openStore(t), &fakeWiper{rec: rec}, nil)

	res, err := c.Activate(context.Background(), Options{
		Wipe:         true,
		SendBackup:   true,
		Destinations: []Destination{bad},
	}, staticProvider(sampleSnapshot()), nil, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"deliver:bad", "wipe"}, rec.events)
	assert.False(t, res.BackupSent)
	assert.True(t, res.Wiped)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "connection refused")

	log, err := c.Log()
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.False(t, log[0].BackupSent)
	assert.True(t, log[0].Wiped)
	assert.NoError(t, c.VerifyLog())
}

func TestActivateRecordsEveryFailure(t *testing.T) {
	rec := &recorder{}
	c := NewController(openStore(t), &fakeWiper{rec: rec, err: errors.New("device busy")}, nil)

	failing := func(context.Context) ([]VaultSnapshot, error) { return nil, errors.New("namespace unreadable") }
	res, err := c.Activate(context.Background(), Options{
		Wipe:         true,
		SendBackup:   true,
		Destinations: []Destination{&fakeDestination{name: "d", rec: rec}},
	}, failing, nil, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"wipe"}, rec.events)
	assert.False(t, res.Wiped)
	assert.False(t, res.BackupSent)
	require.Len(t, res.Failures, 2)
	assert.Contains(t, res.Failures[0], "namespace unreadable")
	assert.Contains(t, res.Failures[1], "device busy")

	res, err = c.Activate(context.Background(), Options{SendBackup: true}, failing, nil, "")
	require.NoError(t, err)
	assert.Contains(t, res.Failures[0], "no destination")

	log, err := c.Log()
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestActivateCancelledSkipsWipeButLogs(t *testing.T) {
	rec := &recorder{}
	c := NewController(openStore(t), &fakeWiper{rec: rec}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Activate(ctx, Options{Wipe: true}, nil, nil, "")
	require.NoError(t, err)
	assert.Empty(t, rec.events)
	assert.False(t, res.Wiped)
	assert.Equal(t, uint64(1), res.Entry.Seq)
}

func TestActivateFailsOnlyWhenLogFails(t *testing.T) {
	st := openStore(t)
	c := NewController(st, &fakeWiper{rec: &recorder{}}, nil)
	require.NoError(t, st.Close())

	res, err := c.Activate(context.Background(), Options{Wipe: true}, nil, nil, "")
	assert.Error(t, err)
	assert.True(t, res.Wiped)
}

func TestBackupRestoreWithRealVault(t *testing.T) {
	ctx := context.Background()
	reg, err := vault.NewRegistry(store.Paths{Dir: t.TempDir()}, krypto.DefaultArgon2Params(), nil)
	require.NoError(t, err)
	s := vault.NewSession(reg)
	require.NoError(t, s.SetMaster(ctx, vault.DefaultVaultID, "master pass one"))
	t.Cleanup(func() { s.Lock() })

	require.NoError(t, s.With(func(ns vault.Namespace, key *krypto.SessionKey) error {
		c, err := vault.SealCredential(vault.PlainCredential{Title: "bank", Username: "me", Password: "hunter2", Notes: "pin 0000"}, key)
		if err != nil {
			return err
		}
		_, err = ns.InsertCredential(ctx, c.Row())
		return err
	}))
	_, err = reg.CreateVault("Empty and uninitialised")
	require.NoError(t, err)

	snaps, err := RegistrySnapshot(reg)(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	key, err := s.Key()
	require.NoError(t, err)
	pkg, problems, err := BuildBackup(snaps, key, vault.DefaultVaultID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, problems)

	data, err := pkg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	parsed, err := ParseBackup(data)
	require.NoError(t, err)

	creds, err := RestoreVault(parsed, vault.DefaultVaultID, "master pass one")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "hunter2", creds[0].Password)
	assert.Equal(t, "pin 0000", creds[0].Notes)

	_, err = RestoreVault(parsed, vault.DefaultVaultID, "master pass two")
	assert.ErrorIs(t, err, krypto.ErrAuthentication)
	_, err = RestoreVault(parsed, "nope", "master pass one")
	assert.ErrorIs(t, err, vault.ErrVaultNotFound)

	tampered := strings.Replace(string(data), `"bank"`, `"BANK"`, 1)
	_, err = ParseBackup([]byte(tampered))
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBuildBackupReportsUnreadable(t *testing.T) {
	key, err := krypto.NewSessionKey(make([]byte, krypto.KeyLength))
	require.NoError(t, err)

	_, problems, err := BuildBackup([]VaultSnapshot{sampleSnapshot()}, key, "default", time.Now())
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "unreadable")
}

func TestDirDestination(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "usb")
	d := DirDestination{Dir: dir}
	require.NoError(t, d.Deliver(context.Background(), "b.json", []byte(`{"a":1}`)))

	data, err := os.ReadFile(filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file left behind")
}

func TestWebhookDestination(t *testing.T) {
	var gotName, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotName = r.Header.Get("X-Backup-Name")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if strings.Contains(r.URL.Path, "fail") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookDestination(srv.URL+"/ok").Deliver(context.Background(), "n.json", []byte("payload")))
	assert.Equal(t, "n.json", gotName)
	assert.Equal(t, "payload", gotBody)

	err := NewWebhookDestination(srv.URL+"/fail").Deliver(context.Background(), "n.json", []byte("payload"))
	assert.ErrorContains(t, err, "502")
}

// fakeMinio records uploads in memory.
type fakeMinio struct {
	bucketExists    bool
	bucketExistsErr error
	makeBucketErr   error
	madeBucket      bool

	putErr  error
	putName string
	putSize int64
}

func (f *fakeMinio) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, f.bucketExistsErr
}
func (f *fakeMinio) MakeBucket(_ context.Context, _ string, _ minioLib.MakeBucketOptions) error {
	f.madeBucket = true
	return f.makeBucketErr
}
func (f *fakeMinio) PutObject(_ context.Context, _ string, name string, _ io.Reader, size int64, _ minioLib.PutObjectOptions) (minioLib.UploadInfo, error) {
	f.putName, f.putSize = name, size
	return minioLib.UploadInfo{}, f.putErr
}

func TestMinioDestination(t *testing.T) {
	ctx := context.Background()

	api := &fakeMinio{}
	d := newMinioDestinationWithStore(api, "minio:9000", "backups")
	require.NoError(t, d.Deliver(ctx, "x.json", []byte("12345")))
	assert.True(t, api.madeBucket)
	assert.Equal(t, "x.json", api.putName)
	assert.Equal(t, int64(5), api.putSize)
	assert.Equal(t, "minio:minio:9000/backups", d.Name())

	api = &fakeMinio{bucketExists: true, putErr: errors.New("denied")}
	err := newMinioDestinationWithStore(api, "e", "b").Deliver(ctx, "x.json", nil)
	assert.ErrorContains(t, err, "failed to upload object")
	assert.False(t, api.madeBucket)

	api = &fakeMinio{bucketExistsErr: errors.New("dns")}
	err = newMinioDestinationWithStore(api, "e", "b").Deliver(ctx, "x.json", nil)
	assert.ErrorContains(t, err, "failed to check bucket existence")

	_, err = NewMinioDestination("localhost:9000", "ak", "sk", "b", false)
	assert.NoError(t, err)
}
