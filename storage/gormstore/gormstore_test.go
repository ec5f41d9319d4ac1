package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

// openTest returns a fresh migrated sqlite database backed by a file
// under the test's temp dir (following the same ioutil.TempFile("sqlite3")
// pattern notary's signer tests use), private to the calling test.
func openTest(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestKeyGenRequestStoreLifecycle(t *testing.T) {
	db := openTest(t)
	store := NewKeyGenRequestStore(db)
	ctx := context.Background()

	req := &storage.KeyGenRequest{
		RepoID:   "repo-1",
		RoleType: data.RoleTargets,
		KeyType:  data.KeyTypeEd25519,
		Size:     256,
		Status:   storage.KeyGenRequested,
	}
	require.NoError(t, store.Create(ctx, req))
	require.NotEmpty(t, req.ID)

	got, err := store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, storage.KeyGenRequested, got.Status)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, store.Transition(ctx, req.ID, storage.KeyGenGenerated, "", nil))
	got, err = store.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, storage.KeyGenGenerated, got.Status)

	pending, err = store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, store.Transition(ctx, req.ID, storage.KeyGenError, "boom", nil))
	errored, err := store.ListErrored(ctx, "repo-1")
	require.NoError(t, err)
	require.Len(t, errored, 1)
	require.Equal(t, "boom", errored[0].Cause)
}

func TestKeyGenRequestStoreTransitionRollsBackOnSideEffectError(t *testing.T) {
	db := openTest(t)
	store := NewKeyGenRequestStore(db)
	ctx := context.Background()

	req := &storage.KeyGenRequest{RepoID: "repo-1", RoleType: data.RoleTargets, Status: storage.KeyGenRequested}
	require.NoError(t, store.Create(ctx, req))

	err := store.Transition(ctx, req.ID, storage.KeyGenGenerated, "", func() error {
		return errors.New("boom")
	})
	require.Error(t, err)

	got, getErr := store.Get(ctx, req.ID)
	require.NoError(t, getErr)
	require.Equal(t, storage.KeyGenRequested, got.Status)
}

func TestKeyStoreWriteGetListAndTakeOffline(t *testing.T) {
	db := openTest(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	row := &storage.KeyRow{
		KeyID:      "key-1",
		RepoID:     "repo-1",
		RoleType:   data.RoleTargets,
		KeyType:    data.KeyTypeEd25519,
		Public:     data.Key{KeyType: data.KeyTypeEd25519, Scheme: data.MethodEd25519, KeyVal: data.KeyVal{Public: "abc"}},
		PrivateRef: "secret/repo-1/key-1",
	}
	require.NoError(t, store.Write(ctx, row))

	got, err := store.Get(ctx, "repo-1", "key-1")
	require.NoError(t, err)
	require.Equal(t, "abc", got.Public.KeyVal.Public)
	require.True(t, got.Online())

	// Write again with changed fields exercises the update branch, not a
	// second insert.
	row.PrivateRef = "secret/repo-1/key-1-rotated"
	require.NoError(t, store.Write(ctx, row))
	rows, err := store.ListForRole(ctx, "repo-1", data.RoleTargets)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "secret/repo-1/key-1-rotated", rows[0].PrivateRef)

	require.NoError(t, store.TakeOffline(ctx, "repo-1", "key-1"))
	got, err = store.Get(ctx, "repo-1", "key-1")
	require.NoError(t, err)
	require.False(t, got.Online())

	// idempotent
	require.NoError(t, store.TakeOffline(ctx, "repo-1", "key-1"))
}

func TestRootRoleStoreCreateGetAndVersionConflict(t *testing.T) {
	db := openTest(t)
	store := NewRootRoleStore(db)
	ctx := context.Background()

	v1 := &storage.RootRoleRow{
		RepoID:         "repo-1",
		Version:        1,
		ExpiresAt:      time.Now().Add(24 * time.Hour),
		CanonicalBytes: []byte(`{"signed":{}}`),
		Signatures:     []data.Signature{{KeyID: "key-1", Method: data.MethodEd25519, Value: "sig"}},
	}
	require.NoError(t, store.Create(ctx, v1))

	require.Error(t, store.Create(ctx, v1), "duplicate (repo, version) must fail")

	got, err := store.Get(ctx, "repo-1", 1)
	require.NoError(t, err)
	require.Len(t, got.Signatures, 1)
	require.Equal(t, data.KeyID("key-1"), got.Signatures[0].KeyID)

	v2 := &storage.RootRoleRow{RepoID: "repo-1", Version: 2, ExpiresAt: time.Now(), CanonicalBytes: []byte(`{}`)}
	require.NoError(t, store.Create(ctx, v2))

	latest, err := store.GetLatest(ctx, "repo-1")
	require.NoError(t, err)
	require.Equal(t, 2, latest.Version)
}

func TestTargetItemStoreUpsertGetDeleteList(t *testing.T) {
	db := openTest(t)
	store := NewTargetItemStore(db)
	ctx := context.Background()

	item := &storage.TargetItem{
		RepoID:   "repo-1",
		Filename: "app-1.0.bin",
		Length:   100,
		Checksum: storage.Checksum{Method: data.HashSHA256, Hex: "abc123"},
		Custom: storage.TargetCustom{
			Name:        "app",
			HardwareIDs: []string{"hw-1", "hw-2"},
			Proprietary: map[string]interface{}{"team": "infra"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.Upsert(ctx, item))

	got, err := store.Get(ctx, "repo-1", "app-1.0.bin")
	require.NoError(t, err)
	require.Equal(t, int64(100), got.Length)
	require.Equal(t, []string{"hw-1", "hw-2"}, got.Custom.HardwareIDs)
	require.Equal(t, "infra", got.Custom.Proprietary["team"])
	firstCreated := got.CreatedAt

	// Upsert again: length changes, CreatedAt must be preserved.
	item.Length = 200
	require.NoError(t, store.Upsert(ctx, item))
	got, err = store.Get(ctx, "repo-1", "app-1.0.bin")
	require.NoError(t, err)
	require.Equal(t, int64(200), got.Length)
	require.WithinDuration(t, firstCreated, got.CreatedAt, time.Second)

	require.NoError(t, store.Upsert(ctx, &storage.TargetItem{
		RepoID: "repo-1", Filename: "app-2.0.bin", Length: 1,
		Checksum: storage.Checksum{Method: data.HashSHA256, Hex: "def456"},
		Custom:   storage.TargetCustom{Name: "app"},
	}))

	items, total, err := store.List(ctx, "repo-1", "", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, items, 2)
	require.Equal(t, "app-1.0.bin", items[0].Filename)

	filtered, total, err := store.List(ctx, "repo-1", "app", 0, 1)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, filtered, 1)

	require.NoError(t, store.Delete(ctx, "repo-1", "app-1.0.bin"))
	require.ErrorIs(t, store.Delete(ctx, "repo-1", "app-1.0.bin"), ErrNotFound)
}

func TestSignedRoleStorePutEnforcesVersionBumpAndPutAtomicIsAllOrNothing(t *testing.T) {
	db := openTest(t)
	store := NewSignedRoleStore(db)
	ctx := context.Background()

	targets := &storage.SignedRoleRow{RepoID: "repo-1", RoleType: data.RoleTargets, Version: 1, CanonicalBytes: []byte(`{}`)}
	require.NoError(t, store.Put(ctx, targets))

	got, err := store.Get(ctx, "repo-1", data.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)

	require.ErrorIs(t, store.Put(ctx, &storage.SignedRoleRow{RepoID: "repo-1", RoleType: data.RoleTargets, Version: 3}), storage.ErrVersionConflict)

	targets.Version = 2
	targets.ChecksumHex = "deadbeef"
	require.NoError(t, store.Put(ctx, targets))
	got, err = store.Get(ctx, "repo-1", data.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
	require.Equal(t, "deadbeef", got.ChecksumHex)

	// One valid bump (targets v3) and one invalid (snapshot must start at
	// 1, not 2): the whole batch must fail and neither row advances.
	err = store.PutAtomic(ctx, []*storage.SignedRoleRow{
		{RepoID: "repo-1", RoleType: data.RoleTargets, Version: 3, CanonicalBytes: []byte(`{}`)},
		{RepoID: "repo-1", RoleType: data.RoleSnapshot, Version: 2, CanonicalBytes: []byte(`{}`)},
	})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	got, err = store.Get(ctx, "repo-1", data.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version, "failed batch must not have advanced targets")

	_, err = store.Get(ctx, "repo-1", data.RoleSnapshot)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutAtomic(ctx, []*storage.SignedRoleRow{
		{RepoID: "repo-1", RoleType: data.RoleTargets, Version: 3, CanonicalBytes: []byte(`{}`)},
		{RepoID: "repo-1", RoleType: data.RoleSnapshot, Version: 1, CanonicalBytes: []byte(`{}`)},
	}))
	got, err = store.Get(ctx, "repo-1", data.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
}

func TestDelegationStorePutAndGet(t *testing.T) {
	db := openTest(t)
	store := NewDelegationStore(db)
	ctx := context.Background()

	row := &storage.DelegationRow{RepoID: "repo-1", Name: "1password", Version: 1, CanonicalBytes: []byte(`{"signed":{}}`)}
	require.NoError(t, store.Put(ctx, row))

	got, err := store.Get(ctx, "repo-1", "1password")
	require.NoError(t, err)
	require.Equal(t, 1, got.Version)

	row.Version = 2
	row.CanonicalBytes = []byte(`{"signed":{"version":2}}`)
	require.NoError(t, store.Put(ctx, row))

	got, err = store.Get(ctx, "repo-1", "1password")
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
	require.Equal(t, []byte(`{"signed":{"version":2}}`), got.CanonicalBytes)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTest(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))
}
