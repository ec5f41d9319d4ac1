package keygen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	"github.com/kolide/tuf-repo-server/storage"
	memorystore "github.com/kolide/tuf-repo-server/storage/memory"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

func newTestEngine() (*Engine, *memorystore.KeyGenRequestStore, *keystore.Store) {
	reqs := memorystore.NewKeyGenRequestStore()
	ks := keystore.New(memorystore.NewKeyStore(), secretstore.NewMemory())
	return New(reqs, ks, nil, 0), reqs, ks
}

func TestPollFulfillsRequestedRows(t *testing.T) {
	ctx := context.Background()
	e, reqs, ks := newTestEngine()
	repo := storage.RepoID("repo-1")

	req := &storage.KeyGenRequest{RepoID: repo, RoleType: data.RoleTargets, KeyType: data.KeyTypeEd25519, Status: storage.KeyGenRequested}
	require.NoError(t, reqs.Create(ctx, req))

	require.NoError(t, e.Poll(ctx))

	got, err := reqs.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, storage.KeyGenGenerated, got.Status)

	rows, err := ks.ListForRole(ctx, repo, data.RoleTargets)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPollMarksWeakRSARequestAsError(t *testing.T) {
	ctx := context.Background()
	e, reqs, _ := newTestEngine()

	req := &storage.KeyGenRequest{RepoID: storage.RepoID("repo-1"), RoleType: data.RoleTargets, KeyType: data.KeyTypeRsa, Size: 512, Status: storage.KeyGenRequested}
	require.NoError(t, reqs.Create(ctx, req))

	require.NoError(t, e.Poll(ctx))

	got, err := reqs.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, storage.KeyGenError, got.Status)
	require.NotEmpty(t, got.Cause)
}

func TestPollRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	reqs := memorystore.NewKeyGenRequestStore()
	ks := keystore.New(memorystore.NewKeyStore(), secretstore.NewMemory())
	e := New(reqs, ks, nil, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, reqs.Create(ctx, &storage.KeyGenRequest{
			RepoID: storage.RepoID("repo-1"), RoleType: data.RoleTargets, KeyType: data.KeyTypeEd25519, Status: storage.KeyGenRequested,
		}))
	}

	require.NoError(t, e.Poll(ctx))

	pending, err := reqs.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2, "only one of three requests should have been fulfilled")
}

func TestRetryOnlyAllowedFromError(t *testing.T) {
	ctx := context.Background()
	e, reqs, _ := newTestEngine()

	req := &storage.KeyGenRequest{RepoID: storage.RepoID("repo-1"), RoleType: data.RoleTargets, KeyType: data.KeyTypeEd25519, Status: storage.KeyGenRequested}
	require.NoError(t, reqs.Create(ctx, req))

	err := e.Retry(ctx, req.ID)
	require.Error(t, err, "a REQUESTED row is not eligible for retry")

	require.NoError(t, reqs.Transition(ctx, req.ID, storage.KeyGenError, "boom", nil))
	require.NoError(t, e.Retry(ctx, req.ID))

	got, err := reqs.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, storage.KeyGenRequested, got.Status)
}

func TestForceSyncGeneratesInlineAndIsBatchExempt(t *testing.T) {
	ctx := context.Background()
	e, reqs, _ := newTestEngine()
	repo := storage.RepoID("repo-1")

	row, err := e.ForceSync(ctx, repo, data.RoleTargets, data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	require.True(t, row.Online())

	pending, err := reqs.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending, "force-synced request must not appear in the poll queue")
}
