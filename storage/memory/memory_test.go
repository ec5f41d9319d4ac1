package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/data"
)

func TestSignedRoleStoreEnforcesVersionBump(t *testing.T) {
	ctx := context.Background()
	s := NewSignedRoleStore()
	repo := storage.RepoID("repo-1")

	require.NoError(t, s.Put(ctx, &storage.SignedRoleRow{RepoID: repo, RoleType: data.RoleTargets, Version: 1}))
	require.NoError(t, s.Put(ctx, &storage.SignedRoleRow{RepoID: repo, RoleType: data.RoleTargets, Version: 2}))

	err := s.Put(ctx, &storage.SignedRoleRow{RepoID: repo, RoleType: data.RoleTargets, Version: 20})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	current, err := s.Get(ctx, repo, data.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, 2, current.Version)
}

func TestSignedRoleStorePutAtomicAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewSignedRoleStore()
	repo := storage.RepoID("repo-1")

	require.NoError(t, s.Put(ctx, &storage.SignedRoleRow{RepoID: repo, RoleType: data.RoleTargets, Version: 1}))

	err := s.PutAtomic(ctx, []*storage.SignedRoleRow{
		{RepoID: repo, RoleType: data.RoleTargets, Version: 2},
		{RepoID: repo, RoleType: data.RoleSnapshot, Version: 5}, // wrong bump, should abort both
	})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	_, err = s.Get(ctx, repo, data.RoleSnapshot)
	require.ErrorIs(t, err, ErrNotFound)
	targets, err := s.Get(ctx, repo, data.RoleTargets)
	require.NoError(t, err)
	require.Equal(t, 1, targets.Version, "targets must not have been bumped when snapshot failed")
}

func TestTargetItemStoreUpsertPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewTargetItemStore()
	repo := storage.RepoID("repo-1")

	first := &storage.TargetItem{RepoID: repo, Filename: "a.bin", CreatedAt: mustTime(2020, time.January, 1)}
	require.NoError(t, s.Upsert(ctx, first))

	second := &storage.TargetItem{RepoID: repo, Filename: "a.bin", CreatedAt: mustTime(2099, time.January, 1), UpdatedAt: mustTime(2021, time.January, 1)}
	require.NoError(t, s.Upsert(ctx, second))

	got, err := s.Get(ctx, repo, "a.bin")
	require.NoError(t, err)
	require.Equal(t, mustTime(2020, time.January, 1), got.CreatedAt)
	require.Equal(t, mustTime(2021, time.January, 1), got.UpdatedAt)
}

func TestTargetItemStoreListPaginatesAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewTargetItemStore()
	repo := storage.RepoID("repo-1")

	for _, fn := range []string{"b.bin", "a.bin", "c.bin"} {
		require.NoError(t, s.Upsert(ctx, &storage.TargetItem{RepoID: repo, Filename: fn, Custom: storage.TargetCustom{Name: fn}}))
	}

	items, total, err := s.List(ctx, repo, "", 0, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, items, 2)
	require.Equal(t, "a.bin", items[0].Filename)
	require.Equal(t, "b.bin", items[1].Filename)

	filtered, total, err := s.List(ctx, repo, "c", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, filtered, 1)
	require.Equal(t, "c.bin", filtered[0].Filename)
}

func mustTime(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
