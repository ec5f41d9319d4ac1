package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	"github.com/kolide/tuf-repo-server/storage"
	memorystore "github.com/kolide/tuf-repo-server/storage/memory"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

func newTestStore() *Store {
	return New(memorystore.NewKeyStore(), secretstore.NewMemory())
}

func TestWriteThenReadKeypairRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	repo := storage.RepoID("repo-1")

	kp, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)

	row, err := s.Write(ctx, repo, data.RoleTargets, kp)
	require.NoError(t, err)
	require.True(t, row.Online())

	pub, err := s.ReadPublic(ctx, repo, row.KeyID)
	require.NoError(t, err)
	require.Equal(t, kp.Public, pub)

	priv, err := s.ReadKeypair(ctx, repo, row.KeyID)
	require.NoError(t, err)
	require.NotEmpty(t, priv)
}

func TestDeletePrivateTakesKeyOfflineAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	repo := storage.RepoID("repo-1")

	kp, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	row, err := s.Write(ctx, repo, data.RoleTargets, kp)
	require.NoError(t, err)

	require.NoError(t, s.DeletePrivate(ctx, repo, row.KeyID))
	require.NoError(t, s.DeletePrivate(ctx, repo, row.KeyID), "deleting an already-offline key must be a no-op")

	_, err = s.ReadKeypair(ctx, repo, row.KeyID)
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.RoleKeyNotFound, ae.Kind)

	pub, err := s.ReadPublic(ctx, repo, row.KeyID)
	require.NoError(t, err, "public half remains readable once offline")
	require.Equal(t, kp.Public, pub)
}

func TestReadKeypairUnknownKeyIsMissingEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.ReadKeypair(ctx, storage.RepoID("repo-1"), data.KeyID("nope"))
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.MissingEntity, ae.Kind)
}

func TestListForRoleFiltersByRole(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	repo := storage.RepoID("repo-1")

	targetsKP, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	_, err = s.Write(ctx, repo, data.RoleTargets, targetsKP)
	require.NoError(t, err)

	rootKP, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	_, err = s.Write(ctx, repo, data.RoleRoot, rootKP)
	require.NoError(t, err)

	rows, err := s.ListForRole(ctx, repo, data.RoleTargets)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, data.RoleTargets, rows[0].RoleType)
}

func TestSignAllSignsWithEveryOnlineKeyAndSkipsOffline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	repo := storage.RepoID("repo-1")

	kp1, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	row1, err := s.Write(ctx, repo, data.RoleRoot, kp1)
	require.NoError(t, err)

	kp2, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	_, err = s.Write(ctx, repo, data.RoleRoot, kp2)
	require.NoError(t, err)

	require.NoError(t, s.DeletePrivate(ctx, repo, row1.KeyID))

	sigs, err := s.SignAll(ctx, repo, data.RoleRoot, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Len(t, sigs, 1, "offline key must not produce a signature")
}

func TestSignAllFailsWithRoleKeyNotFoundWhenNoKeyOnline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, err := s.SignAll(ctx, storage.RepoID("repo-1"), data.RoleTargets, []byte(`{"a":1}`))
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.RoleKeyNotFound, ae.Kind)
}
