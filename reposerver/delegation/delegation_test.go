package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/storage"
	memorystore "github.com/kolide/tuf-repo-server/storage/memory"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

type testRig struct {
	engine *Engine
	repo   storage.RepoID
	kp     *signing.KeyPair
	keyID  data.KeyID
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	roles := memorystore.NewSignedRoleStore()
	delegations := memorystore.NewDelegationStore()
	repo := storage.RepoID("repo-1")

	kp, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)
	keyID, err := signing.KeyID(kp.Public)
	require.NoError(t, err)

	targets := data.SignedTarget{
		Type:    "targets",
		Expires: time.Now().Add(24 * time.Hour),
		Version: 1,
		Targets: map[string]data.FileIntegrityMeta{},
		Delegations: data.Delegations{
			Keys: map[data.KeyID]data.Key{keyID: kp.Public},
			Roles: []data.DelegationRole{
				{RoleKeys: data.RoleKeys{KeyIDs: []data.KeyID{keyID}, Threshold: 1}, Name: "apps", Paths: []string{"apps/*"}},
			},
		},
	}
	doc := &data.Targets{Signed: targets}
	fullBytes, err := canonicaljson.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, roles.Put(context.Background(), &storage.SignedRoleRow{
		RepoID:         repo,
		RoleType:       data.RoleTargets,
		Version:        1,
		ExpiresAt:      targets.Expires,
		ChecksumHex:    canonicaljson.SHA256Hex(fullBytes),
		Length:         int64(len(fullBytes)),
		CanonicalBytes: fullBytes,
	}))

	return &testRig{engine: New(delegations, roles), repo: repo, kp: kp, keyID: keyID}
}

func (r *testRig) signedPush(t *testing.T, version int) *data.Targets {
	t.Helper()
	signed := data.SignedTarget{
		Type:        "targets",
		Expires:     time.Now().Add(24 * time.Hour),
		Version:     version,
		Targets:     map[string]data.FileIntegrityMeta{"apps/foo.bin": {Length: 5, Hashes: map[data.HashingMethod]string{data.HashSHA256: "x"}}},
		Delegations: data.Delegations{Keys: map[data.KeyID]data.Key{}},
	}
	payloadBytes, err := canonicaljson.Marshal(signed)
	require.NoError(t, err)
	sig, err := signing.Sign(r.kp, payloadBytes)
	require.NoError(t, err)
	return &data.Targets{Signed: signed, Signatures: []data.Signature{sig}}
}

func TestPushFirstVersionMustBeOne(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	got, err := rig.engine.Push(ctx, rig.repo, "apps", rig.signedPush(t, 1))
	require.NoError(t, err)
	require.Equal(t, 1, got.Signed.Version)
}

func TestPushRejectsUndeclaredDelegationName(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	_, err := rig.engine.Push(ctx, rig.repo, "ghost", rig.signedPush(t, 1))
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.DelegationNotDefined, ae.Kind)
}

func TestPushRejectsVersionNotStrictlyGreater(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	_, err := rig.engine.Push(ctx, rig.repo, "apps", rig.signedPush(t, 1))
	require.NoError(t, err)

	_, err = rig.engine.Push(ctx, rig.repo, "apps", rig.signedPush(t, 1))
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.InvalidVersionBump, ae.Kind)

	got, err := rig.engine.Push(ctx, rig.repo, "apps", rig.signedPush(t, 2))
	require.NoError(t, err)
	require.Equal(t, 2, got.Signed.Version)
}

func TestPushRejectsSignatureFromUndeclaredKey(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	other, err := signing.Generate(data.KeyTypeEd25519, 0)
	require.NoError(t, err)

	signed := data.SignedTarget{
		Type:        "targets",
		Expires:     time.Now().Add(24 * time.Hour),
		Version:     1,
		Targets:     map[string]data.FileIntegrityMeta{},
		Delegations: data.Delegations{Keys: map[data.KeyID]data.Key{}},
	}
	payloadBytes, err := canonicaljson.Marshal(signed)
	require.NoError(t, err)
	sig, err := signing.Sign(other, payloadBytes)
	require.NoError(t, err)
	payload := &data.Targets{Signed: signed, Signatures: []data.Signature{sig}}

	_, err = rig.engine.Push(ctx, rig.repo, "apps", payload)
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.PayloadSignatureInvalid, ae.Kind)
}

func TestGetReturnsPersistedDelegation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	_, err := rig.engine.Push(ctx, rig.repo, "apps", rig.signedPush(t, 1))
	require.NoError(t, err)

	got, err := rig.engine.Get(ctx, rig.repo, "apps")
	require.NoError(t, err)
	require.Equal(t, 1, got.Signed.Version)
	require.Contains(t, got.Signed.Targets, "apps/foo.bin")
}
