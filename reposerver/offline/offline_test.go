package offline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/keyserver/secretstore"
	"github.com/kolide/tuf-repo-server/reposerver/catalog"
	"github.com/kolide/tuf-repo-server/reposerver/roleengine"
	"github.com/kolide/tuf-repo-server/storage"
	memorystore "github.com/kolide/tuf-repo-server/storage/memory"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

type testRig struct {
	engine *Engine
	keys   *keystore.Store
	roots  *rootengine.Engine
	repo   storage.RepoID
	root   *data.Root
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ks := keystore.New(memorystore.NewKeyStore(), secretstore.NewMemory())
	kg := keygen.New(memorystore.NewKeyGenRequestStore(), ks, nil, 0)
	roots := rootengine.New(memorystore.NewRootRoleStore(), ks, kg, nil, 0)
	cat := catalog.New(memorystore.NewTargetItemStore())
	roles := memorystore.NewSignedRoleStore()
	re := roleengine.New(roles, ks, roots, cat, nil, 0, 0, 0)
	repo := storage.RepoID("repo-1")

	root, err := roots.Build(context.Background(), repo, true)
	require.NoError(t, err)

	return &testRig{
		engine: New(roles, roots, re, nil),
		keys:   ks,
		roots:  roots,
		repo:   repo,
		root:   root,
	}
}

// signWithTargetsKey signs signed with the repo's current targets key,
// returning a fully signed Targets document.
func (r *testRig) signWithTargetsKey(t *testing.T, signed data.SignedTarget) *data.Targets {
	t.Helper()
	keyID := r.root.Signed.Roles[data.RoleTargets].KeyIDs[0]
	pub := r.root.Signed.Keys[keyID]
	privPEM, err := r.keys.ReadKeypair(context.Background(), r.repo, keyID)
	require.NoError(t, err)
	kp, err := signing.FromPrivatePEM(pub, privPEM)
	require.NoError(t, err)

	payloadBytes, err := canonicaljson.Marshal(signed)
	require.NoError(t, err)
	sig, err := signing.Sign(kp, payloadBytes)
	require.NoError(t, err)
	return &data.Targets{Signed: signed, Signatures: []data.Signature{sig}}
}

func basicSignedTargets(version int) data.SignedTarget {
	return data.SignedTarget{
		Type:    "targets",
		Expires: time.Now().Add(24 * time.Hour),
		Version: version,
		Targets: map[string]data.FileIntegrityMeta{
			"agent.bin": {
				Length: 10,
				Hashes: map[data.HashingMethod]string{data.HashSHA256: "abc"},
				Custom: map[string]interface{}{"name": "agent"},
			},
		},
		Delegations: data.Delegations{Keys: map[data.KeyID]data.Key{}},
	}
}

func TestPushFirstPushIsExemptFromChecksum(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	payload := rig.signWithTargetsKey(t, basicSignedTargets(1))

	targets, snapshot, timestamp, err := rig.engine.Push(ctx, rig.repo, payload, "")
	require.NoError(t, err)
	require.Equal(t, 1, targets.Signed.Version)
	require.Equal(t, 1, snapshot.Signed.Version)
	require.Equal(t, 1, timestamp.Signed.Version)

	meta, ok := snapshot.Signed.Meta["targets.json"]
	require.True(t, ok)
	require.Equal(t, 1, meta.Version)
}

func TestPushSecondPushRequiresMatchingChecksum(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	first := rig.signWithTargetsKey(t, basicSignedTargets(1))
	_, _, _, err := rig.engine.Push(ctx, rig.repo, first, "")
	require.NoError(t, err)

	second := rig.signWithTargetsKey(t, basicSignedTargets(2))

	_, _, _, err = rig.engine.Push(ctx, rig.repo, second, "")
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.PreconditionRequired, ae.Kind)

	_, _, _, err = rig.engine.Push(ctx, rig.repo, second, "wrong-checksum")
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.PreconditionFailed, ae.Kind)

	row, err := rig.engine.roles.Get(ctx, rig.repo, data.RoleTargets)
	require.NoError(t, err)
	_, _, _, err = rig.engine.Push(ctx, rig.repo, second, row.ChecksumHex)
	require.NoError(t, err)
}

func TestPushRejectsWrongVersionBump(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	bad := rig.signWithTargetsKey(t, basicSignedTargets(5))

	_, _, _, err := rig.engine.Push(ctx, rig.repo, bad, "")
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.InvalidVersionBump, ae.Kind)
}

func TestPushRejectsMissingHash(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	signed := basicSignedTargets(1)
	signed.Targets["bad.bin"] = data.FileIntegrityMeta{Length: 10, Custom: map[string]interface{}{"name": "x"}}
	payload := rig.signWithTargetsKey(t, signed)

	_, _, _, err := rig.engine.Push(ctx, rig.repo, payload, "")
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.PayloadSignatureInvalid, ae.Kind)
}

func TestPushRejectsInsufficientSignatures(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	unsigned := &data.Targets{Signed: basicSignedTargets(1)}

	_, _, _, err := rig.engine.Push(ctx, rig.repo, unsigned, "")
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.PayloadSignatureInvalid, ae.Kind)
}

func TestPushRejectsDelegationReferencingUndeclaredKey(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	signed := basicSignedTargets(1)
	signed.Delegations = data.Delegations{
		Keys: map[data.KeyID]data.Key{},
		Roles: []data.DelegationRole{
			{RoleKeys: data.RoleKeys{KeyIDs: []data.KeyID{"ghost"}, Threshold: 1}, Name: "apps", Paths: []string{"apps/*"}},
		},
	}
	payload := rig.signWithTargetsKey(t, signed)

	_, _, _, err := rig.engine.Push(ctx, rig.repo, payload, "")
	var ae *apierrors.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apierrors.DelegationNotDefined, ae.Kind)
}
