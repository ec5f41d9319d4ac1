// Package rootengine implements the Root Role Engine (§4.E): initial
// root build, refresh-on-read, key rotation with cross-signing,
// client-signed root validation, and idempotent role-slot addition.
// Validation is grounded on the checkRoot/validateRoot pair retrieved
// from notary's server/handlers/validation.go into other_examples:
// rotation detection by key-set diff, per-role threshold checks, and a
// mandatory-presence check over all four canonical roles.
package rootengine

import (
	"context"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

// DefaultTTL is the root role's default lifetime, per §6 ("root=365d").
const DefaultTTL = 365 * 24 * time.Hour

// coreRoles must all be present before an initial root can be built.
var coreRoles = []data.RoleType{data.RoleRoot, data.RoleTargets, data.RoleSnapshot, data.RoleTimestamp}

// Engine implements the Root Role Engine.
type Engine struct {
	roots  storage.RootRoleStore
	keys   *keystore.Store
	keygen *keygen.Engine
	clock  clock.Clock
	ttl    time.Duration
}

// New returns an Engine. ttl <= 0 uses DefaultTTL.
func New(roots storage.RootRoleStore, keys *keystore.Store, kg *keygen.Engine, clk clock.Clock, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{roots: roots, keys: keys, keygen: kg, clock: clk, ttl: ttl}
}

// Build performs the initial root role build for repo: it awaits a key
// for each of the four canonical roles, failing with KeysNotReady until
// every role has at least one generated key. When forceSync is true,
// any missing role's key is generated inline via the key-gen engine's
// synchronous path instead of waiting on the background poll loop.
func (e *Engine) Build(ctx context.Context, repo storage.RepoID, forceSync bool) (*data.Root, error) {
	keysByRole := make(map[data.RoleType][]*storage.KeyRow, len(coreRoles))
	for _, role := range coreRoles {
		rows, err := e.keys.ListForRole(ctx, repo, role)
		if err != nil {
			return nil, errors.Wrap(err, "list keys for role")
		}
		if len(rows) == 0 {
			if forceSync {
				row, err := e.keygen.ForceSync(ctx, repo, role, data.KeyTypeEd25519, 0)
				if err != nil {
					return nil, errors.Wrapf(err, "force-sync key for role %s", role)
				}
				rows = []*storage.KeyRow{row}
			} else {
				return nil, apierrors.New(apierrors.KeysNotReady, "keys for role "+string(role)+" are not yet generated")
			}
		}
		keysByRole[role] = rows
	}

	signed := data.SignedRoot{
		Type:               "root",
		ConsistentSnapshot: false,
		Expires:            e.now().Add(e.ttl),
		Version:            1,
		Keys:               map[data.KeyID]data.Key{},
		Roles:              map[data.RoleType]data.RoleKeys{},
	}
	for role, rows := range keysByRole {
		var ids []data.KeyID
		for _, row := range rows {
			signed.Keys[row.KeyID] = row.Public
			ids = append(ids, row.KeyID)
		}
		signed.Roles[role] = data.RoleKeys{KeyIDs: ids, Threshold: 1}
	}

	return e.signAndPersist(ctx, repo, signed)
}

// FindFresh returns the latest root for repo, producing and persisting
// the next version (reusing the existing key set) if its expiry is
// before max(now, expireNotBefore).
func (e *Engine) FindFresh(ctx context.Context, repo storage.RepoID, expireNotBefore time.Time) (*data.Root, error) {
	row, signed, err := e.latest(ctx, repo)
	if err != nil {
		return nil, err
	}

	cutoff := e.now()
	if expireNotBefore.After(cutoff) {
		cutoff = expireNotBefore
	}
	if !signed.Expires.Before(cutoff) {
		return &data.Root{Signed: signed, Signatures: row.Signatures}, nil
	}

	signed.Version++
	signed.Expires = e.now().Add(e.ttl)
	return e.signAndPersist(ctx, repo, signed)
}

// NextUnsigned returns the root document a client should sign next for
// an offline root update (§6 `GET /root/{repoId}/unsigned`): the current
// root's key set and role assignments, version bumped by one and expiry
// recomputed, but neither signed nor persisted — a template, not a new
// version.
func (e *Engine) NextUnsigned(ctx context.Context, repo storage.RepoID) (*data.SignedRoot, error) {
	_, signed, err := e.latest(ctx, repo)
	if err != nil {
		return nil, err
	}
	signed.Version++
	signed.Expires = e.now().Add(e.ttl)
	return &signed, nil
}

// Rotate generates a new root keypair, publishes a root role whose
// root-role key set is only the new key but which is cross-signed by
// both the old and new keys, then takes the old root key(s) offline.
// Callers are responsible for triggering downstream role regeneration
// (§4.G) once Rotate returns, since that cascade lives in a higher-level
// engine that depends on this one, not the other way around.
func (e *Engine) Rotate(ctx context.Context, repo storage.RepoID) (*data.Root, error) {
	_, signed, err := e.latest(ctx, repo)
	if err != nil {
		return nil, err
	}
	oldRootKeyIDs := append([]data.KeyID{}, signed.Roles[data.RoleRoot].KeyIDs...)

	kp, err := signing.Generate(data.KeyTypeEd25519, 0)
	if err != nil {
		return nil, errors.Wrap(err, "generating new root key")
	}
	newRow, err := e.keys.Write(ctx, repo, data.RoleRoot, kp)
	if err != nil {
		return nil, errors.Wrap(err, "persisting new root key")
	}

	signed.Version++
	signed.Expires = e.now().Add(e.ttl)
	signed.Keys[newRow.KeyID] = newRow.Public
	signed.Roles[data.RoleRoot] = data.RoleKeys{KeyIDs: []data.KeyID{newRow.KeyID}, Threshold: 1}

	root, err := e.signAndPersist(ctx, repo, signed)
	if err != nil {
		return nil, err
	}

	for _, oldID := range oldRootKeyIDs {
		if err := e.keys.DeletePrivate(ctx, repo, oldID); err != nil {
			return nil, errors.Wrap(err, "taking old root key offline")
		}
	}
	return root, nil
}

// AddRoles idempotently adds role slots not already present in the
// current root: for each new role type it generates a keypair
// synchronously (via the key-gen engine's ForceSync path, per §4.D) and
// appends it to a new root version. Role types already present are left
// untouched.
func (e *Engine) AddRoles(ctx context.Context, repo storage.RepoID, roleTypes ...data.RoleType) (*data.Root, error) {
	_, signed, err := e.latest(ctx, repo)
	if err != nil {
		return nil, err
	}

	changed := false
	for _, role := range roleTypes {
		if _, exists := signed.Roles[role]; exists {
			continue
		}
		row, err := e.keygen.ForceSync(ctx, repo, role, data.KeyTypeEd25519, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "generating keys for role %s", role)
		}
		signed.Keys[row.KeyID] = row.Public
		signed.Roles[role] = data.RoleKeys{KeyIDs: []data.KeyID{row.KeyID}, Threshold: 1}
		changed = true
	}
	if !changed {
		row, err := e.roots.GetLatest(ctx, repo)
		if err != nil {
			return nil, translateErr(err)
		}
		return &data.Root{Signed: signed, Signatures: row.Signatures}, nil
	}

	signed.Version++
	signed.Expires = e.now().Add(e.ttl)
	return e.signAndPersist(ctx, repo, signed)
}

// ValidateClientRoot validates a client-signed root update against the
// current root, per §4.E's four breach checks, collecting every breach
// rather than stopping at the first (matching checkRoot's cause-list
// reporting). On success the candidate is persisted as the new current
// version.
func (e *Engine) ValidateClientRoot(ctx context.Context, repo storage.RepoID, candidate *data.Root) error {
	_, previous, err := e.latest(ctx, repo)
	if err != nil {
		return err
	}

	var causes []string

	if candidate.Signed.Version != previous.Version+1 {
		causes = append(causes, "version is not exactly previous+1")
	}

	for role, rk := range candidate.Signed.Roles {
		if rk.Threshold < 1 {
			causes = append(causes, "role "+string(role)+" has threshold < 1")
		}
		if len(rk.KeyIDs) == 0 {
			causes = append(causes, "role "+string(role)+" has no keys")
		}
	}
	for _, role := range coreRoles {
		if _, ok := candidate.Signed.Roles[role]; !ok {
			causes = append(causes, "missing required role "+string(role))
		}
	}

	for keyID, key := range candidate.Signed.Keys {
		computed, err := signing.KeyID(key)
		if err != nil || computed != keyID {
			causes = append(causes, "key id "+string(keyID)+" does not match its public material")
		}
	}

	candidateBytes, err := canonicaljson.Marshal(candidate.Signed)
	if err != nil {
		return errors.Wrap(err, "marshalling candidate root")
	}

	previousRootKeys := filterKeys(previous.Keys, previous.Roles[data.RoleRoot].KeyIDs)
	if signing.CountValidThreshold(previousRootKeys, candidateBytes, candidate.Signatures) < previous.Roles[data.RoleRoot].Threshold {
		causes = append(causes, "not signed by threshold of previous root keys")
	}

	newRootKeys := filterKeys(candidate.Signed.Keys, candidate.Signed.Roles[data.RoleRoot].KeyIDs)
	if signing.CountValidThreshold(newRootKeys, candidateBytes, candidate.Signatures) < candidate.Signed.Roles[data.RoleRoot].Threshold {
		causes = append(causes, "not signed by threshold of new root keys")
	}

	if len(causes) > 0 {
		return apierrors.New(apierrors.InvalidRootRole, "client-signed root failed validation").WithCauses(causes...)
	}

	return e.roots.Create(ctx, &storage.RootRoleRow{
		RepoID:         repo,
		Version:        candidate.Signed.Version,
		ExpiresAt:      candidate.Signed.Expires,
		CanonicalBytes: candidateBytes,
		Signatures:     candidate.Signatures,
	})
}

// Sign is the signing oracle (§4.E): it signs canonicalBytes with every
// currently-online key for role.
func (e *Engine) Sign(ctx context.Context, repo storage.RepoID, role data.RoleType, canonicalBytes []byte) ([]data.Signature, error) {
	return e.keys.SignAll(ctx, repo, role, canonicalBytes)
}

// GetCurrent returns the latest persisted root for repo.
func (e *Engine) GetCurrent(ctx context.Context, repo storage.RepoID) (*data.Root, error) {
	row, signed, err := e.latest(ctx, repo)
	if err != nil {
		return nil, err
	}
	return &data.Root{Signed: signed, Signatures: row.Signatures}, nil
}

// GetVersion returns the root at exactly version, or MissingEntity.
func (e *Engine) GetVersion(ctx context.Context, repo storage.RepoID, version int) (*data.Root, error) {
	row, err := e.roots.Get(ctx, repo, version)
	if err != nil {
		return nil, translateErr(err)
	}
	var signed data.SignedRoot
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &signed); err != nil {
		return nil, errors.Wrap(err, "unmarshalling stored root")
	}
	return &data.Root{Signed: signed, Signatures: row.Signatures}, nil
}

func (e *Engine) latest(ctx context.Context, repo storage.RepoID) (*storage.RootRoleRow, data.SignedRoot, error) {
	row, err := e.roots.GetLatest(ctx, repo)
	if err != nil {
		return nil, data.SignedRoot{}, translateErr(err)
	}
	var signed data.SignedRoot
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &signed); err != nil {
		return nil, data.SignedRoot{}, errors.Wrap(err, "unmarshalling stored root")
	}
	return row, signed, nil
}

func (e *Engine) signAndPersist(ctx context.Context, repo storage.RepoID, signed data.SignedRoot) (*data.Root, error) {
	canonicalBytes, err := canonicaljson.Marshal(signed)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling root")
	}
	sigs, err := e.keys.SignAll(ctx, repo, data.RoleRoot, canonicalBytes)
	if err != nil {
		return nil, err
	}
	if err := e.roots.Create(ctx, &storage.RootRoleRow{
		RepoID:         repo,
		Version:        signed.Version,
		ExpiresAt:      signed.Expires,
		CanonicalBytes: canonicalBytes,
		Signatures:     sigs,
	}); err != nil {
		return nil, errors.Wrap(err, "persisting root")
	}
	return &data.Root{Signed: signed, Signatures: sigs}, nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now().UTC()
}

func filterKeys(all map[data.KeyID]data.Key, ids []data.KeyID) map[data.KeyID]data.Key {
	out := make(map[data.KeyID]data.Key, len(ids))
	for _, id := range ids {
		if k, ok := all[id]; ok {
			out[id] = k
		}
	}
	return out
}

func translateErr(err error) error {
	return apierrors.Wrap(apierrors.MissingEntity, err, "root role not found")
}
