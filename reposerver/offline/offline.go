// Package offline implements Offline-Signed Targets Intake (§4.H): the
// endpoint that accepts a full client-signed targets document rather
// than building one from the catalog. Grounded on the
// validateUpdate/validateTargets precondition ordering (root, then
// targets, then snapshot) and AtomicUpdateHandler's multipart-reader
// flow in Docker Notary's server/handlers/default.go, retrieved into
// other_examples, adapted from notary's single combined targets+snapshot
// push to this spec's targets-only push with server-derived
// snapshot/timestamp.
package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf-repo-server/apierrors"
	"github.com/kolide/tuf-repo-server/blobstore"
	"github.com/kolide/tuf-repo-server/keyserver/keystore"
	"github.com/kolide/tuf-repo-server/keyserver/rootengine"
	"github.com/kolide/tuf-repo-server/reposerver/roleengine"
	"github.com/kolide/tuf-repo-server/storage"
	"github.com/kolide/tuf-repo-server/tuf/canonicaljson"
	"github.com/kolide/tuf-repo-server/tuf/data"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

// Engine implements the offline-signed targets intake endpoint.
type Engine struct {
	roles      storage.SignedRoleStore
	roots      *rootengine.Engine
	roleEngine *roleengine.Engine
	blobs      blobstore.Store
}

// New returns an Engine. blobs may be nil if stale-blob cleanup is not
// wired (the cleanup step is then skipped).
func New(roles storage.SignedRoleStore, roots *rootengine.Engine, re *roleengine.Engine, blobs blobstore.Store) *Engine {
	return &Engine{roles: roles, roots: roots, roleEngine: re, blobs: blobs}
}

// Push validates and persists a client-signed targets document, per the
// four ordered preconditions of §4.H, then cascades a snapshot/timestamp
// regeneration (targets itself is already signed, so it is not rebuilt).
// checksumHeader is the caller-supplied x-ats-role-checksum; pass "" if
// absent. Returns the persisted targets alongside the regenerated
// snapshot and timestamp.
func (e *Engine) Push(ctx context.Context, repo storage.RepoID, payload *data.Targets, checksumHeader string) (*data.Targets, *data.Snapshot, *data.Timestamp, error) {
	currentRow, getErr := e.roles.Get(ctx, repo, data.RoleTargets)
	hasCurrent := getErr == nil

	var prior data.Targets
	if hasCurrent {
		if err := canonicaljson.Unmarshal(currentRow.CanonicalBytes, &prior); err != nil {
			return nil, nil, nil, errors.Wrap(err, "unmarshal current targets")
		}
	}

	if err := e.checkConcurrency(hasCurrent, currentRow, checksumHeader); err != nil {
		return nil, nil, nil, err
	}
	if err := checkVersionBump(hasCurrent, prior.Signed.Version, payload.Signed.Version); err != nil {
		return nil, nil, nil, err
	}
	if err := checkWellFormed(prior.Signed.Targets, payload.Signed.Targets); err != nil {
		return nil, nil, nil, err
	}
	if err := e.checkSignatures(ctx, repo, payload); err != nil {
		return nil, nil, nil, err
	}
	if err := checkDelegationsConsistent(payload.Signed.Delegations); err != nil {
		return nil, nil, nil, err
	}

	fullBytes, err := canonicaljson.Marshal(payload)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "marshal pushed targets")
	}
	row := &storage.SignedRoleRow{
		RepoID:         repo,
		RoleType:       data.RoleTargets,
		Version:        payload.Signed.Version,
		ExpiresAt:      payload.Signed.Expires,
		ChecksumHex:    canonicaljson.SHA256Hex(fullBytes),
		Length:         int64(len(fullBytes)),
		CanonicalBytes: fullBytes,
	}
	if err := e.roles.Put(ctx, row); err != nil {
		return nil, nil, nil, errors.Wrap(err, "persist pushed targets")
	}

	if e.blobs != nil {
		e.deleteStaleBlobs(ctx, repo, prior.Signed.Targets, payload.Signed.Targets)
	}

	var expiresNotBefore time.Time
	if hasCurrent {
		expiresNotBefore = currentRow.ExpiresAt
	}
	snapshot, timestamp, err := e.roleEngine.RegenerateSnapshotTimestamp(ctx, repo, expiresNotBefore)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "regenerate snapshot/timestamp after offline push")
	}
	return payload, snapshot, timestamp, nil
}

// checkConcurrency enforces step 1: a matching x-ats-role-checksum is
// required once a targets role has ever been persisted; the very first
// push is exempt.
func (e *Engine) checkConcurrency(hasCurrent bool, currentRow *storage.SignedRoleRow, checksumHeader string) error {
	if !hasCurrent {
		return nil
	}
	if checksumHeader == "" {
		return apierrors.New(apierrors.PreconditionRequired, "x-ats-role-checksum is required once a targets role exists")
	}
	if checksumHeader != currentRow.ChecksumHex {
		return apierrors.New(apierrors.PreconditionFailed, "x-ats-role-checksum does not match the currently persisted targets")
	}
	return nil
}

func checkVersionBump(hasCurrent bool, priorVersion, pushedVersion int) error {
	expected := 1
	if hasCurrent {
		expected = priorVersion + 1
	}
	if pushedVersion != expected {
		return apierrors.New(apierrors.InvalidVersionBump, fmt.Sprintf("expected version %d, got %d", expected, pushedVersion))
	}
	return nil
}

// checkWellFormed enforces step 2: every item has a SHA-256 hash and a
// positive length, and every item new to this push carries full custom
// metadata.
func checkWellFormed(prior, pushed map[string]data.FileIntegrityMeta) error {
	for name, meta := range pushed {
		if _, ok := meta.Hashes[data.HashSHA256]; !ok {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("target %q is missing a sha256 hash", name))
		}
		if meta.Length <= 0 {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("target %q has a non-positive length", name))
		}
		if _, existed := prior[name]; !existed && len(meta.Custom) == 0 {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("new target %q is missing custom metadata", name))
		}
	}
	return nil
}

// checkSignatures enforces step 3: every signature verifies against a
// key the current root declares for the targets role, unknown key IDs
// and duplicate signatures by the same key are rejected, and the count
// of distinct valid signatures must meet the declared threshold.
func (e *Engine) checkSignatures(ctx context.Context, repo storage.RepoID, payload *data.Targets) error {
	root, err := e.roots.GetCurrent(ctx, repo)
	if err != nil {
		return err
	}
	roleKeys, ok := root.Signed.Roles[data.RoleTargets]
	if !ok {
		return apierrors.New(apierrors.InvalidRootRole, "current root declares no targets role")
	}
	declared := make(map[data.KeyID]data.Key, len(roleKeys.KeyIDs))
	for _, id := range roleKeys.KeyIDs {
		key, ok := root.Signed.Keys[id]
		if !ok {
			return apierrors.New(apierrors.InvalidRootRole, "root declares a targets key id with no matching key")
		}
		declared[id] = key
	}

	seen := make(map[data.KeyID]bool, len(payload.Signatures))
	for _, sig := range payload.Signatures {
		if _, ok := declared[sig.KeyID]; !ok {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("signature from undeclared key %q", sig.KeyID))
		}
		if seen[sig.KeyID] {
			return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("duplicate signature from key %q", sig.KeyID))
		}
		seen[sig.KeyID] = true
	}

	payloadBytes, err := canonicaljson.Marshal(payload.Signed)
	if err != nil {
		return errors.Wrap(err, "marshal pushed targets payload")
	}
	valid := signing.CountValidThreshold(declared, payloadBytes, payload.Signatures)
	if valid < roleKeys.Threshold {
		return apierrors.New(apierrors.PayloadSignatureInvalid, fmt.Sprintf("%d of %d required signatures verified", valid, roleKeys.Threshold))
	}
	return nil
}

// checkDelegationsConsistent enforces step 4: every key ID a delegation
// role references is declared in delegations.keys, and every path
// pattern is non-empty.
func checkDelegationsConsistent(delegations data.Delegations) error {
	for _, role := range delegations.Roles {
		for _, id := range role.KeyIDs {
			if _, ok := delegations.Keys[id]; !ok {
				return apierrors.New(apierrors.DelegationNotDefined, fmt.Sprintf("delegation %q references undeclared key %q", role.Name, id))
			}
		}
		for _, path := range role.Paths {
			if path == "" {
				return apierrors.New(apierrors.DelegationNotDefined, fmt.Sprintf("delegation %q has an empty path pattern", role.Name))
			}
		}
	}
	return nil
}

// deleteStaleBlobs removes blobs for any filename present in prior but
// absent from pushed, per §4.H's stale-blob cleanup. Best-effort: a
// delete failure is not fatal to the push, since the blob store may
// already be consistent (idempotent per §5) or transiently unavailable.
func (e *Engine) deleteStaleBlobs(ctx context.Context, repo storage.RepoID, prior, pushed map[string]data.FileIntegrityMeta) {
	for name := range prior {
		if _, stillPresent := pushed[name]; stillPresent {
			continue
		}
		_ = e.blobs.Delete(ctx, repo, name)
	}
}

// Find returns the stored targets document of an offline-managed targets
// role (no targets key has a private half available) unmodified, even
// past expiry — the [+] expired-but-offline carve-out of §4.H. It never
// refreshes the document; if any targets key is online it returns an
// error, and roleengine.FindTargets serves that case instead.
func (e *Engine) Find(ctx context.Context, repo storage.RepoID, keys *keystore.Store) (*data.Targets, error) {
	online, err := keys.ListForRole(ctx, repo, data.RoleTargets)
	if err != nil {
		return nil, err
	}
	hasOnlineKey := false
	for _, row := range online {
		if row.Online() {
			hasOnlineKey = true
			break
		}
	}
	if hasOnlineKey {
		return nil, errors.New("Find is only for offline-managed targets; use roleengine.FindTargets when a key is online")
	}

	row, err := e.roles.Get(ctx, repo, data.RoleTargets)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.MissingEntity, err, "targets not found")
	}
	var doc data.Targets
	if err := canonicaljson.Unmarshal(row.CanonicalBytes, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal stored targets")
	}
	return &doc, nil
}
